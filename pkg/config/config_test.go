package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatedhome/waterheater/pkg/controller"
)

const validConfig = `
settings:
  normalTemperature: {value: 65, entityId: number.heater_normal}
  ecoTemperature: {value: 55, entityId: number.heater_eco}
  maxTemperature: {value: 75, entityId: number.heater_max}
  hysteresis: {value: 4, entityId: number.heater_hysteresis}
sensors:
  temperature: {entityId: sensor.tank_temperature}
  switch: {entityId: switch.heater_relay}
  mode: {entityId: select.heater_mode}
  batterySoc: {entityId: sensor.battery_soc}
  sun: {entityId: sun.sun}
  power: {entityId: sensor.heater_power}
battery:
  enabled: true
  stopThreshold: 20
  resumeThreshold: 35
schedule:
  solar: false
  normalStart: "06:00"
  normalEnd: "09:00"
  ecoStart: "22:00"
  ecoEnd: "05:00"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfig(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	settings := c.GetSettings()
	assert.Equal(t, 65.0, settings.NormalTemperature.Value)
	assert.Equal(t, "number.heater_normal", settings.NormalTemperature.EntityID)

	sensors := c.GetSensors()
	assert.Equal(t, "sensor.tank_temperature", sensors.Temperature.EntityID)
	assert.Equal(t, "switch.heater_relay", sensors.Switch.EntityID)

	cs := c.ControllerSettings(controller.ModeOptimised)
	assert.Equal(t, controller.ModeOptimised, cs.Mode)
	assert.Equal(t, 75.0, cs.Thresholds.Max)
	assert.True(t, cs.Battery.Enabled)
	assert.True(t, cs.Schedule.HasRanges)
	assert.True(t, cs.Schedule.Normal.Contains(controller.ClockTime{Hour: 7}))
	assert.True(t, cs.Schedule.Eco.Contains(controller.ClockTime{Hour: 23}))
}

func TestNewConfigMissingFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewConfigRejections(t *testing.T) {
	base := `
settings:
  normalTemperature: {value: %v}
  ecoTemperature: {value: %v}
  maxTemperature: {value: %v}
  hysteresis: {value: %v}
sensors:
  temperature: {entityId: sensor.tank_temperature}
  switch: {entityId: switch.heater_relay}
  mode: {entityId: select.heater_mode}
`
	tests := []struct {
		name                   string
		normal, eco, max, hyst float64
	}{
		{"eco above normal", 65, 66, 75, 4},
		{"normal above max", 80, 55, 75, 4},
		{"hysteresis too small", 65, 55, 75, 0.05},
		{"hysteresis too large", 65, 55, 75, 5.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := fmt.Sprintf(base, tt.normal, tt.eco, tt.max, tt.hyst)
			_, err := NewConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestNewConfigRequiredSensors(t *testing.T) {
	content := `
settings:
  normalTemperature: {value: 65}
  ecoTemperature: {value: 55}
  maxTemperature: {value: 75}
  hysteresis: {value: 4}
sensors:
  switch: {entityId: switch.heater_relay}
  mode: {entityId: select.heater_mode}
`
	_, err := NewConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature sensor")
}

func batteryConfig(stop, resume float64, socEntity string) string {
	soc := ""
	if socEntity != "" {
		soc = fmt.Sprintf("\n  batterySoc: {entityId: %s}", socEntity)
	}
	return fmt.Sprintf(`
settings:
  normalTemperature: {value: 65}
  ecoTemperature: {value: 55}
  maxTemperature: {value: 75}
  hysteresis: {value: 4}
sensors:
  temperature: {entityId: sensor.tank_temperature}
  switch: {entityId: switch.heater_relay}
  mode: {entityId: select.heater_mode}%s
battery:
  enabled: true
  stopThreshold: %v
  resumeThreshold: %v
`, soc, stop, resume)
}

func TestBatteryValidation(t *testing.T) {
	_, err := NewConfig(writeConfig(t, batteryConfig(20, 35, "sensor.soc")))
	assert.NoError(t, err)

	_, err = NewConfig(writeConfig(t, batteryConfig(35, 20, "sensor.soc")))
	assert.Error(t, err)

	_, err = NewConfig(writeConfig(t, batteryConfig(20, 20, "sensor.soc")))
	assert.Error(t, err)

	_, err = NewConfig(writeConfig(t, batteryConfig(20, 110, "sensor.soc")))
	assert.Error(t, err)

	_, err = NewConfig(writeConfig(t, batteryConfig(20, 35, "")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state of charge")
}

func scheduleConfig(normalStart, normalEnd, ecoStart, ecoEnd string) string {
	return fmt.Sprintf(`
settings:
  normalTemperature: {value: 65}
  ecoTemperature: {value: 55}
  maxTemperature: {value: 75}
  hysteresis: {value: 4}
sensors:
  temperature: {entityId: sensor.tank_temperature}
  switch: {entityId: switch.heater_relay}
  mode: {entityId: select.heater_mode}
schedule:
  normalStart: "%s"
  normalEnd: "%s"
  ecoStart: "%s"
  ecoEnd: "%s"
`, normalStart, normalEnd, ecoStart, ecoEnd)
}

func TestScheduleValidation(t *testing.T) {
	_, err := NewConfig(writeConfig(t, scheduleConfig("06:00", "09:00", "22:00", "05:00")))
	assert.NoError(t, err)

	// overlapping ranges rejected
	_, err = NewConfig(writeConfig(t, scheduleConfig("06:00", "09:00", "08:00", "12:00")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlap")

	// midnight-crossing overlap rejected
	_, err = NewConfig(writeConfig(t, scheduleConfig("22:00", "06:00", "05:00", "07:00")))
	assert.Error(t, err)

	// malformed time rejected
	_, err = NewConfig(writeConfig(t, scheduleConfig("6am", "09:00", "22:00", "05:00")))
	assert.Error(t, err)

	// partial schedule rejected
	_, err = NewConfig(writeConfig(t, scheduleConfig("06:00", "", "", "")))
	assert.Error(t, err)
}

func TestSetNormalTemperature(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	entity, err := c.SetNormalTemperature(70)
	require.NoError(t, err)
	assert.Equal(t, "number.heater_normal", entity)
	assert.Equal(t, 70.0, c.GetSettings().NormalTemperature.Value)

	_, err = c.SetNormalTemperature(39) // below hard minimum
	assert.Error(t, err)
	_, err = c.SetNormalTemperature(76) // above maximum
	assert.Error(t, err)
	_, err = c.SetNormalTemperature(54) // below eco
	assert.Error(t, err)
	assert.Equal(t, 70.0, c.GetSettings().NormalTemperature.Value)
}

func TestSetEcoTemperature(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	entity, err := c.SetEcoTemperature(60)
	require.NoError(t, err)
	assert.Equal(t, "number.heater_eco", entity)
	assert.Equal(t, 60.0, c.GetSettings().EcoTemperature.Value)

	_, err = c.SetEcoTemperature(29) // below hard minimum
	assert.Error(t, err)
	_, err = c.SetEcoTemperature(66) // above normal
	assert.Error(t, err)
}

type fakeGetter struct {
	values map[string]float64
	err    error
}

func (f fakeGetter) GetSingleValue(entity string) (float64, error) {
	if f.err != nil {
		return -1, f.err
	}
	v, ok := f.values[entity]
	if !ok {
		return -1, fmt.Errorf("unknown entity %s", entity)
	}
	return v, nil
}

func TestReadValuesFromHomeAssistant(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	getter := fakeGetter{values: map[string]float64{
		"number.heater_normal":     68,
		"number.heater_eco":        58,
		"number.heater_max":        78,
		"number.heater_hysteresis": 2,
	}}
	require.NoError(t, c.ReadValuesFromHomeAssistant(getter))

	settings := c.GetSettings()
	assert.Equal(t, 68.0, settings.NormalTemperature.Value)
	assert.Equal(t, 58.0, settings.EcoTemperature.Value)
	assert.Equal(t, 78.0, settings.MaxTemperature.Value)
	assert.Equal(t, 2.0, settings.Hysteresis.Value)
}

func TestReadValuesRejectsInconsistentUpdate(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	// eco above normal must be rejected wholesale
	getter := fakeGetter{values: map[string]float64{
		"number.heater_normal":     60,
		"number.heater_eco":        70,
		"number.heater_max":        75,
		"number.heater_hysteresis": 4,
	}}
	require.Error(t, c.ReadValuesFromHomeAssistant(getter))

	settings := c.GetSettings()
	assert.Equal(t, 65.0, settings.NormalTemperature.Value)
	assert.Equal(t, 55.0, settings.EcoTemperature.Value)
}

func TestReadValuesKeepsOldOnFetchError(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Error(t, c.ReadValuesFromHomeAssistant(fakeGetter{err: fmt.Errorf("boom")}))
	assert.Equal(t, 65.0, c.GetSettings().NormalTemperature.Value)
}

type blockingGetter struct {
	release chan struct{}
}

func (b blockingGetter) GetSingleValue(entity string) (float64, error) {
	<-b.release
	return -1, fmt.Errorf("connection closed")
}

func TestReadValuesDoesNotBlockControllerSettings(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	getter := blockingGetter{release: make(chan struct{})}
	defer close(getter.release)

	refreshing := make(chan struct{})
	go func() {
		close(refreshing)
		c.ReadValuesFromHomeAssistant(getter)
	}()
	<-refreshing

	// The evaluation loop must keep reading settings while a refresh hangs
	// on the network.
	done := make(chan controller.Settings, 1)
	go func() {
		done <- c.ControllerSettings(controller.ModeNormal)
	}()

	select {
	case cs := <-done:
		assert.Equal(t, 65.0, cs.Thresholds.Normal)
	case <-time.After(time.Second):
		t.Fatal("ControllerSettings blocked while a settings fetch hung")
	}
}

func TestDiagnosticsRedaction(t *testing.T) {
	c, err := NewConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	d := c.Diagnostics()
	assert.Equal(t, redacted, d.Sensors.Temperature.EntityID)
	assert.Equal(t, redacted, d.Sensors.Switch.EntityID)
	assert.Equal(t, redacted, d.Settings.NormalTemperature.EntityID)
	// values survive, only identifiers are hidden
	assert.Equal(t, 65.0, d.Settings.NormalTemperature.Value)
	assert.True(t, d.Battery.Enabled)
	// optional sensors without an entity stay empty
	assert.Empty(t, d.Sensors.Voltage.EntityID)
}
