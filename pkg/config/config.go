// Package config loads and validates the controller configuration and keeps
// setting values in sync with their Home Assistant entities.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/automatedhome/waterheater/pkg/controller"
	"github.com/automatedhome/waterheater/pkg/homeassistant"
	"github.com/automatedhome/waterheater/pkg/types"
)

// Setter bounds match the number entities exposed in Home Assistant.
const (
	minNormalTemperature = 40.0
	minEcoTemperature    = 30.0
	minHysteresis        = 0.1
	maxHysteresis        = 5.0
)

// ValueGetter fetches a numeric entity state from Home Assistant.
type ValueGetter interface {
	GetSingleValue(entity string) (float64, error)
}

type fileFormat struct {
	Settings types.Settings        `yaml:"settings"`
	Sensors  homeassistant.Sensors `yaml:"sensors"`
	Battery  types.BatteryGate     `yaml:"battery,omitempty"`
	Schedule types.Schedule        `yaml:"schedule,omitempty"`
}

type Config struct {
	mu       sync.Mutex
	settings types.Settings
	sensors  homeassistant.Sensors
	battery  types.BatteryGate
	schedule types.Schedule

	hasRanges   bool
	normalRange controller.TimeRange
	ecoRange    controller.TimeRange
}

// NewConfig reads the configuration file and rejects invalid setups before
// the control loop ever runs.
func NewConfig(path string) (*Config, error) {
	log.Printf("Reading configuration from %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file reading error: %w", err)
	}

	var file fileFormat
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("could not parse configuration: %w", err)
	}

	c := &Config{
		settings: file.Settings,
		sensors:  file.Sensors,
		battery:  file.Battery,
		schedule: file.Schedule,
	}

	if err := c.parseSchedule(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) parseSchedule() error {
	s := c.schedule
	if s.Solar {
		return nil
	}

	set := 0
	for _, v := range []string{s.NormalStart, s.NormalEnd, s.EcoStart, s.EcoEnd} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return nil
	}
	if set != 4 {
		return fmt.Errorf("schedule requires all four times, got %d", set)
	}

	var err error
	if c.normalRange, err = controller.ParseTimeRange(s.NormalStart, s.NormalEnd); err != nil {
		return fmt.Errorf("invalid normal range: %w", err)
	}
	if c.ecoRange, err = controller.ParseTimeRange(s.EcoStart, s.EcoEnd); err != nil {
		return fmt.Errorf("invalid eco range: %w", err)
	}
	if c.normalRange.Overlaps(c.ecoRange) {
		return fmt.Errorf("schedule ranges %s-%s and %s-%s overlap", s.NormalStart, s.NormalEnd, s.EcoStart, s.EcoEnd)
	}
	c.hasRanges = true

	return nil
}

func (c *Config) validate() error {
	if c.sensors.Temperature.EntityID == "" {
		return fmt.Errorf("temperature sensor entity is required")
	}
	if c.sensors.Switch.EntityID == "" {
		return fmt.Errorf("heater switch entity is required")
	}
	if c.sensors.Mode.EntityID == "" {
		return fmt.Errorf("mode select entity is required")
	}

	if err := validateThresholds(c.settings); err != nil {
		return err
	}

	if c.battery.Enabled {
		if c.sensors.BatterySoC.EntityID == "" {
			return fmt.Errorf("battery gating requires a state of charge entity")
		}
		if c.battery.StopThreshold < 0 || c.battery.ResumeThreshold > 100 {
			return fmt.Errorf("battery thresholds must be percentages")
		}
		if c.battery.StopThreshold >= c.battery.ResumeThreshold {
			return fmt.Errorf("battery stop threshold %.1f must be below resume threshold %.1f",
				c.battery.StopThreshold, c.battery.ResumeThreshold)
		}
	}

	return nil
}

func validateThresholds(s types.Settings) error {
	eco := s.EcoTemperature.Value
	normal := s.NormalTemperature.Value
	max := s.MaxTemperature.Value
	h := s.Hysteresis.Value

	if eco > normal {
		return fmt.Errorf("eco temperature %.1f must not exceed normal temperature %.1f", eco, normal)
	}
	if normal > max {
		return fmt.Errorf("normal temperature %.1f must not exceed maximum temperature %.1f", normal, max)
	}
	if h < minHysteresis || h > maxHysteresis {
		return fmt.Errorf("hysteresis %.1f outside range %.1f-%.1f", h, minHysteresis, maxHysteresis)
	}

	return nil
}

// GetSettings returns a copy of the current setting values.
func (c *Config) GetSettings() types.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// GetSensors returns the configured tracked entities.
func (c *Config) GetSensors() homeassistant.Sensors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensors
}

// ControllerSettings assembles the evaluator input for the given mode.
func (c *Config) ControllerSettings(mode controller.Mode) controller.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	return controller.Settings{
		Mode: mode,
		Thresholds: controller.Thresholds{
			Normal:     c.settings.NormalTemperature.Value,
			Eco:        c.settings.EcoTemperature.Value,
			Max:        c.settings.MaxTemperature.Value,
			Hysteresis: c.settings.Hysteresis.Value,
		},
		Battery: controller.BatteryGate{
			Enabled:         c.battery.Enabled,
			StopThreshold:   c.battery.StopThreshold,
			ResumeThreshold: c.battery.ResumeThreshold,
		},
		Schedule: controller.Schedule{
			Solar:     c.schedule.Solar,
			SunAngle:  c.schedule.SunAngle,
			HasRanges: c.hasRanges,
			Normal:    c.normalRange,
			Eco:       c.ecoRange,
		},
	}
}

// ReadValuesFromHomeAssistant refreshes setting values from their entities.
// Values that fail the ordering checks are rejected wholesale so a half
// applied update can never leave the thresholds inconsistent. The fetches run
// without holding the lock so a hung Home Assistant connection never blocks
// the evaluation loop.
func (c *Config) ReadValuesFromHomeAssistant(hass ValueGetter) error {
	c.mu.Lock()
	updated := c.settings
	c.mu.Unlock()

	var errs []error

	points := []struct {
		name  string
		point *types.DataPoint
	}{
		{"normal temperature", &updated.NormalTemperature},
		{"eco temperature", &updated.EcoTemperature},
		{"maximum temperature", &updated.MaxTemperature},
		{"hysteresis", &updated.Hysteresis},
	}
	for _, p := range points {
		if p.point.EntityID == "" {
			continue
		}
		value, err := hass.GetSingleValue(p.point.EntityID)
		if err != nil {
			log.Printf("Could not get setting for %s from Home Assistant: %v", p.name, err)
			errs = append(errs, err)
			continue
		}
		p.point.Value = value
	}

	if err := validateThresholds(updated); err != nil {
		return fmt.Errorf("refreshed settings rejected: %w", err)
	}

	c.mu.Lock()
	c.settings = updated
	c.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("encountered %d error(s) while fetching settings", len(errs))
	}

	return nil
}

// SetNormalTemperature updates the normal set point. Returns the bound
// entity ID so the caller can write the value through to Home Assistant.
func (c *Config) SetNormalTemperature(value float64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value < minNormalTemperature || value > c.settings.MaxTemperature.Value {
		return "", fmt.Errorf("normal temperature %.1f outside range %.1f-%.1f",
			value, minNormalTemperature, c.settings.MaxTemperature.Value)
	}
	if value < c.settings.EcoTemperature.Value {
		return "", fmt.Errorf("normal temperature %.1f below eco temperature %.1f",
			value, c.settings.EcoTemperature.Value)
	}

	c.settings.NormalTemperature.Value = value
	return c.settings.NormalTemperature.EntityID, nil
}

// SetEcoTemperature updates the eco set point. Returns the bound entity ID
// so the caller can write the value through to Home Assistant.
func (c *Config) SetEcoTemperature(value float64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value < minEcoTemperature || value > c.settings.NormalTemperature.Value {
		return "", fmt.Errorf("eco temperature %.1f outside range %.1f-%.1f",
			value, minEcoTemperature, c.settings.NormalTemperature.Value)
	}

	c.settings.EcoTemperature.Value = value
	return c.settings.EcoTemperature.EntityID, nil
}

// ExposeSettingsOnHTTP reports the current settings as JSON.
func (c *Config) ExposeSettingsOnHTTP(w http.ResponseWriter, r *http.Request) {
	settings := c.GetSettings()
	js, err := json.Marshal(settings)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(js)
	if err != nil {
		log.Println(err)
	}
}

const redacted = "**REDACTED**"

// DiagnosticsReport is the configuration view exposed for bug reports.
type DiagnosticsReport struct {
	Settings types.Settings        `json:"settings"`
	Sensors  homeassistant.Sensors `json:"sensors"`
	Battery  types.BatteryGate     `json:"battery"`
	Schedule types.Schedule        `json:"schedule"`
}

// Diagnostics returns the full configuration with entity IDs redacted, safe
// to attach to a bug report.
func (c *Config) Diagnostics() DiagnosticsReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := DiagnosticsReport{
		Settings: c.settings,
		Sensors:  c.sensors,
		Battery:  c.battery,
		Schedule: c.schedule,
	}

	for _, id := range []*string{
		&d.Settings.NormalTemperature.EntityID,
		&d.Settings.EcoTemperature.EntityID,
		&d.Settings.MaxTemperature.EntityID,
		&d.Settings.Hysteresis.EntityID,
		&d.Sensors.Temperature.EntityID,
		&d.Sensors.Switch.EntityID,
		&d.Sensors.Mode.EntityID,
		&d.Sensors.BatterySoC.EntityID,
		&d.Sensors.Sun.EntityID,
		&d.Sensors.Power.EntityID,
		&d.Sensors.Voltage.EntityID,
		&d.Sensors.Current.EntityID,
	} {
		if *id != "" {
			*id = redacted
		}
	}

	return d
}

// ExposeDiagnosticsOnHTTP reports the redacted configuration as JSON.
func (c *Config) ExposeDiagnosticsOnHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(c.Diagnostics())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(js)
	if err != nil {
		log.Println(err)
	}
}
