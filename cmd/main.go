package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/automatedhome/waterheater/pkg/config"
	"github.com/automatedhome/waterheater/pkg/controller"
	"github.com/automatedhome/waterheater/pkg/homeassistant"
	"github.com/automatedhome/waterheater/pkg/mqtt"
)

type Status struct {
	Status string   `json:"status"`
	Mode   string   `json:"mode"`
	Target *float64 `json:"target,omitempty"`
	Since  int64    `json:"since"`
}

var (
	promMetrics  *metrics
	configClient *config.Config
	hassClient   *homeassistant.Client
	publisher    mqtt.Publisher
	ctl          *controller.Controller

	// statusMu guards lastPass and systemStatus, written by the evaluation
	// goroutine and read by the /status and /health handlers.
	statusMu     sync.Mutex
	lastPass     time.Time
	systemStatus Status
)

type metrics struct {
	overtempTotal     prometheus.Counter
	errorTotal        prometheus.Counter
	heaterRunning     prometheus.Gauge
	batteryPaused     prometheus.Gauge
	waterTemperature  prometheus.Gauge
	targetTemperature prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		overtempTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waterheater",
			Name:      "overtemp_total",
			Help:      "Increased when the overtemperature safety override kicked in",
		}),
		errorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waterheater",
			Name:      "error_total",
			Help:      "Increased when a tracked entity became unavailable",
		}),
		heaterRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waterheater",
			Name:      "heater_running_binary",
			Help:      "Registers when the heater switch is on",
		}),
		batteryPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waterheater",
			Name:      "battery_paused_binary",
			Help:      "Registers when the battery gate pauses heating",
		}),
		waterTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waterheater",
			Name:      "water_temperature_celsius",
			Help:      "Current water temperature",
		}),
		targetTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waterheater",
			Name:      "target_temperature_celsius",
			Help:      "Current target temperature, 0 when the heater has no target",
		}),
	}

	reg.MustRegister(
		m.overtempTotal,
		m.errorTotal,
		m.heaterRunning,
		m.batteryPaused,
		m.waterTemperature,
		m.targetTemperature,
	)

	return m
}

func setStatus(dec controller.Decision, mode controller.Mode, temperature float64) {
	var target *float64
	if dec.HasTarget {
		t := dec.Target
		target = &t
	}

	statusMu.Lock()
	changed := systemStatus.Status != string(dec.Status)
	if changed {
		systemStatus.Since = time.Now().Unix()
	}
	systemStatus.Status = string(dec.Status)
	systemStatus.Mode = string(mode)
	systemStatus.Target = target
	statusMu.Unlock()

	if !changed {
		return
	}

	switch dec.Status {
	case controller.StatusOvertemp:
		promMetrics.overtempTotal.Inc()
	case controller.StatusError:
		promMetrics.errorTotal.Inc()
	}

	if dec.Reason != "" {
		log.Printf("Status changed to %s: %s", dec.Status, dec.Reason)
	} else {
		log.Printf("Status changed to %s", dec.Status)
	}

	err := publisher.PublishStatus(mqtt.StatusMessage{
		Timestamp:   time.Now(),
		Status:      string(dec.Status),
		Mode:        string(mode),
		Temperature: temperature,
		Target:      target,
	})
	if err != nil {
		log.Println(err)
	}
}

func turnHeater(cmd controller.Command, reason string) {
	entity := hassClient.Sensors().Switch.EntityID

	service := "turn_off"
	if cmd == controller.CommandOn {
		service = "turn_on"
	}

	log.Printf("Turning heater %s: %s", cmd, reason)

	if err := hassClient.CallService("homeassistant", service, entity); err != nil {
		log.Println(err)
		return
	}

	err := publisher.PublishCommand(mqtt.CommandMessage{
		Timestamp: time.Now(),
		Command:   cmd.String(),
		Reason:    reason,
	})
	if err != nil {
		log.Println(err)
	}
}

func snapshotFrom(sensors homeassistant.Sensors, now time.Time) controller.Snapshot {
	return controller.Snapshot{
		Temperature:     controller.Reading{Value: sensors.Temperature.Value, Available: sensors.Temperature.Available},
		HeaterOn:        sensors.Switch.On,
		HeaterAvailable: sensors.Switch.Available,
		BatterySoC:      controller.Reading{Value: sensors.BatterySoC.Value, Available: sensors.BatterySoC.Available},
		SunElevation:    controller.Reading{Value: sensors.Sun.Value, Available: sensors.Sun.Available},
		Now:             now,
	}
}

// evaluate runs one pass of the control logic over the tracked states and
// issues at most one switch command.
func evaluate() {
	statusMu.Lock()
	lastPass = time.Now()
	statusMu.Unlock()

	sensors := hassClient.Sensors()

	// The mode select is user state persisted in Home Assistant. While it is
	// unavailable the controller keeps running in optimised mode.
	mode := controller.ModeOptimised
	if sensors.Mode.Available {
		var err error
		mode, err = controller.ParseMode(sensors.Mode.Value)
		if err != nil {
			log.Printf("Mode select reports %q, falling back to normal", sensors.Mode.Value)
		}
	}

	dec := ctl.Evaluate(snapshotFrom(sensors, time.Now()), configClient.ControllerSettings(mode))

	if sensors.Temperature.Available {
		promMetrics.waterTemperature.Set(sensors.Temperature.Value)
	}
	if sensors.Switch.On {
		promMetrics.heaterRunning.Set(1)
	} else {
		promMetrics.heaterRunning.Set(0)
	}
	if dec.HasTarget {
		promMetrics.targetTemperature.Set(dec.Target)
	} else {
		promMetrics.targetTemperature.Set(0)
	}
	if ctl.Latch() == controller.LatchPaused {
		promMetrics.batteryPaused.Set(1)
	} else {
		promMetrics.batteryPaused.Set(0)
	}

	setStatus(dec, mode, sensors.Temperature.Value)

	switch dec.Command {
	case controller.CommandOn:
		if !sensors.Switch.On {
			turnHeater(controller.CommandOn, dec.Reason)
		}
	case controller.CommandOff:
		if sensors.Switch.On {
			turnHeater(controller.CommandOff, dec.Reason)
		}
	}
}

func httpStatus(w http.ResponseWriter, r *http.Request) {
	statusMu.Lock()
	status := systemStatus
	statusMu.Unlock()

	js, err := json.Marshal(status)
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

func httpHealthCheck(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(1 * time.Minute)
	statusMu.Lock()
	last := lastPass
	statusMu.Unlock()
	if last.Add(timeout).After(time.Now()) {
		w.WriteHeader(200)
	} else {
		w.WriteHeader(500)
	}
}

type temperatureRequest struct {
	Temperature float64 `json:"temperature"`
}

func httpSetTemperature(set func(float64) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req temperatureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entity, err := set(req.Temperature)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Write the value through to the bound number entity so the setting
		// survives a restart.
		if entity != "" {
			if err := hassClient.SetValue(entity, req.Temperature); err != nil {
				log.Println(err)
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func bootstrap() {
	configFile := flag.String("config", "/config.yaml", "Provide configuration file with entity mappings")
	haddr := flag.String("homeassistant-address", "localhost:8123", "HomeAssistant API address (default: localhost:8123)")
	htoken := flag.String("homeassistant-token", "", "HomeAssistant API token")
	broker := flag.String("mqtt-broker", "", "MQTT broker address, e.g. tcp://localhost:1883 (optional)")
	flag.Parse()

	var err error
	configClient, err = config.NewConfig(*configFile)
	if err != nil {
		log.Fatalf("Error synthesizing configuration: %v", err)
	}

	hassClient = homeassistant.NewClient(*haddr, *htoken, configClient.GetSensors())

	// Missing entities at startup are not fatal: the evaluator fails safe
	// with an Error status until they show up.
	if err := hassClient.InitializeStates(); err != nil {
		log.Printf("Error initializing tracked states: %v", err)
	}

	if err := configClient.ReadValuesFromHomeAssistant(hassClient); err != nil {
		log.Printf("Error getting settings from HomeAssistant: %v", err)
	}

	if *broker != "" {
		publisher, err = mqtt.NewRealPublisher(*broker)
		if err != nil {
			log.Fatalf("Error connecting to MQTT broker: %v", err)
		}
	} else {
		publisher = mqtt.NoopPublisher{}
	}

	ctl = controller.New()
	systemStatus = Status{Status: "startup", Since: time.Now().Unix()}
}

func main() {
	bootstrap()

	reg := prometheus.NewRegistry()
	promMetrics = newMetrics(reg)

	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	go func() {
		// Expose metrics
		http.Handle("/metrics", promHandler)
		// Expose config
		http.HandleFunc("/config", configClient.ExposeSettingsOnHTTP)
		// Expose config with entity IDs redacted
		http.HandleFunc("/diagnostics", configClient.ExposeDiagnosticsOnHTTP)
		// Report current status
		http.HandleFunc("/status", httpStatus)
		// Expose current tracked states
		http.HandleFunc("/sensors", hassClient.ExposeSensorsOnHTTP)
		// Expose healthcheck
		http.HandleFunc("/health", httpHealthCheck)
		// Set point commands
		http.HandleFunc("/settings/normal", httpSetTemperature(configClient.SetNormalTemperature))
		http.HandleFunc("/settings/eco", httpSetTemperature(configClient.SetEcoTemperature))
		err := http.ListenAndServe(":7002", nil)
		if err != nil {
			panic("HTTP Server for metrics exposition failed: " + err.Error())
		}
	}()

	// periodically refresh settings
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			err := configClient.ReadValuesFromHomeAssistant(hassClient)
			if err != nil {
				log.Printf("Error getting settings from HomeAssistant: %v", err)
			}
		}
	}()

	go hassClient.HandleWebsocketConnection()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Each state change triggers one evaluation; the ticker keeps wall-time
	// schedules moving when no entity changes state.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	evaluate()
	for {
		select {
		case <-hassClient.Updates():
		case <-ticker.C:
		case sig := <-sigs:
			log.Printf("Received %s, shutting down", sig)
			if err := publisher.Close(); err != nil {
				log.Println(err)
			}
			return
		}
		evaluate()
	}
}
