// Package homeassistant tracks the states of the entities the controller
// watches and talks to the Home Assistant REST and websocket APIs.
package homeassistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// requestTimeout bounds every REST call. The control loop rides this client,
// so a hung connection must never stall an evaluation indefinitely.
const requestTimeout = 10 * time.Second

const (
	stateUnavailable = "unavailable"
	stateUnknown     = "unknown"
)

// Sensor is a tracked numeric entity. Optional sensors leave EntityID empty.
type Sensor struct {
	EntityID  string  `yaml:"entityId" json:"entityId"`
	Value     float64 `yaml:"-" json:"value"`
	Available bool    `yaml:"-" json:"available"`
}

// SwitchSensor is the tracked heater relay.
type SwitchSensor struct {
	EntityID  string `yaml:"entityId" json:"entityId"`
	On        bool   `yaml:"-" json:"on"`
	Available bool   `yaml:"-" json:"available"`
}

// SelectSensor is a tracked string-valued entity, used for the mode select.
type SelectSensor struct {
	EntityID  string `yaml:"entityId" json:"entityId"`
	Value     string `yaml:"-" json:"value"`
	Available bool   `yaml:"-" json:"available"`
}

// Sensors holds every tracked entity. Temperature, Switch and Mode are
// required; the rest are optional. Power, Voltage and Current are display
// only and never influence control decisions.
type Sensors struct {
	Temperature Sensor       `yaml:"temperature" json:"temperature"`
	Switch      SwitchSensor `yaml:"switch" json:"switch"`
	Mode        SelectSensor `yaml:"mode" json:"mode"`
	BatterySoC  Sensor       `yaml:"batterySoc,omitempty" json:"batterySoc"`
	Sun         Sensor       `yaml:"sun,omitempty" json:"sun"`
	Power       Sensor       `yaml:"power,omitempty" json:"power"`
	Voltage     Sensor       `yaml:"voltage,omitempty" json:"voltage"`
	Current     Sensor       `yaml:"current,omitempty" json:"current"`
}

// Entity is a Home Assistant entity state as returned by the REST API and
// carried inside state_changed events.
type Entity struct {
	EntityID   string                 `json:"entity_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

type Client struct {
	mu      sync.Mutex
	sensors Sensors

	httpAddress string
	wsAddress   string
	token       string
	httpClient  *http.Client
	wsConn      net.Conn

	updates chan struct{}
}

func NewClient(address, token string, sensors Sensors) *Client {
	return &Client{
		sensors:     sensors,
		httpAddress: "http://" + address,
		wsAddress:   "ws://" + address + "/api/websocket",
		token:       token,
		httpClient:  &http.Client{Timeout: requestTimeout},
		updates:     make(chan struct{}, 1),
	}
}

// Sensors returns a copy of the current tracked states.
func (c *Client) Sensors() Sensors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensors
}

// Updates signals that a tracked entity changed state. The channel carries
// at most one pending notification, so a slow consumer coalesces bursts.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// ExposeSensorsOnHTTP reports the tracked states as JSON.
func (c *Client) ExposeSensorsOnHTTP(w http.ResponseWriter, r *http.Request) {
	s := c.Sensors()
	js, err := json.Marshal(&s)
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

// InitializeStates fetches every configured tracked entity over REST so the
// first evaluation does not run on zero values.
func (c *Client) InitializeStates() error {
	entities := []string{
		c.sensors.Temperature.EntityID,
		c.sensors.Switch.EntityID,
		c.sensors.Mode.EntityID,
		c.sensors.BatterySoC.EntityID,
		c.sensors.Sun.EntityID,
		c.sensors.Power.EntityID,
		c.sensors.Voltage.EntityID,
		c.sensors.Current.EntityID,
	}

	var errs []error
	for _, id := range entities {
		if id == "" {
			continue
		}
		entity, err := c.GetState(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.applyState(entity)
	}

	if len(errs) > 0 {
		return fmt.Errorf("encountered %d error(s) while fetching states", len(errs))
	}

	return nil
}

// applyState routes an entity state into the tracked snapshot.
func (c *Client) applyState(entity *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch entity.EntityID {
	case c.sensors.Temperature.EntityID:
		applyNumeric(&c.sensors.Temperature, entity)
	case c.sensors.Switch.EntityID:
		c.sensors.Switch.On = entity.State == "on"
		c.sensors.Switch.Available = entity.State != stateUnavailable && entity.State != stateUnknown
	case c.sensors.Mode.EntityID:
		c.sensors.Mode.Value = entity.State
		c.sensors.Mode.Available = entity.State != stateUnavailable && entity.State != stateUnknown
	case c.sensors.BatterySoC.EntityID:
		applyNumeric(&c.sensors.BatterySoC, entity)
	case c.sensors.Sun.EntityID:
		// The sun entity state is above/below_horizon; the number we want is
		// the elevation attribute.
		applyAttribute(&c.sensors.Sun, entity, "elevation")
	case c.sensors.Power.EntityID:
		applyNumeric(&c.sensors.Power, entity)
	case c.sensors.Voltage.EntityID:
		applyNumeric(&c.sensors.Voltage, entity)
	case c.sensors.Current.EntityID:
		applyNumeric(&c.sensors.Current, entity)
	default:
		return
	}

	c.notify()
}

func applyNumeric(s *Sensor, entity *Entity) {
	if entity.State == stateUnavailable || entity.State == stateUnknown {
		s.Available = false
		return
	}
	value, err := strconv.ParseFloat(entity.State, 64)
	if err != nil {
		// Malformed state counts as unavailable.
		s.Available = false
		return
	}
	s.Value = value
	s.Available = true
}

func applyAttribute(s *Sensor, entity *Entity, name string) {
	if entity.State == stateUnavailable || entity.State == stateUnknown {
		s.Available = false
		return
	}
	raw, ok := entity.Attributes[name]
	if !ok {
		s.Available = false
		return
	}
	value, ok := raw.(float64)
	if !ok {
		s.Available = false
		return
	}
	s.Value = value
	s.Available = true
}

func (c *Client) newRequest(method, address string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, address, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if c.token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	return req, nil
}

// GetState fetches a single entity state with attributes.
func (c *Client) GetState(entity string) (*Entity, error) {
	address := fmt.Sprintf("%s/api/states/%s", c.httpAddress, entity)

	req, err := c.newRequest("GET", address, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get data from Home Assistant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for entity %s", resp.StatusCode, entity)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	var data Entity
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("could not parse received data: %w", err)
	}

	return &data, nil
}

// GetSingleValue fetches a numeric entity state.
func (c *Client) GetSingleValue(entity string) (float64, error) {
	data, err := c.GetState(entity)
	if err != nil {
		return -1, err
	}

	value, err := strconv.ParseFloat(data.State, 64)
	if err != nil {
		return -1, fmt.Errorf("could not convert value to float64: %w", err)
	}

	return value, nil
}

// CallService invokes a Home Assistant service against a single entity.
func (c *Client) CallService(domain, service, entity string) error {
	address := fmt.Sprintf("%s/api/services/%s/%s", c.httpAddress, domain, service)

	payload, _ := json.Marshal(struct {
		EntityID string `json:"entity_id"`
	}{
		EntityID: entity,
	})

	req, err := c.newRequest("POST", address, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not call service %s.%s: %w", domain, service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service %s.%s returned status %d", domain, service, resp.StatusCode)
	}

	return nil
}

// SetValue writes a number entity through the number.set_value service.
func (c *Client) SetValue(entity string, value float64) error {
	address := fmt.Sprintf("%s/api/services/number/set_value", c.httpAddress)

	payload, _ := json.Marshal(struct {
		EntityID string  `json:"entity_id"`
		Value    float64 `json:"value"`
	}{
		EntityID: entity,
		Value:    value,
	})

	req, err := c.newRequest("POST", address, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not set value for %s: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("setting %s returned status %d", entity, resp.StatusCode)
	}

	return nil
}
