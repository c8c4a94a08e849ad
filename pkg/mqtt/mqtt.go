// Package mqtt publishes controller status and switch commands to the home
// automation MQTT bus, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// TopicStatus carries the retained controller status.
const TopicStatus = "waterheater/status"

// TopicCommand carries switch commands as they are issued.
const TopicCommand = "waterheater/heater/command"

// Publisher publishes controller events to MQTT.
type Publisher interface {
	// PublishStatus sends the current status. Retained so late subscribers
	// see the last known state.
	PublishStatus(msg StatusMessage) error

	// PublishCommand sends a switch command event.
	PublishCommand(msg CommandMessage) error

	// Close disconnects from the broker.
	Close() error
}

// StatusMessage is the published controller status.
type StatusMessage struct {
	Timestamp   time.Time
	Status      string
	Mode        string
	Temperature float64
	Target      *float64
}

// CommandMessage is a switch command event.
type CommandMessage struct {
	Timestamp time.Time
	Command   string
	Reason    string
}

type statusPayload struct {
	Timestamp   string   `json:"timestamp"`
	Status      string   `json:"status"`
	Mode        string   `json:"mode"`
	Temperature float64  `json:"temperature"`
	Target      *float64 `json:"target,omitempty"`
}

type commandPayload struct {
	Timestamp string `json:"timestamp"`
	Command   string `json:"command"`
	Reason    string `json:"reason,omitempty"`
}

// FormatStatusPayload creates the JSON payload for a status message.
func FormatStatusPayload(msg StatusMessage) ([]byte, error) {
	return json.Marshal(statusPayload{
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
		Status:      msg.Status,
		Mode:        msg.Mode,
		Temperature: msg.Temperature,
		Target:      msg.Target,
	})
}

// FormatCommandPayload creates the JSON payload for a command message.
func FormatCommandPayload(msg CommandMessage) ([]byte, error) {
	return json.Marshal(commandPayload{
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		Command:   msg.Command,
		Reason:    msg.Reason,
	})
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishStatus(StatusMessage) error   { return nil }
func (NoopPublisher) PublishCommand(CommandMessage) error { return nil }
func (NoopPublisher) Close() error                        { return nil }
