package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker string) (*RealPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("waterheater").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{client: client}, nil
}

// PublishStatus sends the status to the broker, retained.
func (p *RealPublisher) PublishStatus(msg StatusMessage) error {
	payload, err := FormatStatusPayload(msg)
	if err != nil {
		return fmt.Errorf("format status payload: %w", err)
	}

	token := p.client.Publish(TopicStatus, 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}

	return nil
}

// PublishCommand sends a switch command event to the broker.
func (p *RealPublisher) PublishCommand(msg CommandMessage) error {
	payload, err := FormatCommandPayload(msg)
	if err != nil {
		return fmt.Errorf("format command payload: %w", err)
	}

	// QoS 1 so command events are not silently dropped
	token := p.client.Publish(TopicCommand, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}

	return nil
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
