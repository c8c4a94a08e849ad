package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsMessage covers the subset of the Home Assistant websocket protocol the
// client needs: the auth handshake, subscription results and events.
type wsMessage struct {
	ID      int     `json:"id,omitempty"`
	Type    string  `json:"type"`
	Success *bool   `json:"success,omitempty"`
	Event   wsEvent `json:"event"`
}

type wsEvent struct {
	EventType string      `json:"event_type"`
	Data      wsEventData `json:"data"`
}

type wsEventData struct {
	EntityID string  `json:"entity_id"`
	NewState *Entity `json:"new_state"`
}

const subscriptionID = 1

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = time.Minute
)

// HandleWebsocketConnection connects to the Home Assistant websocket API,
// authenticates, subscribes to state_changed events and feeds matching
// updates into the tracked snapshot. A dropped connection is retried with
// exponential backoff; tracked entities stay marked unavailable through the
// REST warm-up until the stream resumes. Never returns.
func (c *Client) HandleWebsocketConnection() {
	delay := initialReconnectDelay
	for {
		log.Printf("Connecting to Home Assistant at %s", c.wsAddress)

		if err := c.establishWebsocketConnection(); err != nil {
			log.Printf("Connecting to Home Assistant failed: %v", err)
		} else {
			delay = initialReconnectDelay
			c.processWebsocketMessages()
			c.wsConn.Close()
		}

		log.Printf("Reconnecting to Home Assistant in %s", delay)
		time.Sleep(delay)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) establishWebsocketConnection() error {
	conn, _, _, err := ws.DefaultDialer.Dial(context.TODO(), c.wsAddress)
	if err != nil {
		return err
	}

	c.wsConn = conn

	return nil
}

func (c *Client) sendWebsocketMessage(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode websocket message: %w", err)
	}
	if err := wsutil.WriteClientMessage(c.wsConn, ws.OpText, payload); err != nil {
		return fmt.Errorf("could not send websocket message: %w", err)
	}
	return nil
}

func (c *Client) sendAuthMessage() error {
	msg := struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}{
		Type:        "auth",
		AccessToken: c.token,
	}
	return c.sendWebsocketMessage(msg)
}

func (c *Client) sendSubscribeMessage() error {
	msg := struct {
		ID        int    `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}{
		ID:        subscriptionID,
		Type:      "subscribe_events",
		EventType: "state_changed",
	}
	return c.sendWebsocketMessage(msg)
}

// processWebsocketMessages reads the stream until the connection drops, then
// returns so the caller can reconnect. Only a rejected token or subscription
// is fatal; those do not heal on retry.
func (c *Client) processWebsocketMessages() {
	for {
		payload, err := wsutil.ReadServerText(c.wsConn)
		if err != nil {
			log.Printf("Lost connection to Home Assistant: %v", err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("Could not parse received data: %#v", err)
			continue
		}

		switch msg.Type {
		case "auth_required":
			if err := c.sendAuthMessage(); err != nil {
				log.Printf("Authenticating with Home Assistant failed: %v", err)
				return
			}
		case "auth_ok":
			if err := c.sendSubscribeMessage(); err != nil {
				log.Printf("Subscribing to state changes failed: %v", err)
				return
			}
		case "auth_invalid":
			log.Fatalf("Home Assistant rejected the access token")
		case "result":
			if msg.Success != nil && !*msg.Success {
				log.Fatalf("Home Assistant rejected the event subscription")
			}
		case "event":
			c.handleEvent(msg)
		}
	}
}

func (c *Client) handleEvent(msg wsMessage) {
	if msg.Event.EventType != "state_changed" {
		return
	}
	state := msg.Event.Data.NewState
	if state == nil {
		// Entity removed from the registry. Mark it unavailable through the
		// regular path.
		state = &Entity{EntityID: msg.Event.Data.EntityID, State: stateUnavailable}
	}
	c.applyState(state)
}
