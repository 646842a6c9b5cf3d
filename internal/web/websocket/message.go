package websocket

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged with stream clients
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeError       = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// subscription is the payload of subscribe and unsubscribe messages
type subscription struct {
	EntityType string `json:"entityType"`
}

// marshalMessage builds the wire form of a message with the given payload
func marshalMessage(messageType string, payload interface{}) ([]byte, error) {
	msg := Message{Type: messageType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}
