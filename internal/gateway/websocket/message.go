// Package websocket provides the gateway's WebSocket hub and client
// connections. Clients subscribe to sessions and receive the daemon's
// bus events as they happen; chat itself stays on the HTTP API.
package websocket

import "encoding/json"

// WSMessage is the wire format in both directions.
type WSMessage struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// BroadcastMessage wraps an encoded message with its target session.
// An empty session addresses every connected client.
type BroadcastMessage struct {
	Session string
	Data    []byte
}

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeEvent       = "event"
	TypeError       = "error"
)
