package websocket

import (
	"time"

	"github.com/raaihank/salesdash/internal/etl"
)

// MessageType represents the type of a message sent to the client
type MessageType string

const (
	// MessageProgress carries one pipeline event
	MessageProgress MessageType = "progress"
	// MessagePong answers a client ping
	MessagePong MessageType = "pong"
)

// Message is one JSON frame written to the client
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Text      string      `json:"text,omitempty"`
	Event     *etl.Event  `json:"event,omitempty"`
}

func progressMessage(e etl.Event) Message {
	return Message{
		Type:      MessageProgress,
		Timestamp: e.Timestamp,
		Text:      e.Text(),
		Event:     &e,
	}
}

// ClientMessage represents messages sent from the client. Only "ping" is
// understood; anything else is ignored.
type ClientMessage struct {
	Type string `json:"type"`
}
