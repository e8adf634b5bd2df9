package sse

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const clientBuffer = 100

// Client represents an active SSE connection.
type Client struct {
	ClientID    string
	Topics      []string
	ConnectedAt time.Time
	MessageChan chan *Message
}

// NewClient creates a client. Topics are event type prefixes such as
// "task:" or "agent:"; none means every event.
func NewClient(clientID string, topics []string) *Client {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Client{
		ClientID:    clientID,
		Topics:      topics,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, clientBuffer),
	}
}

// Wants reports whether the client subscribed to an event.
func (c *Client) Wants(event string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	for _, t := range c.Topics {
		if strings.HasPrefix(event, t) {
			return true
		}
	}
	return false
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.MessageChan)
}

// Message is one SSE frame.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
