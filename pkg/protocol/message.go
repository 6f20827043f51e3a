// Package protocol defines the wire-level message envelope shared by every
// component: one Message type, a small set of kinds, and helpers to encode
// and decode the JSON wire shape exchanged with clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags a Message with its role in a request/response exchange.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindHeartbeat    Kind = "heartbeat"
	KindError        Kind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindHeartbeat, KindError:
		return true
	}
	return false
}

// Message is the only unit that crosses a connection. Timestamp is unix
// milliseconds; within a collaboration channel it doubles as the logical
// clock the conflict resolver orders operations by.
type Message struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"type"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// New builds a message with a generated id and current timestamp.
func New(kind Kind, action string, data map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Action:    action,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewNotification is shorthand for New(KindNotification, ...).
func NewNotification(action string, data map[string]any) *Message {
	return New(KindNotification, action, data)
}

// Response builds the reply correlated to m: id "resp-<id>", action
// "<action>_response", addressed to the same session.
func (m *Message) Response(data map[string]any) *Message {
	return &Message{
		ID:        "resp-" + m.ID,
		Kind:      KindResponse,
		Action:    m.Action + "_response",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SessionID: m.SessionID,
	}
}

// Error builds an error reply correlated to m.
func (m *Message) Error(text string) *Message {
	return &Message{
		ID:        "resp-" + m.ID,
		Kind:      KindError,
		Action:    "error",
		Data:      map[string]any{"message": text},
		Timestamp: time.Now().UnixMilli(),
		SessionID: m.SessionID,
	}
}

// Encode renders m as the JSON wire shape.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire frame and validates the envelope fields. Data and
// session_id may be absent (unauthenticated handshake frames carry neither).
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("decode message: unknown type %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return &m, nil
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s/%s id=%s", m.Kind, m.Action, m.ID)
}
