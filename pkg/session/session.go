// Package session manages user sessions: lifecycle state, the connections
// attached to each session, and per-session queues of pending messages that
// survive a disconnect and are redelivered on reconnect.
package session

import (
	"time"

	"clipsync/pkg/protocol"
)

// Status is the session lifecycle state. Transitions:
// ACTIVE <-> IDLE (activity timer), any -> DISCONNECTED (last connection
// gone), DISCONNECTED/IDLE -> EXPIRED (reaper), any -> CLOSED (explicit or
// eviction). EXPIRED and CLOSED are terminal.
type Status string

const (
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
	StatusClosed       Status = "closed"
)

// terminal reports whether no further transitions are allowed.
func (s Status) terminal() bool { return s == StatusExpired || s == StatusClosed }

// Session is one user's collaboration session. All fields are guarded by the
// owning Manager's lock; callers outside this package only see copies via
// Manager methods.
type Session struct {
	ID         string
	UserID     string
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
	Metadata   map[string]any

	conns    map[string]struct{}
	queue    *msgQueue
	sent     uint64
	received uint64
}

func newSession(id, userID string, metadata map[string]any) *Session {
	now := time.Now()
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Session{
		ID:         id,
		UserID:     userID,
		Status:     StatusActive,
		CreatedAt:  now,
		LastActive: now,
		Metadata:   metadata,
		conns:      make(map[string]struct{}),
		queue:      newMsgQueue(),
	}
}

func (s *Session) touch() {
	s.LastActive = time.Now()
	if s.Status == StatusIdle {
		s.Status = StatusActive
	}
}

// Info is a read-only snapshot of a session for stats and logging.
type Info struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	LastActive  time.Time      `json:"last_active"`
	Connections int            `json:"connections"`
	Pending     int            `json:"pending"`
	Sent        uint64         `json:"sent"`
	Received    uint64         `json:"received"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Session) info() Info {
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return Info{
		ID:          s.ID,
		UserID:      s.UserID,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.LastActive,
		Connections: len(s.conns),
		Pending:     s.queue.Len(),
		Sent:        s.sent,
		Received:    s.received,
		Metadata:    meta,
	}
}

// enqueue stores a message for later delivery.
func (s *Session) enqueue(msg *protocol.Message, priority int) {
	s.queue.Push(msg, priority)
}
