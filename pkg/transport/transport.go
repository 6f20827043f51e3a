// Package transport abstracts the bidirectional links the duplex engine
// speaks over. Each implementation delivers whole frames in order on a
// single logical stream per connection.
package transport

import (
	"context"
	"net"
)

// Kind identifies the link type for logging and session metadata.
type Kind int

const (
	KindUnknown Kind = iota
	KindWebSocket
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "websocket", "ws":
		return KindWebSocket
	case "tcp":
		return KindTCP
	case "quic":
		return KindQUIC
	case "mem":
		return KindMem
	default:
		return KindUnknown
	}
}

// Conn is one physical link. Exactly one reader goroutine and any number of
// serialized writers are expected; Send is safe for concurrent use, Recv is
// not. Close unblocks a pending Recv.
type Conn interface {
	// Send writes one message frame as opaque bytes.
	Send([]byte) error
	// Recv blocks for the next inbound frame.
	Recv() ([]byte, error)
	Kind() Kind
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing and listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound connections on address
	// (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound connection.
	Dial(ctx context.Context, address string) (Conn, error)
}
