// Package websocket implements the primary browser-facing transport on
// gorilla/websocket. Each upgraded connection carries JSON message frames,
// one frame per websocket text message.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clipsync/pkg/transport"
)

// Path is the HTTP endpoint clients upgrade on.
const Path = "/ws"

var upgrader = gws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the editor's own origin or from file://
	// shells in the desktop build; origin policy is enforced upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{
		nl:      nl,
		newCh:   make(chan *conn, 16),
		closeCh: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go func() {
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("websocket server stopped", zap.Error(err))
		}
	}()
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	d := gws.Dialer{HandshakeTimeout: 10 * time.Second}
	wc, _, err := d.DialContext(ctx, "ws://"+address+Path, nil)
	if err != nil {
		return nil, err
	}
	return &conn{c: wc}, nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	select {
	case l.newCh <- &conn{c: wc}:
	case <-l.closeCh:
		_ = wc.Close()
	default:
		// Accept backlog full; shed the connection rather than block the
		// HTTP handler.
		zap.L().Warn("websocket accept backlog full", zap.String("remote", r.RemoteAddr))
		_ = wc.Close()
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("websocket listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

type conn struct {
	mu sync.Mutex
	c  *gws.Conn
}

func (c *conn) Kind() transport.Kind { return transport.KindWebSocket }
func (c *conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }
func (c *conn) Close() error         { return c.c.Close() }

func (c *conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.WriteMessage(gws.TextMessage, b)
}

func (c *conn) Recv() ([]byte, error) {
	for {
		mt, b, err := c.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == gws.TextMessage || mt == gws.BinaryMessage {
			return b, nil
		}
		// Control frames are handled by gorilla internally; skip anything else.
	}
}
