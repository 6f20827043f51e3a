// Package engine is the duplex core: it owns every live connection, runs one
// receive loop per link, and fans inbound messages out to registered action
// callbacks. Outbound traffic flows through Send and Broadcast only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipsync/pkg/protocol"
	"clipsync/pkg/transport"
)

// ActionConnectionEstablished is the handshake notification pushed to every
// connection as soon as it is accepted, before any client frame is read.
const ActionConnectionEstablished = "connection_established"

// Callback handles one inbound message on one connection. Callbacks for the
// same action run concurrently; a callback must not block on engine methods
// for its own connection's receive loop.
type Callback func(ctx context.Context, connID string, msg *protocol.Message) error

type callbackEntry struct {
	id int
	fn Callback
}

// Engine multiplexes connections from any number of listeners. The zero value
// is not usable; construct with New.
type Engine struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[string]transport.Conn

	cbMu      sync.RWMutex
	cbNext    int
	callbacks map[string][]callbackEntry

	// OnDisconnect fires after a connection's receive loop ends and the
	// connection is removed. OnHeartbeat fires for every heartbeat frame,
	// which never reaches callbacks.
	OnDisconnect func(connID string)
	OnHeartbeat  func(connID string, msg *protocol.Message)

	wg sync.WaitGroup
}

func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.L()
	}
	return &Engine{
		log:       log,
		conns:     make(map[string]transport.Conn),
		callbacks: make(map[string][]callbackEntry),
	}
}

// RegisterCallback adds a handler for action and returns a token for
// UnregisterCallback. Multiple handlers per action are allowed.
func (e *Engine) RegisterCallback(action string, cb Callback) int {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbNext++
	e.callbacks[action] = append(e.callbacks[action], callbackEntry{id: e.cbNext, fn: cb})
	return e.cbNext
}

// UnregisterCallback removes the handler registered under token for action.
func (e *Engine) UnregisterCallback(action string, token int) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	entries := e.callbacks[action]
	for i, ent := range entries {
		if ent.id == token {
			e.callbacks[action] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(e.callbacks[action]) == 0 {
		delete(e.callbacks, action)
	}
}

// Serve accepts connections from l until ctx is done or the listener fails.
// It blocks; run one Serve goroutine per listener.
func (e *Engine) Serve(ctx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		connID := uuid.NewString()
		e.mu.Lock()
		e.conns[connID] = conn
		e.mu.Unlock()
		e.log.Info("connection accepted",
			zap.String("conn_id", connID),
			zap.Stringer("transport", conn.Kind()),
			zap.Stringer("remote", conn.RemoteAddr()))

		hello := protocol.NewNotification(ActionConnectionEstablished,
			map[string]any{"connection_id": connID})
		if err := e.Send(hello, connID); err != nil {
			continue
		}
		e.wg.Add(1)
		go e.recvLoop(ctx, connID, conn)
	}
}

func (e *Engine) recvLoop(ctx context.Context, connID string, conn transport.Conn) {
	defer e.wg.Done()
	defer e.drop(connID, conn)
	for {
		frame, err := conn.Recv()
		if err != nil {
			if ctx.Err() == nil {
				e.log.Info("connection closed",
					zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			// Malformed frames get an error reply but keep the link alive.
			e.log.Warn("malformed frame",
				zap.String("conn_id", connID), zap.Error(err))
			reply := protocol.New(protocol.KindError, "error",
				map[string]any{"message": err.Error()})
			_ = e.Send(reply, connID)
			continue
		}
		if msg.Kind == protocol.KindHeartbeat {
			// Heartbeats bypass the callback path entirely.
			_ = e.Send(msg.Response(map[string]any{"status": "alive"}), connID)
			if e.OnHeartbeat != nil {
				e.OnHeartbeat(connID, msg)
			}
			continue
		}
		e.dispatch(ctx, connID, msg)
	}
}

// dispatch runs every callback registered for the message's action
// concurrently. Panics are confined to the offending callback; errors are
// collected and logged together.
func (e *Engine) dispatch(ctx context.Context, connID string, msg *protocol.Message) {
	e.cbMu.RLock()
	entries := append([]callbackEntry(nil), e.callbacks[msg.Action]...)
	e.cbMu.RUnlock()
	if len(entries) == 0 {
		e.log.Debug("no callback for action",
			zap.String("action", msg.Action), zap.String("conn_id", connID))
		return
	}
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, ent := range entries {
		wg.Add(1)
		go func(cb Callback) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("callback panic: %v", r))
					errMu.Unlock()
				}
			}()
			if err := cb(ctx, connID, msg); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(ent.fn)
	}
	wg.Wait()
	if len(errs) > 0 {
		e.log.Error("callback errors",
			zap.String("action", msg.Action),
			zap.String("msg_id", msg.ID),
			zap.Error(errors.Join(errs...)))
	}
}

// Send delivers msg to one connection. A failed write drops the connection;
// delivery is best effort and the caller should not retry.
func (e *Engine) Send(msg *protocol.Message, connID string) error {
	e.mu.RLock()
	conn := e.conns[connID]
	e.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("send %s: unknown connection %s", msg, connID)
	}
	frame, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}
	if err := conn.Send(frame); err != nil {
		e.log.Warn("send failed, dropping connection",
			zap.String("conn_id", connID), zap.Error(err))
		e.drop(connID, conn)
		return fmt.Errorf("send %s: %w", msg, err)
	}
	return nil
}

// Broadcast delivers msg to every connection not in exclude. Partial failure
// is tolerated; the count of successful deliveries is returned.
func (e *Engine) Broadcast(msg *protocol.Message, exclude map[string]struct{}) int {
	e.mu.RLock()
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		if _, skip := exclude[id]; !skip {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	sent := 0
	for _, id := range ids {
		if err := e.Send(msg, id); err == nil {
			sent++
		}
	}
	return sent
}

// CloseConn closes one connection explicitly. The receive loop notices the
// close and runs the normal disconnect path.
func (e *Engine) CloseConn(connID string) {
	e.mu.RLock()
	conn := e.conns[connID]
	e.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// ConnCount reports the number of live connections.
func (e *Engine) ConnCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Shutdown closes all connections and waits for receive loops to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, conn := range e.conns {
		_ = conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) drop(connID string, conn transport.Conn) {
	e.mu.Lock()
	cur, ok := e.conns[connID]
	if ok && cur == conn {
		delete(e.conns, connID)
	}
	e.mu.Unlock()
	if !ok || cur != conn {
		return
	}
	_ = conn.Close()
	if e.OnDisconnect != nil {
		e.OnDisconnect(connID)
	}
}
