package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"clipsync/pkg/protocol"
)

// Directory resolves which user a connection is acting as. The session
// manager satisfies this.
type Directory interface {
	SessionForConn(connID string) (string, bool)
	UserOf(sessionID string) (user string, perms []string, ok bool)
}

// Sender delivers reply messages; the duplex engine satisfies this.
type Sender interface {
	Send(msg *protocol.Message, connID string) error
}

// Router dispatches commands to registered handlers by action name.
type Router struct {
	log      *zap.Logger
	dir      Directory
	sender   Sender
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter(dir Directory, sender Sender, log *zap.Logger) *Router {
	if log == nil {
		log = zap.L()
	}
	return &Router{
		log:      log,
		dir:      dir,
		sender:   sender,
		handlers: make(map[string]Handler),
	}
}

// Register installs h for its action, replacing any previous handler.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Actions lists every registered action in sorted order.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AvailableCommands lists the actions the given caller is permitted to run.
func (r *Router) AvailableCommands(userID string, perms []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name, h := range r.handlers {
		candidate := Command{Action: name, UserID: userID, Permissions: perms}
		if h.CheckPermissions(candidate) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the pipeline for cmd. A permission failure short-circuits
// before validation; handler panics are converted to error results.
func (r *Router) Dispatch(ctx context.Context, cmd Command) (res Result) {
	r.mu.RLock()
	h := r.handlers[cmd.Action]
	r.mu.RUnlock()
	if h == nil {
		return Errorf("unknown command %q", cmd.Action)
	}
	if !h.CheckPermissions(cmd) {
		r.log.Warn("command unauthorized",
			zap.String("action", cmd.Action),
			zap.String("user_id", cmd.UserID),
			zap.String("session_id", cmd.SessionID))
		return Unauthorized(fmt.Sprintf("not permitted to run %q", cmd.Action))
	}
	if err := h.Validate(cmd); err != nil {
		return Errorf("%v", err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				zap.String("action", cmd.Action), zap.Any("panic", rec))
			res = Errorf("internal error processing %q", cmd.Action)
		}
	}()
	return h.Process(ctx, cmd)
}

// HandleMessage is the engine callback for command actions. Only requests are
// dispatched; every request gets exactly one correlated reply.
func (r *Router) HandleMessage(ctx context.Context, connID string, msg *protocol.Message) error {
	if msg.Kind != protocol.KindRequest {
		return nil
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		if id, ok := r.dir.SessionForConn(connID); ok {
			sessionID = id
		}
	}
	userID, perms, ok := r.dir.UserOf(sessionID)
	if !ok {
		return r.sender.Send(msg.Error("no session; send initialize_session first"), connID)
	}
	cmd := FromMessage(msg, userID, perms)
	cmd.SessionID = sessionID
	res := r.Dispatch(ctx, cmd)
	return r.sender.Send(msg.Response(res.ToPayload()), connID)
}
