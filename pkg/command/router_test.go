package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clipsync/pkg/protocol"
)

type stubHandler struct {
	name      string
	allowed   bool
	validated int
	processed int
	result    Result
	panicMsg  string
}

func (s *stubHandler) Name() string                  { return s.name }
func (s *stubHandler) CheckPermissions(Command) bool { return s.allowed }

func (s *stubHandler) Validate(cmd Command) error {
	s.validated++
	if cmd.Raw["bad"] == true {
		return errors.New("bad payload")
	}
	return nil
}

func (s *stubHandler) Process(context.Context, Command) Result {
	s.processed++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result
}

type stubDir struct {
	session string
	user    string
	perms   []string
}

func (d *stubDir) SessionForConn(string) (string, bool) {
	return d.session, d.session != ""
}

func (d *stubDir) UserOf(sessionID string) (string, []string, bool) {
	if sessionID != d.session || d.user == "" {
		return "", nil, false
	}
	return d.user, d.perms, true
}

type stubSender struct{ sent []*protocol.Message }

func (s *stubSender) Send(msg *protocol.Message, _ string) error {
	s.sent = append(s.sent, msg)
	return nil
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRouter(&stubDir{}, &stubSender{}, zap.NewNop())
	res := r.Dispatch(context.Background(), Command{Action: "nope"})
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Err, "unknown command")
}

func TestDispatchUnauthorizedShortCircuits(t *testing.T) {
	r := NewRouter(&stubDir{}, &stubSender{}, zap.NewNop())
	h := &stubHandler{name: "edit", allowed: false}
	r.Register(h)

	res := r.Dispatch(context.Background(), Command{Action: "edit", UserID: "u1"})
	require.Equal(t, StatusUnauthorized, res.Status)
	require.Zero(t, h.validated, "Validate must not run for unauthorized commands")
	require.Zero(t, h.processed)
}

func TestDispatchValidationFailure(t *testing.T) {
	r := NewRouter(&stubDir{}, &stubSender{}, zap.NewNop())
	h := &stubHandler{name: "edit", allowed: true}
	r.Register(h)

	res := r.Dispatch(context.Background(), Command{
		Action: "edit",
		Raw:    map[string]any{"bad": true},
	})
	require.Equal(t, StatusError, res.Status)
	require.Zero(t, h.processed)
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRouter(&stubDir{}, &stubSender{}, zap.NewNop())
	r.Register(&stubHandler{name: "edit", allowed: true, panicMsg: "boom"})

	res := r.Dispatch(context.Background(), Command{Action: "edit"})
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Err, "internal error")
}

func TestHandleMessageRepliesToRequest(t *testing.T) {
	dir := &stubDir{session: "s1", user: "u1", perms: []string{PermEdit}}
	sender := &stubSender{}
	r := NewRouter(dir, sender, zap.NewNop())
	r.Register(&stubHandler{name: "edit", allowed: true,
		result: Success(map[string]any{"ok": true})})

	req := protocol.New(protocol.KindRequest, "edit", map[string]any{"target": "t"})
	req.SessionID = "s1"
	require.NoError(t, r.HandleMessage(context.Background(), "conn-1", req))
	require.Len(t, sender.sent, 1)
	reply := sender.sent[0]
	require.Equal(t, "resp-"+req.ID, reply.ID)
	require.Equal(t, "edit_response", reply.Action)
	require.Equal(t, "success", reply.Data["status"])
}

func TestHandleMessageWithoutSession(t *testing.T) {
	sender := &stubSender{}
	r := NewRouter(&stubDir{}, sender, zap.NewNop())

	req := protocol.New(protocol.KindRequest, "edit", nil)
	require.NoError(t, r.HandleMessage(context.Background(), "conn-1", req))
	require.Len(t, sender.sent, 1)
	require.Equal(t, protocol.KindError, sender.sent[0].Kind)
}

func TestHandleMessageIgnoresNonRequests(t *testing.T) {
	sender := &stubSender{}
	r := NewRouter(&stubDir{}, sender, zap.NewNop())

	note := protocol.NewNotification("edit", nil)
	require.NoError(t, r.HandleMessage(context.Background(), "conn-1", note))
	require.Empty(t, sender.sent)
}

func TestUndoRedoCursor(t *testing.T) {
	h := NewHistory(10)
	h.Record("u1", "timeline", Entry{Action: "insert", At: 1})
	h.Record("u1", "timeline", Entry{Action: "move", At: 2})

	e, ok := h.Undo("u1", "timeline")
	require.True(t, ok)
	require.Equal(t, "move", e.Action)

	e, ok = h.Redo("u1", "timeline")
	require.True(t, ok)
	require.Equal(t, "move", e.Action)

	// Undo, then a fresh edit truncates the redo tail.
	_, _ = h.Undo("u1", "timeline")
	h.Record("u1", "timeline", Entry{Action: "split", At: 3})
	_, ok = h.Redo("u1", "timeline")
	require.False(t, ok, "redo tail must be gone after a new edit")

	e, ok = h.Undo("u1", "timeline")
	require.True(t, ok)
	require.Equal(t, "split", e.Action)
}

func TestUndoBoundedDepth(t *testing.T) {
	h := NewHistory(2)
	for i, a := range []string{"a", "b", "c"} {
		h.Record("u1", "x", Entry{Action: a, At: int64(i)})
	}
	require.Equal(t, 2, h.Depth("u1", "x"))
	e, _ := h.Undo("u1", "x")
	require.Equal(t, "c", e.Action)
	e, _ = h.Undo("u1", "x")
	require.Equal(t, "b", e.Action)
	_, ok := h.Undo("u1", "x")
	require.False(t, ok)
}

type captureNotifier struct {
	notes map[string][]*protocol.Message
}

func (c *captureNotifier) BroadcastToUser(user string, msg *protocol.Message, _ int) int {
	if c.notes == nil {
		c.notes = make(map[string][]*protocol.Message)
	}
	c.notes[user] = append(c.notes[user], msg)
	return 1
}

func TestCollabShareNotifiesTargets(t *testing.T) {
	notify := &captureNotifier{}
	h := NewCollabHandler(notify, nil, zap.NewNop())
	cmd := Command{
		Action:      "collab",
		UserID:      "owner",
		Permissions: []string{PermShare},
		Raw: map[string]any{
			"verb":         "share",
			"resource":     "project-7",
			"target_users": []any{"alice", "bob", "owner"},
		},
	}
	require.True(t, h.CheckPermissions(cmd))
	require.NoError(t, h.Validate(cmd))

	res := h.Process(context.Background(), cmd)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 2, res.Data["notified"], "sender must not be notified")
	for _, user := range []string{"alice", "bob"} {
		msgs := notify.notes[user]
		require.Len(t, msgs, 1)
		require.Equal(t, ActionResourceShared, msgs[0].Action)
		require.Equal(t, "project-7", msgs[0].Data["resource"])
		require.Equal(t, "owner", msgs[0].Data["from"])
	}
	require.Empty(t, notify.notes["owner"])
}

type captureSubs struct {
	joined map[string][]string
	left   map[string][]string
}

func (c *captureSubs) Subscribe(_ context.Context, channel, sessionID string) error {
	if c.joined == nil {
		c.joined = make(map[string][]string)
	}
	c.joined[channel] = append(c.joined[channel], sessionID)
	return nil
}

func (c *captureSubs) Unsubscribe(channel, sessionID string) {
	if c.left == nil {
		c.left = make(map[string][]string)
	}
	c.left[channel] = append(c.left[channel], sessionID)
}

func TestCollabJoinLeaveChannel(t *testing.T) {
	subs := &captureSubs{}
	h := NewCollabHandler(&captureNotifier{}, subs, zap.NewNop())
	cmd := Command{
		Action:      "collab",
		UserID:      "u1",
		SessionID:   "sess-1",
		Permissions: []string{PermShare},
		Raw:         map[string]any{"verb": "join", "resource": "timeline-9"},
	}
	require.NoError(t, h.Validate(cmd))
	res := h.Process(context.Background(), cmd)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"sess-1"}, subs.joined["timeline-9"])

	cmd.Raw["verb"] = "leave"
	res = h.Process(context.Background(), cmd)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"sess-1"}, subs.left["timeline-9"])
}

func TestUndoClear(t *testing.T) {
	h := NewHistory(10)
	h.Record("u1", "x", Entry{Action: "insert", At: 1})
	handler := NewUndoHandler(h)
	cmd := Command{
		Action:      "undo",
		UserID:      "u1",
		Permissions: []string{PermEdit},
		Raw:         map[string]any{"context": "x", "clear": true},
	}
	require.NoError(t, handler.Validate(cmd))
	res := handler.Process(context.Background(), cmd)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 0, h.Depth("u1", "x"))
	_, ok := h.Undo("u1", "x")
	require.False(t, ok)
}
