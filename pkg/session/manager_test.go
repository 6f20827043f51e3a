package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"clipsync/pkg/protocol"
)

type captureSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail map[string]bool
}

type sentMsg struct {
	msg    *protocol.Message
	connID string
}

func (c *captureSender) Send(msg *protocol.Message, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[connID] {
		return errors.New("dead connection")
	}
	c.sent = append(c.sent, sentMsg{msg: msg, connID: connID})
	return nil
}

func (c *captureSender) take() []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newMsgQueue()
	for _, p := range []int{5, 1, 3} {
		q.Push(protocol.NewNotification("n", map[string]any{"p": p}), p)
	}
	var got []int
	for msg := q.Pop(); msg != nil; msg = q.Pop() {
		got = append(got, msg.Data["p"].(int))
	}
	want := []int{1, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", got, want)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newMsgQueue()
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		m := protocol.NewNotification("n", nil)
		m.ID = id
		q.Push(m, 2)
	}
	for _, want := range ids {
		if got := q.Pop().ID; got != want {
			t.Fatalf("Pop id = %q, want %q", got, want)
		}
	}
}

func TestReconnectRedeliversPending(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{}, sender, zap.NewNop())

	info := m.Create("user-1", nil)
	if err := m.AddConnection(info.ID, "conn-1"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if _, ok := m.RemoveConnection("conn-1"); !ok {
		t.Fatal("RemoveConnection: connection not found")
	}
	got, _ := m.Get(info.ID)
	if got.Status != StatusDisconnected {
		t.Fatalf("status after disconnect = %q, want %q", got.Status, StatusDisconnected)
	}

	// Queued while offline, in mixed priority order.
	for _, p := range []int{4, 0, 2} {
		msg := protocol.NewNotification("pending", map[string]any{"p": p})
		if err := m.Enqueue(info.ID, msg, p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if n := m.ProcessPending(info.ID); n != 0 {
		t.Fatalf("ProcessPending without connection = %d, want 0", n)
	}

	if err := m.AddConnection(info.ID, "conn-2"); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	got, _ = m.Get(info.ID)
	if got.Status != StatusActive {
		t.Fatalf("status after reattach = %q, want %q", got.Status, StatusActive)
	}
	if n := m.ProcessPending(info.ID); n != 3 {
		t.Fatalf("ProcessPending = %d, want 3", n)
	}
	sent := sender.take()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	want := []int{0, 2, 4}
	for i, s := range sent {
		if s.connID != "conn-2" {
			t.Fatalf("delivered to %q, want conn-2", s.connID)
		}
		if p := s.msg.Data["p"].(int); p != want[i] {
			t.Fatalf("delivery %d priority = %d, want %d", i, p, want[i])
		}
	}
}

func TestLRUEvictionClosesOldest(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{MaxSessions: 2}, sender, zap.NewNop())

	a := m.Create("user-a", nil)
	b := m.Create("user-b", nil)
	// Refresh a so b is the LRU entry.
	if _, ok := m.Get(a.ID); !ok {
		t.Fatal("session a missing")
	}
	c := m.Create("user-c", nil)

	if _, ok := m.Get(b.ID); ok {
		t.Fatal("evicted session still reachable")
	}
	for _, id := range []string{a.ID, c.ID} {
		if _, ok := m.Get(id); !ok {
			t.Fatalf("session %s missing after eviction", id)
		}
	}
}

func TestDeliverFallsBackToQueue(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{}, sender, zap.NewNop())

	info := m.Create("user-1", nil)
	msg := protocol.NewNotification("offline", nil)
	if err := m.Deliver(info.ID, msg, 1); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(sender.take()) != 0 {
		t.Fatal("delivered without a connection")
	}
	got, _ := m.Get(info.ID)
	if got.Pending != 1 {
		t.Fatalf("pending = %d, want 1", got.Pending)
	}
}

func TestBroadcastToAllExcludesUsers(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{}, sender, zap.NewNop())

	a := m.Create("user-a", nil)
	b := m.Create("user-b", nil)
	if err := m.AddConnection(a.ID, "conn-a"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := m.AddConnection(b.ID, "conn-b"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	n := m.BroadcastToAll(protocol.NewNotification("news", nil), 1,
		map[string]struct{}{"user-b": {}})
	if n != 1 {
		t.Fatalf("BroadcastToAll = %d, want 1", n)
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].connID != "conn-a" {
		t.Fatalf("broadcast went to %v, want conn-a only", sent)
	}
}

func TestTerminateHookRunsOnEveryPath(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{
		MaxSessions: 1,
		IdleAfter:   time.Millisecond,
		ExpireAfter: 2 * time.Millisecond,
	}, sender, zap.NewNop())

	var mu sync.Mutex
	var ended []string
	m.OnTerminate = func(sessionID string) {
		mu.Lock()
		ended = append(ended, sessionID)
		mu.Unlock()
	}

	a := m.Create("user-a", nil)
	m.Close(a.ID)

	b := m.Create("user-b", nil)
	c := m.Create("user-c", nil) // evicts b

	time.Sleep(10 * time.Millisecond)
	m.reap() // active -> idle
	m.reap() // idle -> expired

	mu.Lock()
	defer mu.Unlock()
	want := []string{a.ID, b.ID, c.ID}
	if len(ended) != len(want) {
		t.Fatalf("hook ran for %v, want %v", ended, want)
	}
	for i := range want {
		if ended[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", ended, want)
		}
	}
}

func TestReapTransitions(t *testing.T) {
	sender := &captureSender{}
	m := NewManager(Config{IdleAfter: time.Millisecond, ExpireAfter: 50 * time.Millisecond}, sender, zap.NewNop())

	info := m.Create("user-1", nil)
	time.Sleep(5 * time.Millisecond)
	m.reap()
	got, _ := m.Get(info.ID)
	if got.Status != StatusIdle {
		t.Fatalf("status = %q, want %q", got.Status, StatusIdle)
	}

	time.Sleep(60 * time.Millisecond)
	m.reap()
	if _, ok := m.Get(info.ID); ok {
		t.Fatal("expired session still reachable")
	}
}
