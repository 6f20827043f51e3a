package delta

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clipsync/pkg/bus"
	"clipsync/pkg/command"
	"clipsync/pkg/kvstore"
	"clipsync/pkg/ot"
	"clipsync/pkg/protocol"
	"clipsync/pkg/protocol/codec"
)

type captureNotifier struct {
	mu    sync.Mutex
	notes map[string][]*protocol.Message
	ch    chan string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{notes: make(map[string][]*protocol.Message), ch: make(chan string, 16)}
}

func (c *captureNotifier) Deliver(sessionID string, msg *protocol.Message, _ int) error {
	c.mu.Lock()
	c.notes[sessionID] = append(c.notes[sessionID], msg)
	c.mu.Unlock()
	c.ch <- sessionID
	return nil
}

func (c *captureNotifier) get(sessionID string) []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.notes[sessionID]...)
}

func newBroadcaster(t *testing.T, shared bus.Bus, store kvstore.Store) (*Broadcaster, *captureNotifier) {
	t.Helper()
	n := newCaptureNotifier()
	b, err := NewBroadcaster(shared, store, ot.NewResolver(zap.NewNop()), n, time.Hour, zap.NewNop())
	require.NoError(t, err)
	return b, n
}

func TestBroadcastReachesOtherInstances(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b1, n1 := newBroadcaster(t, shared, store)
	b2, n2 := newBroadcaster(t, shared, store)

	require.NoError(t, b1.Subscribe(ctx, "timeline-1", "sess-a"))
	require.NoError(t, b2.Subscribe(ctx, "timeline-1", "sess-b"))

	op := ot.Operation{ID: "op-1", Type: ot.OpInsert, Timestamp: 100, Position: 0, Content: "clip"}
	d, err := b1.Broadcast(ctx, "timeline-1", "sess-a", []ot.Operation{op})
	require.NoError(t, err)
	require.Equal(t, int64(100), d.Version)
	require.Len(t, d.Ops, 1)

	select {
	case <-n2.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscriber never got the delta")
	}
	notes := n2.get("sess-b")
	require.Len(t, notes, 1)
	require.Equal(t, ActionDelta, notes[0].Action)
	require.Equal(t, "timeline-1", notes[0].Data["channel"])

	// The origin session is excluded on its own instance.
	require.Empty(t, n1.get("sess-a"))
}

func TestBroadcastPersistsStateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b1, _ := newBroadcaster(t, shared, store)
	b2, _ := newBroadcaster(t, shared, store)

	first := ot.Operation{ID: "op-1", Type: ot.OpInsert, Timestamp: 200, Position: 3, Content: "XX"}
	_, err := b1.Broadcast(ctx, "doc", "sess-a", []ot.Operation{first})
	require.NoError(t, err)

	// The other instance sees version 200 and transforms an older op.
	late := ot.Operation{ID: "op-2", Type: ot.OpInsert, Timestamp: 100, Position: 5, Content: "YY"}
	d, err := b2.Broadcast(ctx, "doc", "sess-b", []ot.Operation{late})
	require.NoError(t, err)
	require.Len(t, d.Ops, 1)
	require.Equal(t, 7, d.Ops[0].Position)
	require.Equal(t, int64(200), d.Version)
}

func TestConcurrentBroadcastsKeepEveryOp(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b, _ := newBroadcaster(t, shared, store)

	// Interleaved writers on one channel; every merge must survive.
	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := ot.Operation{
				ID:        fmt.Sprintf("op-%d", i),
				Type:      ot.OpInsert,
				Timestamp: int64(100 + i),
				Position:  0,
				Content:   "x",
			}
			_, err := b.Broadcast(ctx, "doc", "sess-a", []ot.Operation{op})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	raw, ok, err := store.Get(ctx, stateKey("doc"))
	require.NoError(t, err)
	require.True(t, ok)
	c, err := codec.CBOR()
	require.NoError(t, err)
	state := ot.NewState()
	require.NoError(t, c.Unmarshal(raw, state))
	require.Len(t, state.Ops, writers)
	require.Equal(t, int64(100+writers-1), state.Version)
}

func TestBroadcastRedeliveryPublishesNothing(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b1, _ := newBroadcaster(t, shared, store)
	b2, n2 := newBroadcaster(t, shared, store)
	require.NoError(t, b2.Subscribe(ctx, "doc", "sess-b"))

	op := ot.Operation{ID: "op-1", Type: ot.OpInsert, Timestamp: 100, Position: 0, Content: "A"}
	_, err := b1.Broadcast(ctx, "doc", "sess-a", []ot.Operation{op})
	require.NoError(t, err)
	<-n2.ch

	d, err := b1.Broadcast(ctx, "doc", "sess-a", []ot.Operation{op})
	require.NoError(t, err)
	require.Empty(t, d.Ops)
	select {
	case <-n2.ch:
		t.Fatal("redelivered op was published again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeLastMemberClosesChannel(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b, n := newBroadcaster(t, shared, store)
	require.NoError(t, b.Subscribe(ctx, "doc", "sess-a"))
	require.NoError(t, b.Subscribe(ctx, "doc", "sess-b"))
	b.Unsubscribe("doc", "sess-b")
	b.UnsubscribeAll("sess-a")

	// No subscribers left; deltas from elsewhere are not delivered.
	b2, _ := newBroadcaster(t, shared, store)
	op := ot.Operation{ID: "op-1", Type: ot.OpInsert, Timestamp: 100, Position: 0, Content: "A"}
	_, err := b2.Broadcast(ctx, "doc", "sess-c", []ot.Operation{op})
	require.NoError(t, err)
	select {
	case id := <-n.ch:
		t.Fatalf("closed channel still delivered to %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApplyAdaptsEditCommands(t *testing.T) {
	ctx := context.Background()
	shared := bus.NewMemBus()
	defer shared.Close()
	store := kvstore.NewMemory()
	defer store.Close()

	b, _ := newBroadcaster(t, shared, store)
	cmd := command.Command{
		ID:        "cmd-1",
		Action:    "edit",
		UserID:    "u1",
		SessionID: "sess-a",
		Timestamp: 400,
	}
	p := command.EditPayload{
		Target:    "subtitle-track",
		Operation: "insert",
		Params:    map[string]any{"position": float64(2), "content": "hey"},
	}
	out, err := b.Apply(ctx, cmd, p)
	require.NoError(t, err)
	require.Equal(t, "subtitle-track", out["channel"])
	require.Equal(t, int64(400), out["version"])
	require.Equal(t, 1, out["applied"])
}
