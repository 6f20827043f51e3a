// Package delta fans resolved edit operations out to every subscriber of a
// collaboration channel, across server instances. Channel state lives in the
// kv store; deltas travel the bus as CBOR.
package delta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clipsync/pkg/bus"
	"clipsync/pkg/command"
	"clipsync/pkg/kvstore"
	"clipsync/pkg/ot"
	"clipsync/pkg/protocol"
	"clipsync/pkg/protocol/codec"
)

// ActionDelta is the notification action pushed to channel subscribers.
const ActionDelta = "delta"

// deltaPriority ranks delta notifications above share notices but behind
// direct replies in the pending queues.
const deltaPriority = 2

func topicFor(channel string) string { return "delta:" + channel }
func stateKey(channel string) string { return "channel_state:" + channel }

// Delta is the bus payload: operations already resolved and merged by the
// publishing instance.
type Delta struct {
	Channel   string         `cbor:"channel" json:"channel"`
	Origin    string         `cbor:"origin" json:"origin"`
	Version   int64          `cbor:"version" json:"version"`
	Timestamp int64          `cbor:"timestamp" json:"timestamp"`
	Ops       []ot.Operation `cbor:"ops" json:"ops"`
}

// Notifier delivers a message to a session, queueing it when the session is
// offline. The session manager satisfies this.
type Notifier interface {
	Deliver(sessionID string, msg *protocol.Message, priority int) error
}

// Broadcaster owns channel subscriptions for one server instance. State
// writes go through Broadcast, which is the only writer of a channel's
// version.
type Broadcaster struct {
	log      *zap.Logger
	bus      bus.Bus
	store    kvstore.Store
	resolver *ot.Resolver
	notify   Notifier
	codec    codec.Codec
	stateTTL time.Duration

	mu       sync.Mutex
	channels map[string]*channelSub
}

type channelSub struct {
	sub     bus.Subscription
	cancel  context.CancelFunc
	members map[string]struct{}
}

func NewBroadcaster(b bus.Bus, store kvstore.Store, resolver *ot.Resolver,
	notify Notifier, stateTTL time.Duration, log *zap.Logger) (*Broadcaster, error) {
	if log == nil {
		log = zap.L()
	}
	c, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		log:      log,
		bus:      b,
		store:    store,
		resolver: resolver,
		notify:   notify,
		codec:    c,
		stateTTL: stateTTL,
		channels: make(map[string]*channelSub),
	}, nil
}

// Subscribe adds sessionID to channel. The first subscriber on this instance
// opens the bus subscription and starts the listener.
func (b *Broadcaster) Subscribe(ctx context.Context, channel, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.channels[channel]
	if cs == nil {
		lctx, cancel := context.WithCancel(context.Background())
		sub, err := b.bus.Subscribe(ctx, topicFor(channel))
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe channel %s: %w", channel, err)
		}
		cs = &channelSub{sub: sub, cancel: cancel, members: make(map[string]struct{})}
		b.channels[channel] = cs
		go b.listen(lctx, channel, sub)
		b.log.Info("channel opened", zap.String("channel", channel))
	}
	cs.members[sessionID] = struct{}{}
	return nil
}

// Unsubscribe removes sessionID from channel. The last subscriber closes the
// bus subscription.
func (b *Broadcaster) Unsubscribe(channel, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.channels[channel]
	if cs == nil {
		return
	}
	delete(cs.members, sessionID)
	if len(cs.members) == 0 {
		cs.cancel()
		_ = cs.sub.Close()
		delete(b.channels, channel)
		b.log.Info("channel closed", zap.String("channel", channel))
	}
}

// UnsubscribeAll removes sessionID from every channel, for disconnect
// teardown.
func (b *Broadcaster) UnsubscribeAll(sessionID string) {
	b.mu.Lock()
	channels := make([]string, 0, len(b.channels))
	for name, cs := range b.channels {
		if _, ok := cs.members[sessionID]; ok {
			channels = append(channels, name)
		}
	}
	b.mu.Unlock()
	for _, name := range channels {
		b.Unsubscribe(name, sessionID)
	}
}

// Broadcast resolves ops against the channel state, persists the merged
// state, and publishes the delta. The resolve-merge-save runs inside the
// store's atomic update, so concurrent broadcasts on one channel serialize
// and none overwrites another's merge. Publish failure is logged, not
// returned: the state write already succeeded and subscribers catch up
// from it.
func (b *Broadcaster) Broadcast(ctx context.Context, channel, origin string, ops []ot.Operation) (*Delta, error) {
	var (
		state    *ot.State
		resolved []ot.Operation
	)
	err := b.store.Update(ctx, stateKey(channel), b.stateTTL,
		func(raw []byte, found bool) ([]byte, error) {
			// The store may retry on contention; start from the fresh read
			// each attempt.
			state = ot.NewState()
			if found {
				if err := b.codec.Unmarshal(raw, state); err != nil {
					return nil, fmt.Errorf("decode state %s: %w", channel, err)
				}
			}
			resolved = b.resolver.Resolve(state, ops)
			b.resolver.Merge(state, resolved)
			out, err := b.codec.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("encode state %s: %w", channel, err)
			}
			return out, nil
		})
	if err != nil {
		return nil, err
	}
	d := &Delta{
		Channel:   channel,
		Origin:    origin,
		Version:   state.Version,
		Timestamp: time.Now().UnixMilli(),
		Ops:       resolved,
	}
	if len(resolved) > 0 {
		payload, err := b.codec.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode delta: %w", err)
		}
		if err := b.bus.Publish(ctx, topicFor(channel), payload); err != nil {
			b.log.Error("delta publish failed",
				zap.String("channel", channel), zap.Error(err))
		}
	}
	return d, nil
}

// Apply adapts an edit command into a Broadcast call. It satisfies the
// command handler's sink interface.
func (b *Broadcaster) Apply(ctx context.Context, cmd command.Command, p command.EditPayload) (map[string]any, error) {
	op := operationFrom(cmd, p)
	channel := p.Target
	if ch, ok := p.Params["channel"].(string); ok && ch != "" {
		channel = ch
	}
	d, err := b.Broadcast(ctx, channel, cmd.SessionID, []ot.Operation{op})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"channel": channel,
		"version": d.Version,
		"applied": len(d.Ops),
	}, nil
}

func operationFrom(cmd command.Command, p command.EditPayload) ot.Operation {
	op := ot.Operation{
		ID:        cmd.ID,
		Type:      ot.OpType(p.Operation),
		Timestamp: cmd.Timestamp,
		Target:    p.Target,
	}
	if v, ok := p.Params["base_version"]; ok {
		op.BaseVersion = asInt64(v)
	}
	if v, ok := p.Params["position"]; ok {
		op.Position = asInt(v)
	}
	if v, ok := p.Params["length"]; ok {
		op.Length = asInt(v)
	}
	if s, ok := p.Params["content"].(string); ok {
		op.Content = s
	}
	if m, ok := p.Params["value"].(map[string]any); ok {
		op.Value = m
	}
	return op
}

// asInt64 tolerates the numeric types JSON and CBOR decoding produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asInt(v any) int { return int(asInt64(v)) }

// listen delivers bus deltas to local subscribers, skipping the origin
// session.
func (b *Broadcaster) listen(ctx context.Context, channel string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			var d Delta
			if err := b.codec.Unmarshal(payload, &d); err != nil {
				b.log.Warn("bad delta payload",
					zap.String("channel", channel), zap.Error(err))
				continue
			}
			b.deliver(&d)
		}
	}
}

func (b *Broadcaster) deliver(d *Delta) {
	b.mu.Lock()
	cs := b.channels[d.Channel]
	if cs == nil {
		b.mu.Unlock()
		return
	}
	members := make([]string, 0, len(cs.members))
	for id := range cs.members {
		if id != d.Origin {
			members = append(members, id)
		}
	}
	b.mu.Unlock()

	for _, sessionID := range members {
		note := protocol.NewNotification(ActionDelta, map[string]any{
			"channel": d.Channel,
			"version": d.Version,
			"ops":     d.Ops,
		})
		note.SessionID = sessionID
		if err := b.notify.Deliver(sessionID, note, deltaPriority); err != nil {
			b.log.Debug("delta delivery failed",
				zap.String("session_id", sessionID),
				zap.String("channel", d.Channel),
				zap.Error(err))
		}
	}
}
