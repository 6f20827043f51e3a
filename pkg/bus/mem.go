package bus

import (
	"context"
	"errors"
	"sync"
)

// subBuffer bounds each subscriber's backlog; slow subscribers drop messages
// rather than stall the publisher.
const subBuffer = 64

// MemBus is an in-process Bus for single-node deployments and tests.
type MemBus struct {
	mu     sync.Mutex
	topics map[string]map[*memSub]struct{}
	closed bool
}

func NewMemBus() *MemBus {
	return &MemBus{topics: make(map[string]map[*memSub]struct{})}
}

func (b *MemBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *MemBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	sub := &memSub{bus: b, topic: topic, ch: make(chan []byte, subBuffer)}
	set := b.topics[topic]
	if set == nil {
		set = make(map[*memSub]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.topics {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[*memSub]struct{})
	return nil
}

type memSub struct {
	bus   *MemBus
	topic string
	ch    chan []byte
	once  sync.Once
}

func (s *memSub) Messages() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set := s.bus.topics[s.topic]; set != nil {
			if _, ok := set[s]; ok {
				delete(set, s)
				close(s.ch)
			}
			if len(set) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
