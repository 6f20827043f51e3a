package kvstore

import (
	"container/heap"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Memory is an in-process Store. Keys are sharded to keep lock contention
// low; expiry is lazy on read plus a background sweep driven by a deadline
// heap.
type Memory struct {
	shards [shardCount]shard

	expMu  sync.Mutex
	expiry expiryHeap

	stop    chan struct{}
	stopped sync.Once
}

type shard struct {
	mu   sync.RWMutex
	data map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func NewMemory() *Memory {
	m := &Memory{stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i].data = make(map[string]entry)
	}
	go m.sweep()
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s := m.shardFor(key)
	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	if ttl > 0 {
		m.expMu.Lock()
		heap.Push(&m.expiry, expiryItem{key: key, at: e.expiresAt})
		m.expMu.Unlock()
	}
	return nil
}

// Update runs fn under the shard lock, so concurrent updates of one key
// serialize.
func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	old, ok := s.data[key]
	if ok && old.expired(now) {
		delete(s.data, key)
		ok = false
	}
	var cur []byte
	if ok {
		cur = old.value
	}
	value, err := fn(cur, ok)
	if err != nil {
		return err
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e
	if ttl > 0 {
		m.expMu.Lock()
		heap.Push(&m.expiry, expiryItem{key: key, at: e.expiresAt})
		m.expMu.Unlock()
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.stopped.Do(func() { close(m.stop) })
	return nil
}

// sweep removes keys whose deadline passed. A key rewritten with a longer
// TTL leaves a stale heap item behind; the expiry time is re-checked against
// the live entry before deleting.
func (m *Memory) sweep() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.sweepDue(now)
		}
	}
}

func (m *Memory) sweepDue(now time.Time) {
	for {
		m.expMu.Lock()
		if len(m.expiry) == 0 || m.expiry[0].at.After(now) {
			m.expMu.Unlock()
			return
		}
		it := heap.Pop(&m.expiry).(expiryItem)
		m.expMu.Unlock()

		s := m.shardFor(it.key)
		s.mu.Lock()
		if e, ok := s.data[it.key]; ok && e.expired(now) {
			delete(s.data, it.key)
		}
		s.mu.Unlock()
	}
}

type expiryItem struct {
	key string
	at  time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
