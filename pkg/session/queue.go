package session

import (
	"container/heap"

	"clipsync/pkg/protocol"
)

// msgQueue is a priority queue of pending messages. Lower priority values
// drain first; equal priorities drain in enqueue order. Not safe for
// concurrent use; callers hold the owning session's lock.
type msgQueue struct {
	items []*queueItem
	seq   uint64
}

type queueItem struct {
	msg      *protocol.Message
	priority int
	seq      uint64
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{}
	heap.Init((*queueHeap)(q))
	return q
}

func (q *msgQueue) Push(msg *protocol.Message, priority int) {
	q.seq++
	heap.Push((*queueHeap)(q), &queueItem{msg: msg, priority: priority, seq: q.seq})
}

// Pop removes the highest-priority message, or nil when empty.
func (q *msgQueue) Pop() *protocol.Message {
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop((*queueHeap)(q)).(*queueItem)
	return it.msg
}

// Drain removes up to max messages in priority order. max <= 0 drains all.
func (q *msgQueue) Drain(max int) []*protocol.Message {
	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}
	out := make([]*protocol.Message, 0, max)
	for len(out) < max {
		out = append(out, q.Pop())
	}
	return out
}

func (q *msgQueue) Len() int { return len(q.items) }

// queueHeap adapts msgQueue to heap.Interface.
type queueHeap msgQueue

func (h *queueHeap) Len() int { return len(h.items) }

func (h *queueHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (h *queueHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *queueHeap) Push(x any) { h.items = append(h.items, x.(*queueItem)) }

func (h *queueHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}
