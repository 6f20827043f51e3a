package session

import "container/list"

// sessionLRU tracks sessions by recency of use and evicts the least recently
// used one when capacity is exceeded. Not safe for concurrent use; the
// manager's lock guards it.
type sessionLRU struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
	onEvict  func(*Session)
}

func newSessionLRU(capacity int, onEvict func(*Session)) *sessionLRU {
	return &sessionLRU{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		onEvict:  onEvict,
	}
}

// Add inserts or refreshes a session, evicting the oldest entry if the cache
// is over capacity afterwards.
func (c *sessionLRU) Add(s *Session) {
	if el, ok := c.index[s.ID]; ok {
		c.order.MoveToFront(el)
		el.Value = s
		return
	}
	c.index[s.ID] = c.order.PushFront(s)
	for c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*Session)
		c.order.Remove(oldest)
		delete(c.index, evicted.ID)
		if c.onEvict != nil {
			c.onEvict(evicted)
		}
	}
}

// Get returns the session and marks it most recently used.
func (c *sessionLRU) Get(id string) *Session {
	el, ok := c.index[id]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*Session)
}

// Peek returns the session without refreshing recency.
func (c *sessionLRU) Peek(id string) *Session {
	el, ok := c.index[id]
	if !ok {
		return nil
	}
	return el.Value.(*Session)
}

// Remove deletes a session without invoking the eviction callback.
func (c *sessionLRU) Remove(id string) *Session {
	el, ok := c.index[id]
	if !ok {
		return nil
	}
	c.order.Remove(el)
	delete(c.index, id)
	return el.Value.(*Session)
}

func (c *sessionLRU) Len() int { return c.order.Len() }

// All returns every cached session, most recently used first.
func (c *sessionLRU) All() []*Session {
	out := make([]*Session, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Session))
	}
	return out
}
