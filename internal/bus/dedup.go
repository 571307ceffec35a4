package bus

import (
	"container/list"
	"sync"
)

// dedupCache is a fixed-capacity LRU set. Each component owns its own
// instance and touches it only from its own task; the mutex exists for the
// statistics callers.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Seen reports whether the key was recorded and refreshes its recency.
func (c *dedupCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if ok {
		c.order.MoveToBack(elem)
	}
	return ok
}

// Record inserts the key, evicting the oldest entry once the bound is
// exceeded.
func (c *dedupCache) Record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToBack(elem)
		return
	}

	c.entries[key] = c.order.PushBack(key)
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
}

func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
