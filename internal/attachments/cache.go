package attachments

import "sync"

// Cache is a bounded key/value cache that evicts the oldest insertions
// first. The zero value is not usable; call NewCache.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	maxSize int
	seq     uint64
}

type cacheEntry[V any] struct {
	value V
	seq   uint64
}

// NewCache creates a cache holding at most maxSize entries.
func NewCache[V any](maxSize int) *Cache[V] {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Cache[V]{
		entries: make(map[string]cacheEntry[V]),
		maxSize: maxSize,
	}
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Set stores value under key and evicts the oldest entries beyond the
// size limit.
func (c *Cache[V]) Set(key string, value V) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[key] = cacheEntry[V]{value: value, seq: c.seq}
	c.prune()
}

// prune removes the oldest entries until the size limit holds.
func (c *Cache[V]) prune() {
	if c.maxSize <= 0 {
		c.entries = make(map[string]cacheEntry[V])
		return
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldestSeq := ^uint64(0)
		for k, e := range c.entries {
			if e.seq < oldestSeq {
				oldestSeq = e.seq
				oldestKey = k
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry[V])
}
