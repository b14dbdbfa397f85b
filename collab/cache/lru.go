// Package cache memoizes collaborator results.
package cache

import (
	"sync"
	"time"
)

// Stats contains cache statistics.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
}

// LRU is a size-bounded cache with per-entry expiry. Expired entries are
// dropped when read.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*entry[V]
	head    *entry[V]
	tail    *entry[V]
	stats   Stats
	now     func() time.Time
}

type entry[V any] struct {
	key        string
	value      V
	expiry     time.Time
	prev, next *entry[V]
}

// NewLRU creates a cache holding at most maxSize entries for ttl each. A
// zero ttl never expires entries.
func NewLRU[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &LRU[V]{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*entry[V]),
		stats:   Stats{MaxSize: maxSize},
		now:     time.Now,
	}

	// sentinels
	c.head = &entry[V]{}
	c.tail = &entry[V]{}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	return c.get(key, true)
}

// peek is Get without touching hit and miss counters.
func (c *LRU[V]) peek(key string) (V, bool) {
	return c.get(key, false)
}

func (c *LRU[V]) get(key string, record bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if ok && c.ttl > 0 && c.now().After(e.expiry) {
		c.remove(e)
		ok = false
	}
	if !ok {
		if record {
			c.stats.Misses++
		}
		return zero, false
	}
	c.unlink(e)
	c.pushFront(e)
	if record {
		c.stats.Hits++
	}
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Sets++
	expiry := c.now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiry = expiry
		c.unlink(e)
		c.pushFront(e)
		return
	}

	e := &entry[V]{key: key, value: value, expiry: expiry}
	c.entries[key] = e
	c.pushFront(e)
	c.stats.Size++

	if c.stats.Size > c.maxSize {
		if oldest := c.tail.prev; oldest != c.head {
			c.remove(oldest)
			c.stats.Evictions++
		}
	}
}

// Stats returns cache statistics.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *LRU[V]) remove(e *entry[V]) {
	delete(c.entries, e.key)
	c.unlink(e)
	c.stats.Size--
}

func (c *LRU[V]) unlink(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *LRU[V]) pushFront(e *entry[V]) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}
