// Package cache provides a small bounded TTL cache for values resolved from
// the upstream FHIR server, so hot request paths do not repeat the same
// lookups on every call.
package cache

import (
	"sync"
	"time"
)

const (
	DefaultTTL  = 60 * time.Second
	DefaultSize = 1000
)

// Cache is a bounded TTL cache keyed by string. Concurrent fills for the
// same key are allowed; loaders must be idempotent so the last write wins
// without harm.
type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	entries map[string]entry[V]
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache[V]{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for a key. Expired entries count as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.entries[key]
	if !ok || time.Now().After(cached.expiresAt) {
		var zero V
		return zero, false
	}
	return cached.value, true
}

func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictLocked drops expired entries, and if none were expired an arbitrary
// entry, to keep the cache within its size bound.
func (c *Cache[V]) evictLocked() {
	now := time.Now()
	evicted := false
	for key, cached := range c.entries {
		if now.After(cached.expiresAt) {
			delete(c.entries, key)
			evicted = true
		}
	}
	if !evicted {
		for key := range c.entries {
			delete(c.entries, key)
			break
		}
	}
}
