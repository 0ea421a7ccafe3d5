package cache

import (
	"sync"
	"time"
)

// DefaultTTL is used when a cache is created with a zero TTL.
// LUN discovery talks to the storage target, so results are kept a while.
const DefaultTTL = 5 * time.Minute

// Entry holds a cached value with expiration
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired at the given time
func (e *Entry[V]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache provides thread-safe TTL-based caching
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]*Entry[V]
}

// New creates a cache whose entries live for ttl
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]*Entry[V]),
	}
}

// WithClock replaces the time source.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get retrieves a value, ok is false if expired or not found
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[key]
	if !found || entry.IsExpired(c.now()) {
		return value, false
	}
	return entry.Value, true
}

// Set stores a value with the cache TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry[V]{
		Value:     value,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// Delete removes an entry from cache
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteFunc removes every entry whose key matches
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// Clear removes all entries from cache
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*Entry[V])
}

// Len returns the number of entries, expired ones included
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup removes expired entries
func (c *Cache[K, V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.entries {
		if v.IsExpired(now) {
			delete(c.entries, k)
		}
	}
}
