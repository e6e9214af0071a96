// Package cache provides the membership memoization used by the segment
// store: a TTL map keyed by context fingerprint, cleared wholesale on any
// catalog mutation.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe expiring map. Clear bumps an internal generation
// counter; Set calls carry the generation observed before the value was
// computed, so an insert racing a clear cannot resurrect stale data.
type TTLCache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	ttl        time.Duration
	generation uint64
	now        func() time.Time
}

// New creates a cache whose entries expire ttl after insertion. A ttl of 0
// disables per-entry expiry; entries then live until the next Clear.
func New[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired. Expired
// entries are dropped lazily on read.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !cached.expiresAt.IsZero() && c.now().After(cached.expiresAt) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expiresAt.Equal(cached.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}

	return cached.value, true
}

// Generation returns the current invalidation generation. Callers snapshot it
// before computing a value and pass it to Set.
func (c *TTLCache[K, V]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Set stores value under key unless the cache was cleared since generation
// was observed. It reports whether the value was stored.
func (c *TTLCache[K, V]) Set(generation uint64, key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return false
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	return true
}

// Clear drops every entry and advances the generation.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
	c.generation++
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
