// Package ttlcache provides a small bounded map whose entries expire after a
// fixed time-to-live. It backs the coordinator's "recently handled" windows:
// sequential-failure counters, redelivered-message dedup and readiness
// heartbeats.
package ttlcache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]entry[V]
	ttl      time.Duration
	capacity int
	clock    clockwork.Clock
}

// New creates a cache. capacity <= 0 means unbounded; a nil clock uses the
// real clock.
func New[K comparable, V any](ttl time.Duration, capacity int, clock clockwork.Clock) *Cache[K, V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[K, V]{
		items:    make(map[K]entry[V]),
		ttl:      ttl,
		capacity: capacity,
		clock:    clock,
	}
}

// Set stores v under k and restarts its TTL.
func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if _, exists := c.items[k]; !exists {
		c.makeRoomLocked(now)
	}
	c.items[k] = entry[V]{value: v, expiresAt: now.Add(c.ttl)}
}

// Get returns the live value for k.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.items, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Has reports whether k holds a live value.
func (c *Cache[K, V]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

// SetIfAbsent stores v only when k has no live value. It reports whether the
// value was stored.
func (c *Cache[K, V]) SetIfAbsent(k K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if e, ok := c.items[k]; ok && now.Before(e.expiresAt) {
		return false
	}
	c.makeRoomLocked(now)
	c.items[k] = entry[V]{value: v, expiresAt: now.Add(c.ttl)}
	return true
}

// Delete removes k.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, k)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.clock.Now())
	return len(c.items)
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.clock.Now())
}

func (c *Cache[K, V]) purgeLocked(now time.Time) int {
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// makeRoomLocked frees one slot when the cache is full, evicting the entry
// closest to expiry if nothing has expired yet.
func (c *Cache[K, V]) makeRoomLocked(now time.Time) {
	if c.capacity <= 0 || len(c.items) < c.capacity {
		return
	}
	if c.purgeLocked(now) > 0 {
		return
	}
	var (
		victim K
		oldest time.Time
		found  bool
	)
	for k, e := range c.items {
		if !found || e.expiresAt.Before(oldest) {
			victim, oldest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}
