// Package cache provides an in-memory TTL cache with expiry enforced on access.
package cache

import (
	"sync"
	"time"
)

// Cache provides a minimal TTL cache interface for hot-path lookups.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V, ttl time.Duration)
	Delete(key K)
	EvictExpired() int
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e cacheEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// TTLCache stores values in-memory with per-entry TTLs. A zero TTL never expires.
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]cacheEntry[V]
	now   func() time.Time
}

// Option customises a TTLCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewTTLCache constructs a new TTLCache instance.
func NewTTLCache[K comparable, V any](opts ...Option) *TTLCache[K, V] {
	cfg := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &TTLCache[K, V]{items: make(map[K]cacheEntry[V]), now: cfg.now}
}

// Get returns a cached value if it exists and has not expired. Expired entries are removed.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if entry.expired(c.now()) {
		delete(c.items, key)
		return zero, false
	}
	return entry.value, true
}

// Take returns and removes a live entry in one step, so at most one caller observes it.
func (c *TTLCache[K, V]) Take(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return zero, false
	}
	delete(c.items, key)
	if entry.expired(c.now()) {
		return zero, false
	}
	return entry.value, true
}

// GetOrCreate returns the live value for key, storing the result of create when absent.
// The TTL is applied only when a new value is created.
func (c *TTLCache[K, V]) GetOrCreate(key K, ttl time.Duration, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if entry, ok := c.items[key]; ok && !entry.expired(now) {
		return entry.value
	}
	value := create()
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiry(now, ttl)}
	return value
}

// Put stores a value with the provided TTL.
func (c *TTLCache[K, V]) Put(key K, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiry(c.now(), ttl)}
	c.mu.Unlock()
}

// Touch extends the TTL of a live entry.
func (c *TTLCache[K, V]) Touch(key K, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	entry, ok := c.items[key]
	if !ok || entry.expired(now) {
		return false
	}
	entry.expiresAt = expiry(now, ttl)
	c.items[key] = entry
	return true
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// EvictExpired drops every expired entry and returns how many were removed.
func (c *TTLCache[K, V]) EvictExpired() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.items {
		if entry.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

var _ Cache[string, int] = (*TTLCache[string, int])(nil)
