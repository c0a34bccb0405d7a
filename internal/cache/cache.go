package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defines the interface for caching operations
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
}

// TTLCache implements Cache with time-to-live support.
// A zero TTL disables caching entirely.
type TTLCache[V any] struct {
	data *gocache.Cache
	ttl  time.Duration
}

// New creates a new TTL cache with default cleanup interval
func New[V any](ttl time.Duration) *TTLCache[V] {
	cleanupInterval := ttl * 2
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &TTLCache[V]{
		data: gocache.New(ttl, cleanupInterval),
		ttl:  ttl,
	}
}

// Get retrieves a value from the cache
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	if c.ttl <= 0 {
		return zero, false
	}
	v, ok := c.data.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set stores a value in the cache with the configured TTL
func (c *TTLCache[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.data.Set(key, value, c.ttl)
}

// Delete removes a value from the cache
func (c *TTLCache[V]) Delete(key string) {
	c.data.Delete(key)
}
