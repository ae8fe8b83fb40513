package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defines the interface for typed caching operations
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T, ttl time.Duration)
	Delete(key string)
	Clear()
	Items() map[string]T
}

// TTLCache implements Cache with time-to-live support
type TTLCache[T any] struct {
	data *gocache.Cache
}

// New creates a new TTL cache with default cleanup interval.
// A non-positive defaultTTL keeps entries until they are deleted.
func New[T any](defaultTTL time.Duration) *TTLCache[T] {
	if defaultTTL <= 0 {
		return &TTLCache[T]{data: gocache.New(gocache.NoExpiration, 0)}
	}
	cleanupInterval := defaultTTL * 2
	return &TTLCache[T]{
		data: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get retrieves a value from the cache
func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	cached, ok := c.data.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := cached.(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// Set stores a value in the cache with the specified TTL.
// Use DefaultTTL to apply the cache-wide default.
func (c *TTLCache[T]) Set(key string, value T, ttl time.Duration) {
	c.data.Set(key, value, ttl)
}

// Delete removes a value from the cache
func (c *TTLCache[T]) Delete(key string) {
	c.data.Delete(key)
}

// Clear removes all values from the cache
func (c *TTLCache[T]) Clear() {
	c.data.Flush()
}

// Items returns a copy of every unexpired entry
func (c *TTLCache[T]) Items() map[string]T {
	items := c.data.Items()
	result := make(map[string]T, len(items))
	for key, item := range items {
		if value, ok := item.Object.(T); ok {
			result[key] = value
		}
	}
	return result
}

// DefaultTTL makes Set use the TTL the cache was created with
const DefaultTTL = gocache.DefaultExpiration
