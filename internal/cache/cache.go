// Package cache provides the process-wide in-memory cache handle.
// It is constructed once at startup and passed explicitly to the
// components that memoize driver results.
package cache

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/iddsops/idds/internal/config"
)

// Cache is a TTL'd in-process key/value store.
type Cache struct {
	c *gocache.Cache
}

// New constructs the cache selected by the config section tag.
func New(cfg config.CacheConfig) (*Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		exp := cfg.DefaultExpiration
		if exp == 0 {
			exp = 30 * time.Minute
		}
		cleanup := cfg.CleanupInterval
		if cleanup == 0 {
			cleanup = 10 * time.Minute
		}
		return &Cache{c: gocache.New(exp, cleanup)}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Set stores value under key with the default expiration.
func (c *Cache) Set(key string, value any) {
	c.c.SetDefault(key, value)
}

// SetWithTTL stores value under key with an explicit expiration.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.c.Set(key, value, ttl)
}

// Get retrieves the raw value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	return c.c.Get(key)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.c.Delete(key)
}

// GetAs retrieves a typed value from the cache, reporting false when
// the key is absent or holds a different type.
func GetAs[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
