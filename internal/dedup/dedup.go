package dedup

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers recently seen keys in a bounded LRU. Once a key is evicted
// it is forgotten, so a relay re-sending an old event after eviction will be
// treated as new.
type Cache struct {
	cache   *lru.Cache[string, time.Time]
	onEvict func()
}

// New creates a Cache holding at most size keys. onEvict, if not nil, is
// called each time a key is pushed out by capacity.
func New(size int, onEvict func()) (*Cache, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Cache{cache: cache, onEvict: onEvict}, nil
}

// Seen records key and reports whether it was already present.
// Lookups do not refresh recency: eviction follows insertion order.
func (c *Cache) Seen(key string) bool {
	ok, evicted := c.cache.ContainsOrAdd(key, time.Now())
	if evicted && c.onEvict != nil {
		c.onEvict()
	}
	return ok
}

// FirstSeen returns when key was first recorded
func (c *Cache) FirstSeen(key string) (time.Time, bool) {
	return c.cache.Peek(key)
}

// Len returns the current cache size
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Purge clears the cache
func (c *Cache) Purge() {
	c.cache.Purge()
}

// Key builds the cache key for an event delivered under a subscription scope
func Key(scope, eventID string) string {
	return scope + ":" + eventID
}
