package bindings

import (
	"strings"
	"sync"
	"time"
)

// QueryCache is an in-memory TTL cache of display data fetched over REST, keyed by
// slash-separated paths such as "customers/c1/analyses". It is safe for concurrent use.
type QueryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	ttl   time.Duration
	now   func() time.Time
}

type cacheItem struct {
	value     any
	expiresAt time.Time
}

// NewQueryCache creates a cache whose entries expire after ttl unless Set is given another TTL.
func NewQueryCache(ttl time.Duration) *QueryCache {
	return &QueryCache{
		items: make(map[string]*cacheItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the value stored under key, or false when it is missing or expired.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || c.now().After(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

// Set stores value under key. A zero ttl uses the cache default.
func (c *QueryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.ttl
	}
	c.items[key] = &cacheItem{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

func (c *QueryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidatePrefix removes key prefix itself and every key below it, and returns how many
// entries were removed. "customers/c1" matches "customers/c1/analyses" but not "customers/c10".
func (c *QueryCache) InvalidatePrefix(prefix string) int {
	prefix = strings.TrimSuffix(prefix, "/")

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.items {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheItem)
}

// Len returns the number of stored entries, including expired ones not yet overwritten.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
