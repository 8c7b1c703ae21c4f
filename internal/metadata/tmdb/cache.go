package tmdb

import (
	"sync"
	"time"
)

const defaultCacheCap = 1000

// lookupCache memoizes API responses for a TTL. Requested items arrive in
// bursts that hit the same shows repeatedly; a short-lived cache keeps the
// client inside TMDB's rate limits without a persistence layer.
type lookupCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	cap     int
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

func newLookupCache(ttl time.Duration, capacity int) *lookupCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	return &lookupCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		cap:     capacity,
	}
}

func (c *lookupCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *lookupCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.cap {
		c.evict()
	}
	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *lookupCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evict drops expired entries, then whatever else it takes to free 10% of
// the capacity, at least one entry. Called with the write lock held.
func (c *lookupCache) evict() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}

	headroom := c.cap / 10
	if headroom < 1 {
		headroom = 1
	}
	toRemove := len(c.entries) - c.cap + headroom
	for key := range c.entries {
		if toRemove <= 0 {
			break
		}
		delete(c.entries, key)
		toRemove--
	}
}
