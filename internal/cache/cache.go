// Package cache provides the fast-path lookup layer used in front of the
// durable store. Entries carry per-key TTLs; a TTL of zero means the entry
// never expires and must be invalidated explicitly.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Cache is the lookup layer consumed by the registry, session manager and
// tool executor. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the stored value and true when the key is present and not
	// expired. Expired entries behave as absent.
	Get(key string) (any, bool)
	// Set stores value under key. ttl of zero means no expiry.
	Set(key string, value any, ttl time.Duration)
	// Invalidate removes the key if present.
	Invalidate(key string)
	// InvalidatePrefix removes every key with the given prefix.
	InvalidatePrefix(prefix string)
}

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// InMemoryCache is a process-local Cache with lazy expiry: entries past
// their TTL are dropped on the next Get that touches them.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *InMemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, ok := c.entries[key]; ok && !cur.expiresAt.IsZero() && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		slog.Debug("InMemoryCache.Get: entry expired", "key", key)
		return nil, false
	}
	return e.value, true
}

// Set implements Cache.
func (c *InMemoryCache) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate implements Cache.
func (c *InMemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix implements Cache.
func (c *InMemoryCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of entries currently held, including entries that
// have expired but not yet been touched.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
