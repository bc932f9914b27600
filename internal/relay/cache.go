package relay

import (
	"sync"
	"time"
)

// DefaultCacheTTL is the default time-to-live for cached relay lists.
const DefaultCacheTTL = time.Hour

// Cache provides thread-safe caching for the relay list.
type Cache struct {
	relays    []Relay
	lastFetch time.Time
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

// NewCache creates a new relay cache with the specified TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl: ttl,
		now: time.Now,
	}
}

// Get returns cached relays if still valid.
// Returns nil, false if cache is empty or expired.
func (c *Cache) Get() ([]Relay, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.relays) == 0 || c.isExpiredLocked() {
		return nil, false
	}

	// Return a copy to prevent modification
	result := make([]Relay, len(c.relays))
	copy(result, c.relays)
	return result, true
}

// Stale returns the cached relays regardless of expiry.
func (c *Cache) Stale() []Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Relay, len(c.relays))
	copy(result, c.relays)
	return result
}

// Set updates the cache with new relays.
func (c *Cache) Set(relays []Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relays = make([]Relay, len(relays))
	copy(c.relays, relays)
	c.lastFetch = c.now()
}

// IsExpired checks if the cache needs refresh.
func (c *Cache) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isExpiredLocked()
}

// isExpiredLocked checks expiration without locking (must hold lock).
func (c *Cache) isExpiredLocked() bool {
	return c.now().Sub(c.lastFetch) > c.ttl
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relays = nil
	c.lastFetch = time.Time{}
}

// LastFetch returns the time of the last cache update.
func (c *Cache) LastFetch() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

// Len returns the number of cached relays.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.relays)
}
