// Package dedup suppresses repeated log lines. A key is allowed through once
// per TTL; later hits within the window are counted and reported when the
// key is next allowed.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxKeys = 10000
)

type entry struct {
	first      time.Time
	suppressed int
}

// Cache is a bounded, TTL-based set of recently seen keys.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	maxKeys int
	nowFn   func() time.Time
}

// New creates a Cache. Non-positive arguments use the defaults.
func New(ttl time.Duration, maxKeys int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		maxKeys: maxKeys,
		nowFn:   time.Now,
	}
}

// Allow reports whether key should be logged now, and how many hits were
// suppressed since it was last allowed. When the cache is full, unseen keys
// are always allowed and not remembered.
func (c *Cache) Allow(key string) (bool, int) {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && now.Sub(e.first) < c.ttl {
		e.suppressed++
		return false, 0
	}

	suppressed := 0
	if ok {
		suppressed = e.suppressed
	} else if len(c.entries) >= c.maxKeys {
		return true, 0
	}
	c.entries[key] = &entry{first: now}
	return true, suppressed
}

// Trim drops entries older than the TTL and returns how many were removed.
func (c *Cache) Trim() int {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.first) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
