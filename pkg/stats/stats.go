// Package stats collects process-wide compile-cache hit and miss counters
// and exposes a read-only snapshot for diagnostics.
package stats

import (
	"sync"
	"sync/atomic"
)

// Counter reports the current size of a collaborator.
type Counter interface {
	Len() int
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Sessions     int   `json:"sessions"`
	CacheEntries int   `json:"cache_entries"`
}

// Lookups returns hits plus misses.
func (s Snapshot) Lookups() int64 {
	return s.Hits + s.Misses
}

// HitRate returns the hit rate as a fraction (0.0 to 1.0).
func (s Snapshot) HitRate() float64 {
	total := s.Lookups()
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// Collector counts cache outcomes. Counters only grow for the lifetime of
// the collector. All methods are safe for concurrent use.
type Collector struct {
	hits   atomic.Int64
	misses atomic.Int64

	mu       sync.RWMutex
	cache    Counter
	sessions Counter
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{}
}

// RecordHit counts one cache hit.
func (c *Collector) RecordHit() {
	c.hits.Add(1)
}

// RecordMiss counts one cache miss.
func (c *Collector) RecordMiss() {
	c.misses.Add(1)
}

// Hits returns the hit count (lock-free).
func (c *Collector) Hits() int64 { return c.hits.Load() }

// Misses returns the miss count (lock-free).
func (c *Collector) Misses() int64 { return c.misses.Load() }

// BindCache delegates CacheEntries reads to cache.
func (c *Collector) BindCache(cache Counter) {
	c.mu.Lock()
	c.cache = cache
	c.mu.Unlock()
}

// BindSessions delegates Sessions reads to sessions.
func (c *Collector) BindSessions(sessions Counter) {
	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
}

// CacheEntries returns the number of compiled definitions held by the bound
// cache, or zero when none is bound.
func (c *Collector) CacheEntries() int {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()

	if cache == nil {
		return 0
	}

	return cache.Len()
}

// Sessions returns the number of active sessions held by the bound store,
// or zero when none is bound.
func (c *Collector) Sessions() int {
	c.mu.RLock()
	sessions := c.sessions
	c.mu.RUnlock()

	if sessions == nil {
		return 0
	}

	return sessions.Len()
}

// Snapshot returns the current counters and delegated sizes.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Sessions:     c.Sessions(),
		CacheEntries: c.CacheEntries(),
	}
}
