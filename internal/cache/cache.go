// Package cache holds each process's short-lived station cache. It
// cuts duplicate upstream fetches within one process; the shared store
// remains the only cross-process source of truth.
package cache

import (
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
)

// DefaultTTL is how long a cached station stays servable.
const DefaultTTL = 60 * time.Second

type entry struct {
	stamped  models.StampedStation
	storedAt time.Time
}

// Cache is a TTL map over station records. Entries expire lazily on
// read; nothing sweeps in the background.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New builds a cache. A non-positive ttl falls back to DefaultTTL; a
// nil clock falls back to the real one. Metrics may be nil.
func New(ttl time.Duration, clk clock.Clock, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clk,
		metrics: m,
	}
}

// Get returns the cached record for id if one is present and younger
// than the TTL. Expired entries are dropped on the way out.
func (c *Cache) Get(id string) (models.StampedStation, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok {
		c.miss()
		return models.StampedStation{}, false
	}

	if c.clock.Since(e.storedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check: another goroutine may have replaced the entry
		// while we swapped locks.
		if cur, ok := c.entries[id]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(c.entries, id)
		}
		c.mu.Unlock()
		c.miss()
		return models.StampedStation{}, false
	}

	c.hit()
	return e.stamped, true
}

// Put stores a record under id, replacing any previous entry and
// restarting its TTL.
func (c *Cache) Put(id string, stamped models.StampedStation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry{stamped: stamped, storedAt: c.clock.Now()}
}

// InvalidateAll drops every entry. Used when settings change in a way
// that makes cached data unusable.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len reports the number of entries, counting ones that have expired
// but not yet been read.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
