// Package cache memoizes computed market probabilities per fixture with a
// TTL bound.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
)

// ErrCacheMiss is an internal control signal: the caller must recompute and
// Put the result. Never surfaced to end callers.
var ErrCacheMiss = errors.New("cache miss")

// DefaultTTL bounds how long a computed prediction may be served.
const DefaultTTL = 60 * time.Second

// PredictionCache memoizes MarketProbability per fixture. An entry is
// invalid once now >= expires_at.
type PredictionCache interface {
	Get(ctx context.Context, fixtureID string) (*probability.MarketProbability, error)
	Put(ctx context.Context, mp *probability.MarketProbability) error
	// Invalidate drops a fixture's entry, forcing recomputation.
	Invalidate(ctx context.Context, fixtureID string) error
}

// MemoryCache is an in-process PredictionCache. Expired entries are evicted
// lazily on access; the background sweep only bounds memory and correctness
// never depends on it running.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*probability.MarketProbability
	ttl     time.Duration
	metrics *metrics.EngineMetrics
	now     func() time.Time
}

// NewMemoryCache creates a cache with the given TTL (DefaultTTL when zero).
func NewMemoryCache(ttl time.Duration, m *metrics.EngineMetrics) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = metrics.Default()
	}
	return &MemoryCache{
		entries: make(map[string]*probability.MarketProbability),
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the cache clock. Tests only.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Get returns the cached entry while now < expires_at, evicting lazily
// otherwise.
func (c *MemoryCache) Get(_ context.Context, fixtureID string) (*probability.MarketProbability, error) {
	c.mu.RLock()
	mp, ok := c.entries[fixtureID]
	c.mu.RUnlock()

	if ok && c.now().Before(mp.ExpiresAt) {
		c.metrics.CacheHits.Inc()
		return mp, nil
	}

	if ok {
		// Lazy eviction.
		c.mu.Lock()
		if cur, still := c.entries[fixtureID]; still && !c.now().Before(cur.ExpiresAt) {
			delete(c.entries, fixtureID)
			c.metrics.CacheEvictions.Inc()
		}
		c.mu.Unlock()
	}

	c.metrics.CacheMisses.Inc()
	return nil, ErrCacheMiss
}

// Put stores the entry, stamping expires_at from the cache TTL when unset.
func (c *MemoryCache) Put(_ context.Context, mp *probability.MarketProbability) error {
	if mp.ExpiresAt.IsZero() {
		mp.ExpiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[mp.FixtureID] = mp
	c.mu.Unlock()
	return nil
}

// Invalidate drops a fixture's entry.
func (c *MemoryCache) Invalidate(_ context.Context, fixtureID string) error {
	c.mu.Lock()
	delete(c.entries, fixtureID)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartSweeper purges expired entries on an interval until ctx is done.
func (c *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *MemoryCache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, mp := range c.entries {
		if !now.Before(mp.ExpiresAt) {
			delete(c.entries, id)
			c.metrics.CacheEvictions.Inc()
		}
	}
}
