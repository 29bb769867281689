package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
)

const redisKeyPrefix = "predictd:mp:"

// RedisCache is a PredictionCache shared across daemon replicas. Expiry is
// delegated to the server-side TTL, which matches the entry's expires_at.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.EngineMetrics
	now     func() time.Time
}

// NewRedisCache creates a redis-backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, m *metrics.EngineMetrics) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = metrics.Default()
	}
	return &RedisCache{client: client, ttl: ttl, metrics: m, now: time.Now}
}

// Get returns the cached entry, or ErrCacheMiss when absent or expired.
func (c *RedisCache) Get(ctx context.Context, fixtureID string) (*probability.MarketProbability, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+fixtureID).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", fixtureID, err)
	}

	var mp probability.MarketProbability
	if err := json.Unmarshal(data, &mp); err != nil {
		return nil, fmt.Errorf("decoding cached prediction for %s: %w", fixtureID, err)
	}

	// The server TTL normally covers this; guard against clock skew.
	if !c.now().Before(mp.ExpiresAt) {
		c.metrics.CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	c.metrics.CacheHits.Inc()
	return &mp, nil
}

// Put stores the entry with a server-side TTL matching its expires_at.
func (c *RedisCache) Put(ctx context.Context, mp *probability.MarketProbability) error {
	if mp.ExpiresAt.IsZero() {
		mp.ExpiresAt = c.now().Add(c.ttl)
	}
	ttl := mp.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil // already expired, nothing to memoize
	}

	data, err := json.Marshal(mp)
	if err != nil {
		return fmt.Errorf("encoding prediction for %s: %w", mp.FixtureID, err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+mp.FixtureID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", mp.FixtureID, err)
	}
	return nil
}

// Invalidate drops a fixture's entry.
func (c *RedisCache) Invalidate(ctx context.Context, fixtureID string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+fixtureID).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", fixtureID, err)
	}
	return nil
}
