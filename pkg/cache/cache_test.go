package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
)

func entry(fixtureID string, expiresAt time.Time) *probability.MarketProbability {
	return &probability.MarketProbability{
		FixtureID:    fixtureID,
		ModelVersion: "poisson_dc@1.0.0",
		Markets:      map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2},
		ExpiresAt:    expiresAt,
	}
}

func TestMemoryCache_TTLBoundary(t *testing.T) {
	t0 := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	now := t0
	c := NewMemoryCache(60*time.Second, metrics.NewEngineMetrics()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := c.Put(ctx, entry("fx-1", t0.Add(60*time.Second))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Present at t0+59s.
	now = t0.Add(59 * time.Second)
	if _, err := c.Get(ctx, "fx-1"); err != nil {
		t.Fatalf("Get at t0+59s: %v, want hit", err)
	}

	// Absent at t0+61s: forces recomputation.
	now = t0.Add(61 * time.Second)
	if _, err := c.Get(ctx, "fx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get at t0+61s = %v, want ErrCacheMiss", err)
	}

	// Lazy eviction removed the row.
	if c.Len() != 0 {
		t.Errorf("Len = %d after lazy eviction, want 0", c.Len())
	}
}

func TestMemoryCache_ExactExpiryIsMiss(t *testing.T) {
	t0 := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	now := t0
	c := NewMemoryCache(60*time.Second, metrics.NewEngineMetrics()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := c.Put(ctx, entry("fx-1", t0.Add(60*time.Second))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Entry is invalid once now >= expires_at.
	now = t0.Add(60 * time.Second)
	if _, err := c.Get(ctx, "fx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get at exact expiry = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryCache_PutStampsTTLWhenUnset(t *testing.T) {
	t0 := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(60*time.Second, metrics.NewEngineMetrics()).
		WithClock(func() time.Time { return t0 })

	mp := entry("fx-1", time.Time{})
	if err := c.Put(context.Background(), mp); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := t0.Add(60 * time.Second); !mp.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", mp.ExpiresAt, want)
	}
}

func TestMemoryCache_Invalidate(t *testing.T) {
	t0 := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(60*time.Second, metrics.NewEngineMetrics()).
		WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	if err := c.Put(ctx, entry("fx-1", t0.Add(time.Minute))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Invalidate(ctx, "fx-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(ctx, "fx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Invalidate = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryCache_SweepPurgesExpired(t *testing.T) {
	t0 := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	now := t0
	c := NewMemoryCache(60*time.Second, metrics.NewEngineMetrics()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := c.Put(ctx, entry("fx-old", t0.Add(time.Second))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(ctx, entry("fx-live", t0.Add(time.Hour))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = t0.Add(time.Minute)
	c.sweep()

	if c.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", c.Len())
	}
	if _, err := c.Get(ctx, "fx-live"); err != nil {
		t.Errorf("live entry lost in sweep: %v", err)
	}
}
