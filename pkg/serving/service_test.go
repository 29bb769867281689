package serving

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golexhq/prediction-engine/pkg/arbitrage"
	"github.com/golexhq/prediction-engine/pkg/cache"
	"github.com/golexhq/prediction-engine/pkg/calibration"
	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
	"github.com/golexhq/prediction-engine/pkg/registry"
	"github.com/golexhq/prediction-engine/pkg/shadow"
	"github.com/golexhq/prediction-engine/pkg/split"
)

type stubSignals map[string]*probability.FixtureSignals

func (s stubSignals) Signals(fixtureID string) (*probability.FixtureSignals, error) {
	sig, ok := s[fixtureID]
	if !ok {
		return nil, probability.ErrInsufficientInput
	}
	return sig, nil
}

func testSignals(fixtureID string) *probability.FixtureSignals {
	return &probability.FixtureSignals{
		FixtureID:     fixtureID,
		HomeXGFor:     1.6,
		HomeXGAgainst: 1.1,
		AwayXGFor:     1.2,
		AwayXGAgainst: 1.4,
		HomeElo:       1580,
		AwayElo:       1510,
	}
}

type testEnv struct {
	svc  *Service
	sink *shadow.MemorySink
	ev   *shadow.Evaluator
	reg  *registry.Registry
	cfg  *split.MemoryConfigStore
}

func newTestEnv(t *testing.T, canary split.Config) *testEnv {
	t.Helper()
	m := metrics.NewEngineMetrics()
	sink := shadow.NewMemorySink(64)
	ev := shadow.NewEvaluator(sink, m, shadow.Options{})
	ev.Start(context.Background())

	reg := registry.New(registry.NewMemoryStore())
	cfgStore := split.NewMemoryConfigStore(canary)

	svc := New(Deps{
		Engine:       probability.NewEngine(probability.EngineConfig{}),
		Signals:      stubSignals{"fx-1": testSignals("fx-1")},
		Registry:     reg,
		Splitter:     split.NewSplitter(split.NewMemoryAssignmentStore()),
		CanaryConfig: cfgStore,
		Shadow:       ev,
		Cache:        cache.NewMemoryCache(time.Minute, m),
		Scanner:      arbitrage.NewScanner(arbitrage.NewMemoryQuoteStore(), arbitrage.Config{}, m),
		Tracker:      calibration.NewTracker(calibration.NewMemoryEventStore(), calibration.GateConfig{}, m),
		Metrics:      m,
	})
	return &testEnv{svc: svc, sink: sink, ev: ev, reg: reg, cfg: cfgStore}
}

func registerActive(t *testing.T, env *testEnv, version string) *registry.ModelVersion {
	t.Helper()
	mv := &registry.ModelVersion{Name: DefaultModelName, Version: version}
	if err := env.reg.Register(context.Background(), mv); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := env.reg.Promote(context.Background(), mv.ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	return mv
}

func TestGetMarketProbabilities_CacheMissThenHit(t *testing.T) {
	env := newTestEnv(t, split.Config{})
	defer env.ev.Close()
	registerActive(t, env, "1.0.0")
	ctx := context.Background()

	first, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-1")
	if err != nil {
		t.Fatalf("GetMarketProbabilities: %v", err)
	}
	if first.Source != "model" {
		t.Errorf("first Source = %q, want model", first.Source)
	}
	if first.Bucket != split.BucketA {
		t.Errorf("Bucket = %q without canary, want A", first.Bucket)
	}
	if first.ModelVersion != "poisson_dc@1.0.0" {
		t.Errorf("ModelVersion = %q, want poisson_dc@1.0.0", first.ModelVersion)
	}

	second, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-2")
	if err != nil {
		t.Fatalf("second GetMarketProbabilities: %v", err)
	}
	if second.Source != "cache" {
		t.Errorf("second Source = %q, want cache", second.Source)
	}
	if !second.ComputedAt.Equal(first.ComputedAt) {
		t.Errorf("cache hit recomputed: %v vs %v", second.ComputedAt, first.ComputedAt)
	}
}

func TestGetMarketProbabilities_CanaryRoutingAndShadow(t *testing.T) {
	// 100% canary: every device lands in bucket B.
	env := newTestEnv(t, split.Config{
		CanaryPercentage: 100,
		CanaryVersion:    "poisson_dc@1.1.0-rc1",
		Salt:             "golex",
	})
	registerActive(t, env, "1.0.0")
	ctx := context.Background()

	pred, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-1")
	if err != nil {
		t.Fatalf("GetMarketProbabilities: %v", err)
	}
	if pred.Bucket != split.BucketB {
		t.Errorf("Bucket = %q at 100%% canary, want B", pred.Bucket)
	}
	if pred.ModelVersion != "poisson_dc@1.1.0-rc1" {
		t.Errorf("ModelVersion = %q, want the canary version", pred.ModelVersion)
	}

	// Close flushes the shadow queue.
	env.ev.Close()
	entries := env.sink.Recent(10)
	if len(entries) != 1 {
		t.Fatalf("got %d shadow entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.ProdVersion != "poisson_dc@1.0.0" || entry.CanaryVersion != "poisson_dc@1.1.0-rc1" {
		t.Errorf("shadow versions = %s / %s", entry.ProdVersion, entry.CanaryVersion)
	}
	// Identical engine and signals: the two surfaces coincide.
	if entry.L1 != 0 {
		t.Errorf("L1 = %v for identical engines, want 0", entry.L1)
	}
}

func TestGetMarketProbabilities_CanaryCachesProductionOnly(t *testing.T) {
	env := newTestEnv(t, split.Config{
		CanaryPercentage: 100,
		CanaryVersion:    "poisson_dc@1.1.0-rc1",
		Salt:             "golex",
	})
	defer env.ev.Close()
	registerActive(t, env, "1.0.0")
	ctx := context.Background()

	if _, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-1"); err != nil {
		t.Fatalf("GetMarketProbabilities: %v", err)
	}

	// Disable the canary: the next request reads the cache and must see the
	// production surface, never the canary one.
	if err := env.svc.SetCanaryConfig(ctx, split.Config{}); err != nil {
		t.Fatalf("SetCanaryConfig: %v", err)
	}
	pred, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-2")
	if err != nil {
		t.Fatalf("GetMarketProbabilities: %v", err)
	}
	if pred.Source != "cache" {
		t.Errorf("Source = %q, want cache", pred.Source)
	}
	if pred.ModelVersion != "poisson_dc@1.0.0" {
		t.Errorf("cached ModelVersion = %q, want production", pred.ModelVersion)
	}
}

func TestGetMarketProbabilities_NoSignals(t *testing.T) {
	env := newTestEnv(t, split.Config{})
	defer env.ev.Close()
	registerActive(t, env, "1.0.0")

	_, err := env.svc.GetMarketProbabilities(context.Background(), "fx-unknown", "device-1")
	if !errors.Is(err, probability.ErrInsufficientInput) {
		t.Errorf("err = %v, want ErrInsufficientInput", err)
	}
}

func TestGetMarketProbabilities_NoActiveModel(t *testing.T) {
	env := newTestEnv(t, split.Config{})
	defer env.ev.Close()

	_, err := env.svc.GetMarketProbabilities(context.Background(), "fx-1", "device-1")
	if !errors.Is(err, registry.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestPromoteModel_SwitchesServedVersion(t *testing.T) {
	env := newTestEnv(t, split.Config{})
	defer env.ev.Close()
	registerActive(t, env, "1.0.0")
	ctx := context.Background()

	next := &registry.ModelVersion{Name: DefaultModelName, Version: "1.1.0"}
	if err := env.svc.RegisterModel(ctx, next); err != nil {
		t.Fatalf("RegisterModel: %v", err)
	}

	var promoted *registry.ModelVersion
	env.svc.OnPromotion(func(mv *registry.ModelVersion) { promoted = mv })
	if err := env.svc.PromoteModel(ctx, next.ID); err != nil {
		t.Fatalf("PromoteModel: %v", err)
	}
	if promoted == nil || promoted.ID != next.ID {
		t.Fatalf("OnPromotion not invoked with the promoted version")
	}

	// A fresh fixture bypasses the cache and picks up the new version.
	pred, err := env.svc.GetMarketProbabilities(ctx, "fx-1", "device-1")
	if err != nil {
		t.Fatalf("GetMarketProbabilities: %v", err)
	}
	if pred.ModelVersion != "poisson_dc@1.1.0" {
		t.Errorf("ModelVersion = %q after promotion, want poisson_dc@1.1.0", pred.ModelVersion)
	}
}

func TestSetCanaryConfig_RejectsOutOfRangePercentage(t *testing.T) {
	env := newTestEnv(t, split.Config{})
	defer env.ev.Close()

	for _, pct := range []int{-1, 101} {
		err := env.svc.SetCanaryConfig(context.Background(), split.Config{
			CanaryPercentage: pct,
			CanaryVersion:    "poisson_dc@2.0.0",
		})
		if err == nil {
			t.Errorf("SetCanaryConfig(%d%%) accepted, want error", pct)
		}
	}
}
