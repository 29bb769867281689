package shadow

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
)

func TestL1Distance(t *testing.T) {
	tests := []struct {
		name   string
		prod   map[string]float64
		canary map[string]float64
		want   float64
	}{
		{
			name:   "identical",
			prod:   map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2},
			canary: map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2},
			want:   0,
		},
		{
			name:   "shifted",
			prod:   map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2},
			canary: map[string]float64{"1x2:home": 0.4, "1x2:draw": 0.35, "1x2:away": 0.25},
			want:   0.2,
		},
		{
			name:   "disjoint codes count fully",
			prod:   map[string]float64{"btts:yes": 0.6},
			canary: map[string]float64{"btts:no": 0.4},
			want:   1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := L1Distance(tt.prod, tt.canary)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("L1Distance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKLDivergence(t *testing.T) {
	prod := map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2}

	t.Run("identical distributions have zero divergence", func(t *testing.T) {
		kl := KLDivergence(prod, prod)
		if kl == nil {
			t.Fatal("KL should be defined")
		}
		if math.Abs(*kl) > 1e-12 {
			t.Errorf("KL = %v, want 0", *kl)
		}
	})

	t.Run("divergence is positive for differing distributions", func(t *testing.T) {
		canary := map[string]float64{"1x2:home": 0.4, "1x2:draw": 0.35, "1x2:away": 0.25}
		kl := KLDivergence(prod, canary)
		if kl == nil {
			t.Fatal("KL should be defined")
		}
		if *kl <= 0 {
			t.Errorf("KL = %v, want > 0", *kl)
		}
	})

	t.Run("undefined when canary zeroes a live market", func(t *testing.T) {
		canary := map[string]float64{"1x2:home": 0.7, "1x2:draw": 0.3, "1x2:away": 0}
		if kl := KLDivergence(prod, canary); kl != nil {
			t.Errorf("KL = %v, want nil (undefined)", *kl)
		}
	})

	t.Run("zero production mass contributes nothing", func(t *testing.T) {
		p := map[string]float64{"a": 0, "b": 1}
		q := map[string]float64{"a": 0, "b": 1}
		kl := KLDivergence(p, q)
		if kl == nil || *kl != 0 {
			t.Errorf("KL = %v, want 0", kl)
		}
	})
}

func mp(fixtureID, version string, probs map[string]float64) *probability.MarketProbability {
	return &probability.MarketProbability{
		FixtureID:    fixtureID,
		ModelVersion: version,
		Markets:      probs,
		ComputedAt:   time.Now(),
	}
}

func TestEvaluator_WritesAsync(t *testing.T) {
	sink := NewMemorySink(16)
	m := metrics.NewEngineMetrics()
	ev := NewEvaluator(sink, m, Options{QueueSize: 8})
	ev.Start(context.Background())

	prod := mp("fx-1", "poisson_dc@1.0.0", map[string]float64{"1x2:home": 0.5, "1x2:draw": 0.3, "1x2:away": 0.2})
	canary := mp("fx-1", "poisson_dc@1.1.0", map[string]float64{"1x2:home": 0.45, "1x2:draw": 0.33, "1x2:away": 0.22})

	entry := Compare(prod, canary)
	if entry.KL == nil {
		t.Fatal("KL should be defined for these distributions")
	}
	ev.Submit(entry)
	ev.Close()

	got := sink.Recent(10)
	if len(got) != 1 {
		t.Fatalf("sink has %d entries, want 1", len(got))
	}
	if got[0].FixtureID != "fx-1" || got[0].ProdVersion != "poisson_dc@1.0.0" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if got[0].L1 <= 0 {
		t.Errorf("L1 = %v, want > 0", got[0].L1)
	}
	// Counted as logged only after the sink write landed.
	if n := testutil.ToFloat64(m.ShadowLogged); n != 1 {
		t.Errorf("ShadowLogged = %v, want 1", n)
	}
}

func TestEvaluator_RetriesThenAbandons(t *testing.T) {
	sink := NewMemorySink(16)
	sink.SetFailure(errors.New("storage down"))

	m := metrics.NewEngineMetrics()
	ev := NewEvaluator(sink, m, Options{QueueSize: 8, MaxRetries: 3, RetryDelay: time.Millisecond})
	ev.Start(context.Background())

	prod := mp("fx-2", "v1", map[string]float64{"btts:yes": 0.6, "btts:no": 0.4})
	canary := mp("fx-2", "v2", map[string]float64{"btts:yes": 0.55, "btts:no": 0.45})
	ev.Submit(Compare(prod, canary))
	ev.Close()

	if got := sink.Recent(10); len(got) != 0 {
		t.Errorf("sink has %d entries, want 0 after persistent failure", len(got))
	}
	// An abandoned entry is a drop, never a logged write.
	if n := testutil.ToFloat64(m.ShadowLogged); n != 0 {
		t.Errorf("ShadowLogged = %v after persistent failure, want 0", n)
	}
	if n := testutil.ToFloat64(m.ShadowDropped); n != 1 {
		t.Errorf("ShadowDropped = %v, want 1", n)
	}
}

func TestEvaluator_OverflowShedsOldest(t *testing.T) {
	// No Start(): nothing drains the queue, so submits past capacity must
	// shed rather than block.
	sink := NewMemorySink(16)
	ev := NewEvaluator(sink, metrics.NewEngineMetrics(), Options{QueueSize: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			prod := mp("fx-ovf", "v1", map[string]float64{"m": 0.5})
			canary := mp("fx-ovf", "v2", map[string]float64{"m": 0.5})
			ev.Submit(Compare(prod, canary))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}
