package calibration

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golexhq/prediction-engine/pkg/metrics"
)

// Gate names reported on breaches.
const (
	GateAccuracyFloor = "accuracy_floor"
	GateECECeil       = "ece_ceil"
)

// GateConfig bounds a version's rolling quality before a breach alert fires.
type GateConfig struct {
	// AccuracyFloor is the minimum rolling argmax accuracy.
	AccuracyFloor float64 `yaml:"accuracy_floor"`
	// ECECeil is the maximum rolling expected calibration error.
	ECECeil float64 `yaml:"ece_ceil"`
	// MinSample suppresses gate checks until this many events accumulate.
	MinSample int `yaml:"min_sample"`
	// Window is the trailing window the gates evaluate over.
	Window time.Duration `yaml:"window"`
}

// DefaultGateConfig returns the production gate thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		AccuracyFloor: 0.40,
		ECECeil:       0.08,
		MinSample:     50,
		Window:        24 * time.Hour,
	}
}

// Breach is a non-fatal rollout gate alert. Serving continues uninterrupted;
// promotion or rollback based on a breach is an operational decision taken
// elsewhere.
type Breach struct {
	ModelVersion string    `json:"model_version"`
	Gate         string    `json:"gate"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	Sample       int       `json:"sample"`
	DetectedAt   time.Time `json:"detected_at"`
}

func (b Breach) String() string {
	return fmt.Sprintf("%s breached %s: %.4f vs threshold %.4f over %d events",
		b.ModelVersion, b.Gate, b.Value, b.Threshold, b.Sample)
}

// Tracker consumes settled outcomes and serves daily rollups and gate
// checks. It only reads committed events and never locks the serving path.
type Tracker struct {
	store    EventStore
	gates    GateConfig
	metrics  *metrics.EngineMetrics
	onBreach func(Breach)
	now      func() time.Time
}

// NewTracker creates a tracker over the given event store.
func NewTracker(store EventStore, gates GateConfig, m *metrics.EngineMetrics) *Tracker {
	if m == nil {
		m = metrics.Default()
	}
	if gates.Window <= 0 {
		gates.Window = DefaultGateConfig().Window
	}
	return &Tracker{
		store:   store,
		gates:   gates,
		metrics: m,
		now:     time.Now,
	}
}

// OnBreach registers a callback invoked for each gate breach.
func (t *Tracker) OnBreach(fn func(Breach)) {
	t.onBreach = fn
}

// WithClock overrides the tracker clock. Tests only.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record stores one settled outcome.
func (t *Tracker) Record(ctx context.Context, e *Event) error {
	if e.Outcome != OutcomeHome && e.Outcome != OutcomeDraw && e.Outcome != OutcomeAway {
		return fmt.Errorf("unknown outcome %q for fixture %s", e.Outcome, e.FixtureID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	if err := t.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("recording calibration event: %w", err)
	}
	t.metrics.CalibrationEvents.WithLabelValues(e.ModelVersion).Inc()
	return nil
}

// DailyRange recomputes the per-day rollups for a version over [from, to),
// one DailyMetrics per UTC day.
func (t *Tracker) DailyRange(ctx context.Context, modelVersion string, from, to time.Time) ([]*DailyMetrics, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC()

	var out []*DailyMetrics
	for day := from; day.Before(to); day = day.Add(24 * time.Hour) {
		events, err := t.store.List(ctx, modelVersion, day, day.Add(24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("listing events for %s on %s: %w",
				modelVersion, day.Format("2006-01-02"), err)
		}
		out = append(out, Rollup(modelVersion, day, events))
	}
	return out, nil
}

// CheckGates evaluates the rolling window for a version and returns any
// breaches. Breaches are alerts, not errors: the serving path is unaffected.
func (t *Tracker) CheckGates(ctx context.Context, modelVersion string) ([]Breach, error) {
	now := t.now()
	events, err := t.store.List(ctx, modelVersion, now.Add(-t.gates.Window), now)
	if err != nil {
		return nil, fmt.Errorf("listing events for gate check: %w", err)
	}

	served := len(events)
	correct := 0
	for _, e := range events {
		if e.Correct() {
			correct++
		}
	}
	ece := computeECE(events)

	if served > 0 {
		accuracy := float64(correct) / float64(served)
		t.metrics.RollingAccuracy.WithLabelValues(modelVersion).Set(accuracy)
	}
	t.metrics.ECE.WithLabelValues(modelVersion).Set(ece)

	if served < t.gates.MinSample {
		return nil, nil
	}

	var breaches []Breach
	accuracy := float64(correct) / float64(served)
	if accuracy < t.gates.AccuracyFloor {
		breaches = append(breaches, Breach{
			ModelVersion: modelVersion,
			Gate:         GateAccuracyFloor,
			Value:        accuracy,
			Threshold:    t.gates.AccuracyFloor,
			Sample:       served,
			DetectedAt:   now,
		})
	}
	if ece > t.gates.ECECeil {
		breaches = append(breaches, Breach{
			ModelVersion: modelVersion,
			Gate:         GateECECeil,
			Value:        ece,
			Threshold:    t.gates.ECECeil,
			Sample:       served,
			DetectedAt:   now,
		})
	}

	for _, b := range breaches {
		t.metrics.RecordGateBreach(b.ModelVersion, b.Gate)
		log.Printf("[calibration] %s", b)
		if t.onBreach != nil {
			t.onBreach(b)
		}
	}
	return breaches, nil
}
