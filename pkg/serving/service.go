// Package serving is the request-path facade: cache lookup, model compute,
// canary routing and shadow fan-out behind a single call.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log"
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

// DefaultModelName is the model family served when none is configured.
const DefaultModelName = "poisson_dc"

// Prediction is one served response: the market surface plus routing info.
type Prediction struct {
	*probability.MarketProbability
	Bucket split.Bucket `json:"bucket"`
	Source string       `json:"source"` // "cache" or "model"
}

// Deps wires the service. CanaryEngine is optional and falls back to Engine;
// a canary that differs only by label still exercises the full routing and
// shadow paths.
type Deps struct {
	Engine       *probability.Engine
	CanaryEngine *probability.Engine
	Signals      probability.SignalSource
	Registry     *registry.Registry
	Splitter     *split.Splitter
	CanaryConfig split.ConfigStore
	Shadow       *shadow.Evaluator
	Cache        cache.PredictionCache
	Scanner      *arbitrage.Scanner
	Tracker      *calibration.Tracker
	Metrics      *metrics.EngineMetrics
	ModelName    string
}

// Service answers prediction, arbitrage and governance requests.
type Service struct {
	engine       *probability.Engine
	canaryEngine *probability.Engine
	signals      probability.SignalSource
	registry     *registry.Registry
	splitter     *split.Splitter
	canaryCfg    split.ConfigStore
	shadow       *shadow.Evaluator
	cache        cache.PredictionCache
	scanner      *arbitrage.Scanner
	tracker      *calibration.Tracker
	metrics      *metrics.EngineMetrics
	modelName    string
	now          func() time.Time

	onPromotion func(*registry.ModelVersion)
}

// New creates the serving facade.
func New(deps Deps) *Service {
	if deps.CanaryEngine == nil {
		deps.CanaryEngine = deps.Engine
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.ModelName == "" {
		deps.ModelName = DefaultModelName
	}
	return &Service{
		engine:       deps.Engine,
		canaryEngine: deps.CanaryEngine,
		signals:      deps.Signals,
		registry:     deps.Registry,
		splitter:     deps.Splitter,
		canaryCfg:    deps.CanaryConfig,
		shadow:       deps.Shadow,
		cache:        deps.Cache,
		scanner:      deps.Scanner,
		tracker:      deps.Tracker,
		metrics:      deps.Metrics,
		modelName:    deps.ModelName,
		now:          time.Now,
	}
}

// OnPromotion registers a callback invoked after each successful promotion.
func (s *Service) OnPromotion(fn func(*registry.ModelVersion)) {
	s.onPromotion = fn
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetMarketProbabilities serves the market surface for a fixture.
//
// The cache holds production output only, so a hit short-circuits everything.
// On a miss the production model always computes; when a canary is live the
// canary computes too, the comparison is shadow-logged, and bucket B callers
// receive the canary output. Only production output enters the cache.
func (s *Service) GetMarketProbabilities(ctx context.Context, fixtureID, deviceID string) (*Prediction, error) {
	start := s.now()

	cfg, err := s.canaryCfg.Get(ctx)
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues("config").Inc()
		return nil, fmt.Errorf("reading canary config: %w", err)
	}

	bucket := split.BucketA
	if cfg.Enabled() {
		bucket, err = s.splitter.Assign(ctx, deviceID, cfg)
		if err != nil {
			s.metrics.PredictionErrors.WithLabelValues("assignment").Inc()
			return nil, err
		}
	}

	// Bucket A traffic may be answered straight from the cache.
	if bucket == split.BucketA {
		if cached, err := s.cache.Get(ctx, fixtureID); err == nil {
			s.metrics.RecordPrediction(string(bucket), cached.ModelVersion, "cache",
				s.now().Sub(start).Seconds())
			return &Prediction{MarketProbability: cached, Bucket: bucket, Source: "cache"}, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			// Degraded cache is not fatal; compute instead.
			log.Printf("[serving] cache read failed for %s: %v", fixtureID, err)
		}
	}

	active, err := s.registry.GetActive(ctx, s.modelName)
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues("no_active_model").Inc()
		return nil, fmt.Errorf("resolving active model: %w", err)
	}

	signals, err := s.signals.Signals(fixtureID)
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues("no_signals").Inc()
		return nil, fmt.Errorf("%w: fixture %s", probability.ErrInsufficientInput, fixtureID)
	}

	prod, err := s.engine.Compute(signals, active.Key())
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues("compute").Inc()
		return nil, err
	}

	if err := s.cache.Put(ctx, prod); err != nil {
		log.Printf("[serving] cache write failed for %s: %v", fixtureID, err)
	}

	served := prod
	if cfg.Enabled() {
		canary, err := s.canaryEngine.Compute(signals, cfg.CanaryVersion)
		if err != nil {
			// A broken canary never fails the request; bucket B degrades to
			// production output.
			s.metrics.PredictionErrors.WithLabelValues("canary_compute").Inc()
			log.Printf("[serving] canary compute failed for %s: %v", fixtureID, err)
		} else {
			s.shadow.Submit(shadow.Compare(prod, canary))
			if bucket == split.BucketB {
				served = canary
			}
		}
	}

	s.metrics.RecordPrediction(string(bucket), served.ModelVersion, "model",
		s.now().Sub(start).Seconds())
	return &Prediction{MarketProbability: served, Bucket: bucket, Source: "model"}, nil
}

// GetArbitrageOpportunities scans one fixture, or every fixture with live
// quotes when fixtureID is empty.
func (s *Service) GetArbitrageOpportunities(ctx context.Context, fixtureID string) ([]*arbitrage.Opportunity, error) {
	if fixtureID == "" {
		return s.scanner.ScanAll(ctx)
	}
	return s.scanner.ScanFixture(ctx, fixtureID)
}

// GetActiveModel returns the currently active model version.
func (s *Service) GetActiveModel(ctx context.Context) (*registry.ModelVersion, error) {
	return s.registry.GetActive(ctx, s.modelName)
}

// ListModels returns the registered versions, newest first.
func (s *Service) ListModels(ctx context.Context) ([]*registry.ModelVersion, error) {
	return s.registry.List(ctx, s.modelName)
}

// RegisterModel adds a new, inactive version.
func (s *Service) RegisterModel(ctx context.Context, mv *registry.ModelVersion) error {
	return s.registry.Register(ctx, mv)
}

// PromoteModel atomically activates a version. Already-cached predictions
// carry the prior version until their TTL lapses; the window is bounded by
// the cache TTL.
func (s *Service) PromoteModel(ctx context.Context, versionID string) error {
	if err := s.registry.Promote(ctx, versionID); err != nil {
		return err
	}
	mv, err := s.registry.Get(ctx, versionID)
	if err != nil {
		return err
	}
	s.metrics.PromotionsTotal.WithLabelValues(mv.Name).Inc()
	log.Printf("[serving] promoted %s", mv.Key())
	if s.onPromotion != nil {
		s.onPromotion(mv)
	}
	return nil
}

// SetCanaryConfig replaces the canary routing policy.
func (s *Service) SetCanaryConfig(ctx context.Context, cfg split.Config) error {
	if cfg.CanaryPercentage < 0 || cfg.CanaryPercentage > 100 {
		return fmt.Errorf("canary percentage %d out of range [0, 100]", cfg.CanaryPercentage)
	}
	if err := s.canaryCfg.Set(ctx, cfg); err != nil {
		return fmt.Errorf("storing canary config: %w", err)
	}
	log.Printf("[serving] canary config: %d%% -> %s", cfg.CanaryPercentage, cfg.CanaryVersion)
	return nil
}

// GetCanaryConfig returns the canary routing policy.
func (s *Service) GetCanaryConfig(ctx context.Context) (split.Config, error) {
	return s.canaryCfg.Get(ctx)
}

// RecordOutcome feeds one settled fixture result to the calibration tracker.
func (s *Service) RecordOutcome(ctx context.Context, e *calibration.Event) error {
	return s.tracker.Record(ctx, e)
}

// GetDailyCalibration returns per-day quality rollups for a model version.
func (s *Service) GetDailyCalibration(ctx context.Context, modelVersion string, from, to time.Time) ([]*calibration.DailyMetrics, error) {
	return s.tracker.DailyRange(ctx, modelVersion, from, to)
}
