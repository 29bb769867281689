package probability

import (
	"fmt"
	"math"
	"time"
)

// EngineConfig configures the scoreline model.
type EngineConfig struct {
	// Rho is the Dixon-Coles low-score correlation dampening factor.
	Rho float64
	// EloScale converts an Elo rating delta into a goal-rate multiplier:
	// mu *= exp(±delta/EloScale).
	EloScale float64
	// TTL stamps ExpiresAt on computed probabilities.
	TTL time.Duration
}

// DefaultEngineConfig returns the production model parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Rho:      -0.10,
		EloScale: 800,
		TTL:      60 * time.Second,
	}
}

// Engine converts fixture signals into a full market probability surface.
// Computation is pure and stateless: the same signals and model version
// produce bit-identical probabilities, so concurrent use needs no locking.
type Engine struct {
	cfg     EngineConfig
	catalog []Market
	now     func() time.Time
}

// NewEngine creates an engine with the given config. Zero-value fields fall
// back to the defaults.
func NewEngine(cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.Rho == 0 {
		cfg.Rho = def.Rho
	}
	if cfg.EloScale == 0 {
		cfg.EloScale = def.EloScale
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	return &Engine{
		cfg:     cfg,
		catalog: Catalog(),
		now:     time.Now,
	}
}

// WithClock overrides the engine clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GoalRates derives the adjusted Poisson goal rates for a fixture.
//
// The base rate per side is the geometric mean of that side's attacking xG
// and the opponent's conceding xG. The Elo delta shifts the rates in
// opposite directions; referee bias and weather scale both.
func (e *Engine) GoalRates(s *FixtureSignals) (muHome, muAway float64) {
	muHome = math.Sqrt(s.HomeXGFor * s.AwayXGAgainst)
	muAway = math.Sqrt(s.AwayXGFor * s.HomeXGAgainst)

	eloDelta := s.HomeElo - s.AwayElo
	muHome *= math.Exp(eloDelta / e.cfg.EloScale)
	muAway *= math.Exp(-eloDelta / e.cfg.EloScale)

	ref := s.RefereeBias
	if ref == 0 {
		ref = 1
	}
	weather := s.WeatherFactor
	if weather == 0 {
		weather = 1
	}
	muHome *= ref * weather
	muAway *= ref * weather
	return muHome, muAway
}

// Compute produces the MarketProbability for a fixture under one model
// version. It fails with ErrInsufficientInput when signals are missing and
// ErrInvalidSignal when an input is out of range.
func (e *Engine) Compute(signals *FixtureSignals, modelVersion string) (*MarketProbability, error) {
	if err := signals.Validate(); err != nil {
		return nil, err
	}
	if modelVersion == "" {
		return nil, fmt.Errorf("model version required")
	}

	muHome, muAway := e.GoalRates(signals)
	grid, err := buildGrid(muHome, muAway, e.cfg.Rho)
	if err != nil {
		return nil, fmt.Errorf("building scoreline grid for %s: %w", signals.FixtureID, err)
	}

	markets := make(map[string]float64, len(e.catalog))
	for _, m := range e.catalog {
		markets[m.Code] = grid.Slice(m.Pred)
	}

	now := e.now()
	return &MarketProbability{
		FixtureID:         signals.FixtureID,
		ModelVersion:      modelVersion,
		Markets:           markets,
		ExpectedGoalsHome: muHome,
		ExpectedGoalsAway: muAway,
		Confidence:        confidence(markets),
		ComputedAt:        now,
		ExpiresAt:         now.Add(e.cfg.TTL),
	}, nil
}

// confidence is the probability of the most likely match result.
func confidence(markets map[string]float64) float64 {
	c := markets["1x2:home"]
	if markets["1x2:draw"] > c {
		c = markets["1x2:draw"]
	}
	if markets["1x2:away"] > c {
		c = markets["1x2:away"]
	}
	return c
}
