// Package probability computes full scoreline distributions and market
// probabilities for a fixture from pre-computed match signals.
package probability

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to callers as request failures.
var (
	// ErrInsufficientInput means no signals are available for the fixture.
	// The model never substitutes a default.
	ErrInsufficientInput = errors.New("insufficient input: no fixture signals")

	// ErrInvalidSignal means a numeric input is out of range.
	ErrInvalidSignal = errors.New("invalid signal")
)

// FixtureSignals are the model inputs for one fixture, produced by external
// ingestion and immutable once the fixture kicks off.
type FixtureSignals struct {
	FixtureID string `json:"fixture_id"`

	// Expected goals for/against per side, from the shot-quality model.
	HomeXGFor     float64 `json:"home_xg_for"`
	HomeXGAgainst float64 `json:"home_xg_against"`
	AwayXGFor     float64 `json:"away_xg_for"`
	AwayXGAgainst float64 `json:"away_xg_against"`

	// Running Elo ratings.
	HomeElo float64 `json:"home_elo"`
	AwayElo float64 `json:"away_elo"`

	// Aggregate referee bias: expected goal-total multiplier, 1.0 = neutral.
	RefereeBias float64 `json:"referee_bias"`

	// Weather dampening factor on goal rates, 1.0 = neutral.
	WeatherFactor float64 `json:"weather_factor"`

	KickoffAt time.Time `json:"kickoff_at"`
}

// Validate checks the signal ranges. Expected-goals inputs must be strictly
// positive; multipliers default to neutral when unset but must not be
// negative.
func (s *FixtureSignals) Validate() error {
	if s == nil {
		return ErrInsufficientInput
	}
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"home_xg_for", s.HomeXGFor},
		{"home_xg_against", s.HomeXGAgainst},
		{"away_xg_for", s.AwayXGFor},
		{"away_xg_against", s.AwayXGAgainst},
	} {
		if v.val <= 0 {
			return fmt.Errorf("%w: %s = %v, must be > 0", ErrInvalidSignal, v.name, v.val)
		}
	}
	if s.RefereeBias < 0 {
		return fmt.Errorf("%w: referee_bias = %v, must be >= 0", ErrInvalidSignal, s.RefereeBias)
	}
	if s.WeatherFactor < 0 {
		return fmt.Errorf("%w: weather_factor = %v, must be >= 0", ErrInvalidSignal, s.WeatherFactor)
	}
	return nil
}

// SignalSource provides signals for a fixture, keyed by fixture id.
// Implementations are backed by the ingestion store.
type SignalSource interface {
	Signals(fixtureID string) (*FixtureSignals, error)
}

// MarketProbability is one prediction surface: the full market catalog for a
// fixture under one model version. It is a write-once record owned by the
// engine that computed it.
type MarketProbability struct {
	FixtureID    string             `json:"fixture_id"`
	ModelVersion string             `json:"model_version"`
	Markets      map[string]float64 `json:"markets"`

	ExpectedGoalsHome float64 `json:"expected_goals_home"`
	ExpectedGoalsAway float64 `json:"expected_goals_away"`
	Confidence        float64 `json:"confidence"`

	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
