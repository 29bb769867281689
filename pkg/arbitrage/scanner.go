// Package arbitrage scans bookmaker odds for cross-book combinations with
// guaranteed profit and computes the stake allocation that locks it in.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/golexhq/prediction-engine/pkg/metrics"
)

// ErrStaleQuote marks a quote older than the freshness threshold. Stale
// quotes are excluded from consideration, never averaged with fresher ones.
var ErrStaleQuote = errors.New("stale quote")

// Quote is one book's price for one outcome. A newer timestamp supersedes an
// older quote for the same (fixture, bookmaker, market, outcome).
type Quote struct {
	FixtureID string          `json:"fixture_id"`
	Bookmaker string          `json:"bookmaker"`
	Market    string          `json:"market"` // e.g. "1x2", "btts"
	Outcome   string          `json:"outcome"`
	Odds      decimal.Decimal `json:"odds"` // decimal odds, > 1.0
	Timestamp time.Time       `json:"timestamp"`
}

// QuoteSource provides the current quote set, materialized by external
// ingestion.
type QuoteSource interface {
	Quotes(ctx context.Context, fixtureID string) ([]*Quote, error)
	FixtureIDs(ctx context.Context) ([]string, error)
}

// BestPrice is the winning quote for one outcome.
type BestPrice struct {
	Bookmaker string          `json:"bookmaker"`
	Odds      decimal.Decimal `json:"odds"`
}

// Opportunity is a detected sure bet: odds whose reciprocal sum is below 1.
// All monetary fields are fixed-precision decimals.
type Opportunity struct {
	ID        string `json:"id"`
	FixtureID string `json:"fixture_id"`
	Market    string `json:"market"`

	BestOdds map[string]BestPrice `json:"best_odds"` // outcome -> price

	ImpliedSum decimal.Decimal `json:"implied_probability_sum"`
	ProfitPct  decimal.Decimal `json:"profit_pct"`

	// Stakes allocates the configured total stake so every outcome pays out
	// Payout identically.
	Stakes map[string]decimal.Decimal `json:"stakes"`
	Payout decimal.Decimal            `json:"payout"`

	DetectedAt time.Time `json:"detected_at"`
}

// Config tunes the scanner.
type Config struct {
	// Freshness excludes quotes older than this from consideration.
	Freshness time.Duration `yaml:"freshness"`
	// MinProfitPct drops opportunities below this implied profit.
	MinProfitPct float64 `yaml:"min_profit_pct"`
	// TotalStake is the stake the allocation is computed for.
	TotalStake float64 `yaml:"total_stake"`
}

// DefaultConfig returns the production scanner parameters.
func DefaultConfig() Config {
	return Config{
		Freshness:    5 * time.Minute,
		MinProfitPct: 0.5,
		TotalStake:   100,
	}
}

// Scanner detects arbitrage opportunities over a quote source. It runs as a
// periodic job, reading only committed quotes, independent of the prediction
// path.
type Scanner struct {
	source     QuoteSource
	freshness  time.Duration
	minProfit  decimal.Decimal
	totalStake decimal.Decimal
	metrics    *metrics.EngineMetrics
	fold       cases.Caser
	now        func() time.Time
}

// NewScanner creates a scanner over the given quote source.
func NewScanner(source QuoteSource, cfg Config, m *metrics.EngineMetrics) *Scanner {
	def := DefaultConfig()
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.TotalStake <= 0 {
		cfg.TotalStake = def.TotalStake
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Scanner{
		source:     source,
		freshness:  cfg.Freshness,
		minProfit:  decimal.NewFromFloat(cfg.MinProfitPct),
		totalStake: decimal.NewFromFloat(cfg.TotalStake),
		metrics:    m,
		fold:       cases.Fold(),
		now:        time.Now,
	}
}

// WithClock overrides the scanner clock. Tests only.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// ScanFixture finds the opportunities for one fixture, sorted by profit
// descending.
func (s *Scanner) ScanFixture(ctx context.Context, fixtureID string) ([]*Opportunity, error) {
	quotes, err := s.source.Quotes(ctx, fixtureID)
	if err != nil {
		return nil, fmt.Errorf("loading quotes for %s: %w", fixtureID, err)
	}

	best := s.bestPerOutcome(quotes)

	var out []*Opportunity
	for market, prices := range best {
		opp := s.check(fixtureID, market, prices)
		if opp == nil {
			continue
		}
		if opp.ProfitPct.LessThan(s.minProfit) {
			continue
		}
		s.metrics.RecordOpportunity(market, opp.ProfitPct.InexactFloat64())
		out = append(out, opp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ProfitPct.GreaterThan(out[j].ProfitPct)
	})
	return out, nil
}

// ScanAll scans every fixture the source knows about.
func (s *Scanner) ScanAll(ctx context.Context) ([]*Opportunity, error) {
	ids, err := s.source.FixtureIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fixtures: %w", err)
	}

	var out []*Opportunity
	for _, id := range ids {
		opps, err := s.ScanFixture(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, opps...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProfitPct.GreaterThan(out[j].ProfitPct)
	})
	return out, nil
}

// bestPerOutcome reduces the quote set to the maximum fresh odds per
// (market, outcome). Superseded and stale quotes are dropped, stale ones
// with a counter.
func (s *Scanner) bestPerOutcome(quotes []*Quote) map[string]map[string]BestPrice {
	cutoff := s.now().Add(-s.freshness)

	// Newest quote per (bookmaker, market, outcome) supersedes the rest.
	type key struct{ book, market, outcome string }
	latest := make(map[key]*Quote)
	for _, q := range quotes {
		if !q.Odds.GreaterThan(decimal.NewFromInt(1)) {
			continue
		}
		k := key{s.fold.String(q.Bookmaker), q.Market, q.Outcome}
		if prev, ok := latest[k]; ok && !q.Timestamp.After(prev.Timestamp) {
			continue
		}
		latest[k] = q
	}

	best := make(map[string]map[string]BestPrice)
	for k, q := range latest {
		if q.Timestamp.Before(cutoff) {
			s.metrics.StaleQuotes.Inc()
			continue
		}
		prices, ok := best[k.market]
		if !ok {
			prices = make(map[string]BestPrice)
			best[k.market] = prices
		}
		if cur, ok := prices[k.outcome]; !ok || q.Odds.GreaterThan(cur.Odds) {
			prices[k.outcome] = BestPrice{Bookmaker: q.Bookmaker, Odds: q.Odds}
		}
	}
	return best
}

// check materializes an opportunity when the reciprocal best odds sum below
// 1. Stake_i = S * (1/odds_i) / impliedSum, so every outcome pays out
// S / impliedSum identically.
func (s *Scanner) check(fixtureID, market string, prices map[string]BestPrice) *Opportunity {
	if len(prices) < 2 {
		return nil
	}

	one := decimal.NewFromInt(1)
	impliedSum := decimal.Zero
	inverses := make(map[string]decimal.Decimal, len(prices))
	for outcome, bp := range prices {
		inv := one.Div(bp.Odds)
		inverses[outcome] = inv
		impliedSum = impliedSum.Add(inv)
	}

	if !impliedSum.LessThan(one) {
		return nil
	}

	payout := s.totalStake.Div(impliedSum)
	profitPct := one.Div(impliedSum).Sub(one).Mul(decimal.NewFromInt(100))

	stakes := make(map[string]decimal.Decimal, len(prices))
	for outcome, inv := range inverses {
		stakes[outcome] = s.totalStake.Mul(inv).Div(impliedSum)
	}

	return &Opportunity{
		ID:         uuid.New().String(),
		FixtureID:  fixtureID,
		Market:     market,
		BestOdds:   prices,
		ImpliedSum: impliedSum,
		ProfitPct:  profitPct,
		Stakes:     stakes,
		Payout:     payout,
		DetectedAt: s.now(),
	}
}
