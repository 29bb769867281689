package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golexhq/prediction-engine/pkg/arbitrage"
)

// QuoteStore is the postgres-backed arbitrage.QuoteSource. Upsert keeps only
// the newest quote per (fixture, bookmaker, market, outcome); older
// timestamps never overwrite newer ones.
type QuoteStore struct {
	db *sql.DB
}

// NewQuoteStore creates a quote store over the given database.
func NewQuoteStore(db *sql.DB) *QuoteStore {
	return &QuoteStore{db: db}
}

// Upsert stores a quote unless a newer one for the same line already exists.
func (s *QuoteStore) Upsert(ctx context.Context, q *arbitrage.Quote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotes (fixture_id, bookmaker, market, outcome, odds, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fixture_id, bookmaker, market, outcome) DO UPDATE SET
			odds = EXCLUDED.odds,
			ts   = EXCLUDED.ts
		WHERE quotes.ts < EXCLUDED.ts`,
		q.FixtureID, q.Bookmaker, q.Market, q.Outcome, q.Odds, q.Timestamp)
	if err != nil {
		return fmt.Errorf("upserting quote %s/%s/%s/%s: %w",
			q.FixtureID, q.Bookmaker, q.Market, q.Outcome, err)
	}
	return nil
}

// Quotes returns the stored quotes for a fixture.
func (s *QuoteStore) Quotes(ctx context.Context, fixtureID string) ([]*arbitrage.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fixture_id, bookmaker, market, outcome, odds, ts
		FROM quotes WHERE fixture_id = $1`, fixtureID)
	if err != nil {
		return nil, fmt.Errorf("listing quotes for %s: %w", fixtureID, err)
	}
	defer rows.Close()

	var out []*arbitrage.Quote
	for rows.Next() {
		var q arbitrage.Quote
		if err := rows.Scan(&q.FixtureID, &q.Bookmaker, &q.Market,
			&q.Outcome, &q.Odds, &q.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning quote: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// FixtureIDs returns every fixture with stored quotes.
func (s *QuoteStore) FixtureIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT fixture_id FROM quotes`)
	if err != nil {
		return nil, fmt.Errorf("listing quoted fixtures: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning fixture id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
