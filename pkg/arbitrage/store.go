package arbitrage

import (
	"context"
	"sync"
)

// MemoryQuoteStore is an in-process QuoteSource fed by ingestion. An upsert
// with an older timestamp than the stored quote is ignored.
type MemoryQuoteStore struct {
	mu     sync.RWMutex
	quotes map[string]map[quoteKey]*Quote // fixture -> quote
}

type quoteKey struct {
	bookmaker string
	market    string
	outcome   string
}

// NewMemoryQuoteStore creates an empty quote store.
func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]map[quoteKey]*Quote)}
}

// Upsert stores the quote unless a newer one exists for the same
// (fixture, bookmaker, market, outcome).
func (s *MemoryQuoteStore) Upsert(_ context.Context, q *Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.quotes[q.FixtureID]
	if !ok {
		byKey = make(map[quoteKey]*Quote)
		s.quotes[q.FixtureID] = byKey
	}
	k := quoteKey{q.Bookmaker, q.Market, q.Outcome}
	if prev, ok := byKey[k]; ok && !q.Timestamp.After(prev.Timestamp) {
		return nil
	}
	cp := *q
	byKey[k] = &cp
	return nil
}

// Quotes returns all stored quotes for a fixture.
func (s *MemoryQuoteStore) Quotes(_ context.Context, fixtureID string) ([]*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Quote
	for _, q := range s.quotes[fixtureID] {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

// FixtureIDs returns every fixture with at least one quote.
func (s *MemoryQuoteStore) FixtureIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.quotes))
	for id := range s.quotes {
		out = append(out, id)
	}
	return out, nil
}
