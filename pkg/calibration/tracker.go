// Package calibration aggregates settled-fixture outcomes into daily model
// quality metrics and enforces rollout gates.
package calibration

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Outcome is the realized match result.
type Outcome string

const (
	OutcomeHome Outcome = "H"
	OutcomeDraw Outcome = "D"
	OutcomeAway Outcome = "A"
)

// Event is one settled outcome record. Exactly one event exists per
// (fixture, model version).
type Event struct {
	FixtureID    string    `json:"fixture_id"`
	ModelVersion string    `json:"model_version"`
	PHome        float64   `json:"p_home"`
	PDraw        float64   `json:"p_draw"`
	PAway        float64   `json:"p_away"`
	Outcome      Outcome   `json:"outcome"`
	CreatedAt    time.Time `json:"created_at"`
}

// BrierContribution is the squared error between the predicted probability
// vector and the one-hot realized outcome.
func (e *Event) BrierContribution() float64 {
	oh, od, oa := 0.0, 0.0, 0.0
	switch e.Outcome {
	case OutcomeHome:
		oh = 1
	case OutcomeDraw:
		od = 1
	case OutcomeAway:
		oa = 1
	}
	return (e.PHome-oh)*(e.PHome-oh) + (e.PDraw-od)*(e.PDraw-od) + (e.PAway-oa)*(e.PAway-oa)
}

// Correct reports whether the argmax probability matches the outcome.
func (e *Event) Correct() bool {
	switch {
	case e.PHome >= e.PDraw && e.PHome >= e.PAway:
		return e.Outcome == OutcomeHome
	case e.PDraw >= e.PAway:
		return e.Outcome == OutcomeDraw
	default:
		return e.Outcome == OutcomeAway
	}
}

// DailyMetrics is the rollup for one model version and day. It is derived
// solely from events created on that day and is recomputable at any time.
type DailyMetrics struct {
	Day          time.Time `json:"day"`
	ModelVersion string    `json:"model_version"`
	Served       int       `json:"served"`
	Correct      int       `json:"correct"`
	BrierSum     float64   `json:"brier_sum"`
	ECE          float64   `json:"ece"`
}

// Accuracy is the fraction of events whose argmax matched the outcome.
func (d *DailyMetrics) Accuracy() float64 {
	if d.Served == 0 {
		return 0
	}
	return float64(d.Correct) / float64(d.Served)
}

// EventStore persists calibration events.
type EventStore interface {
	// Insert adds an event; inserting a second event for the same
	// (fixture, model version) is an error.
	Insert(ctx context.Context, e *Event) error
	// List returns events for a version with CreatedAt in [from, to).
	List(ctx context.Context, modelVersion string, from, to time.Time) ([]*Event, error)
}

// eceBuckets is the decile count used for expected calibration error.
const eceBuckets = 10

// computeECE expands each event into its three (predicted probability,
// realized) pairs, buckets them by predicted probability, and returns the
// count-weighted average absolute gap between mean confidence and realized
// frequency per bucket.
func computeECE(events []*Event) float64 {
	type bucket struct {
		n    int
		pSum float64
		hits float64
	}
	var buckets [eceBuckets]bucket

	observe := func(p float64, hit bool) {
		idx := int(p * eceBuckets)
		if idx >= eceBuckets {
			idx = eceBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].n++
		buckets[idx].pSum += p
		if hit {
			buckets[idx].hits++
		}
	}

	total := 0
	for _, e := range events {
		observe(e.PHome, e.Outcome == OutcomeHome)
		observe(e.PDraw, e.Outcome == OutcomeDraw)
		observe(e.PAway, e.Outcome == OutcomeAway)
		total += 3
	}
	if total == 0 {
		return 0
	}

	ece := 0.0
	for _, b := range buckets {
		if b.n == 0 {
			continue
		}
		conf := b.pSum / float64(b.n)
		acc := b.hits / float64(b.n)
		gap := conf - acc
		if gap < 0 {
			gap = -gap
		}
		ece += float64(b.n) / float64(total) * gap
	}
	return ece
}

// Rollup derives DailyMetrics from a day's events.
func Rollup(modelVersion string, day time.Time, events []*Event) *DailyMetrics {
	dm := &DailyMetrics{
		Day:          day.UTC().Truncate(24 * time.Hour),
		ModelVersion: modelVersion,
	}
	for _, e := range events {
		dm.Served++
		if e.Correct() {
			dm.Correct++
		}
		dm.BrierSum += e.BrierContribution()
	}
	dm.ECE = computeECE(events)
	return dm
}

// MemoryEventStore is an in-process EventStore.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []*Event
	seen   map[string]struct{}
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]struct{})}
}

// Insert adds an event, rejecting duplicates per (fixture, model version).
func (s *MemoryEventStore) Insert(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.FixtureID + "|" + e.ModelVersion
	if _, dup := s.seen[key]; dup {
		return fmt.Errorf("calibration event already recorded for fixture %s model %s",
			e.FixtureID, e.ModelVersion)
	}
	s.seen[key] = struct{}{}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// List returns events for a version created in [from, to).
func (s *MemoryEventStore) List(_ context.Context, modelVersion string, from, to time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events {
		if e.ModelVersion != modelVersion {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
