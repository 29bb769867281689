package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/golexhq/prediction-engine/pkg/calibration"
)

// uniqueViolation is the postgres error code for duplicate-key inserts.
const uniqueViolation = "23505"

// EventStore is the postgres-backed calibration.EventStore. The composite
// primary key enforces one event per (fixture, model version).
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store over the given database.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Insert adds an event, rejecting duplicates per (fixture, model version).
func (s *EventStore) Insert(ctx context.Context, e *calibration.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_events
			(fixture_id, model_version, p_home, p_draw, p_away, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.FixtureID, e.ModelVersion, e.PHome, e.PDraw, e.PAway,
		string(e.Outcome), e.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("calibration event already recorded for fixture %s model %s",
			e.FixtureID, e.ModelVersion)
	}
	if err != nil {
		return fmt.Errorf("inserting calibration event: %w", err)
	}
	return nil
}

// List returns events for a version with created_at in [from, to).
func (s *EventStore) List(ctx context.Context, modelVersion string, from, to time.Time) ([]*calibration.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fixture_id, model_version, p_home, p_draw, p_away, outcome, created_at
		FROM calibration_events
		WHERE model_version = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		modelVersion, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing calibration events for %s: %w", modelVersion, err)
	}
	defer rows.Close()

	var out []*calibration.Event
	for rows.Next() {
		var e calibration.Event
		var outcome string
		if err := rows.Scan(&e.FixtureID, &e.ModelVersion,
			&e.PHome, &e.PDraw, &e.PAway, &outcome, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning calibration event: %w", err)
		}
		e.Outcome = calibration.Outcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}
