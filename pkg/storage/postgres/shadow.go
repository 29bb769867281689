package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golexhq/prediction-engine/pkg/shadow"
)

// ShadowSink is the postgres-backed shadow.Sink. Probability surfaces are
// stored as JSONB so divergence analysis can query individual markets.
type ShadowSink struct {
	db *sql.DB
	// retention bounds the log; Prune deletes older rows.
	retention time.Duration
}

// NewShadowSink creates a sink over the given database. Retention defaults to
// 30 days.
func NewShadowSink(db *sql.DB, retention time.Duration) *ShadowSink {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ShadowSink{db: db, retention: retention}
}

// Write persists one comparison entry.
func (s *ShadowSink) Write(ctx context.Context, entry *shadow.LogEntry) error {
	prodProbs, err := json.Marshal(entry.ProdProbs)
	if err != nil {
		return fmt.Errorf("encoding prod probs: %w", err)
	}
	canaryProbs, err := json.Marshal(entry.CanaryProbs)
	if err != nil {
		return fmt.Errorf("encoding canary probs: %w", err)
	}

	var kl sql.NullFloat64
	if entry.KL != nil {
		kl = sql.NullFloat64{Float64: *entry.KL, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shadow_logs
			(id, fixture_id, prod_version, canary_version,
			 prod_probs, canary_probs, l1, kl, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.FixtureID, entry.ProdVersion, entry.CanaryVersion,
		prodProbs, canaryProbs, entry.L1, kl, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting shadow log for %s: %w", entry.FixtureID, err)
	}
	return nil
}

// Recent returns up to n newest entries, newest last.
func (s *ShadowSink) Recent(ctx context.Context, n int) ([]*shadow.LogEntry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fixture_id, prod_version, canary_version,
		       prod_probs, canary_probs, l1, kl, created_at
		FROM shadow_logs ORDER BY created_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("listing shadow logs: %w", err)
	}
	defer rows.Close()

	var out []*shadow.LogEntry
	for rows.Next() {
		var entry shadow.LogEntry
		var prodProbs, canaryProbs []byte
		var kl sql.NullFloat64
		if err := rows.Scan(&entry.ID, &entry.FixtureID,
			&entry.ProdVersion, &entry.CanaryVersion,
			&prodProbs, &canaryProbs, &entry.L1, &kl, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning shadow log: %w", err)
		}
		if err := json.Unmarshal(prodProbs, &entry.ProdProbs); err != nil {
			return nil, fmt.Errorf("decoding prod probs: %w", err)
		}
		if err := json.Unmarshal(canaryProbs, &entry.CanaryProbs); err != nil {
			return nil, fmt.Errorf("decoding canary probs: %w", err)
		}
		if kl.Valid {
			v := kl.Float64
			entry.KL = &v
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest last, matching the in-memory sink.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes entries older than the retention window and returns the
// number removed.
func (s *ShadowSink) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM shadow_logs WHERE created_at < $1`,
		time.Now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("pruning shadow logs: %w", err)
	}
	return res.RowsAffected()
}
