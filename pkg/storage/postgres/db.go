// Package postgres persists the engine's governance and telemetry state:
// model versions, sticky bucket assignments, shadow logs, calibration events
// and bookmaker quotes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS model_versions (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		version      TEXT NOT NULL,
		trained_at   TIMESTAMPTZ,
		accuracy     DOUBLE PRECISION NOT NULL DEFAULT 0,
		log_loss     DOUBLE PRECISION NOT NULL DEFAULT 0,
		brier_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_active    BOOLEAN NOT NULL DEFAULT FALSE,
		notes        TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (name, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS model_versions_one_active
		ON model_versions (name) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS ab_assignments (
		device_id    TEXT PRIMARY KEY,
		bucket       TEXT NOT NULL,
		assigned_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ab_config (
		singleton          BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
		canary_percentage  INT NOT NULL DEFAULT 0,
		canary_version     TEXT NOT NULL DEFAULT '',
		salt               TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS shadow_logs (
		id              TEXT PRIMARY KEY,
		fixture_id      TEXT NOT NULL,
		prod_version    TEXT NOT NULL,
		canary_version  TEXT NOT NULL,
		prod_probs      JSONB NOT NULL,
		canary_probs    JSONB NOT NULL,
		l1              DOUBLE PRECISION NOT NULL,
		kl              DOUBLE PRECISION,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shadow_logs_created
		ON shadow_logs (created_at)`,

	`CREATE TABLE IF NOT EXISTS calibration_events (
		fixture_id     TEXT NOT NULL,
		model_version  TEXT NOT NULL,
		p_home         DOUBLE PRECISION NOT NULL,
		p_draw         DOUBLE PRECISION NOT NULL,
		p_away         DOUBLE PRECISION NOT NULL,
		outcome        TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (fixture_id, model_version)
	)`,
	`CREATE INDEX IF NOT EXISTS calibration_events_version_created
		ON calibration_events (model_version, created_at)`,

	`CREATE TABLE IF NOT EXISTS quotes (
		fixture_id  TEXT NOT NULL,
		bookmaker   TEXT NOT NULL,
		market      TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		odds        NUMERIC(10,4) NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (fixture_id, bookmaker, market, outcome)
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
