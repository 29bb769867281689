package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golexhq/prediction-engine/pkg/split"
)

// AssignmentStore is the postgres-backed split.AssignmentStore. Stickiness
// across replicas comes from the device_id primary key: concurrent first
// assignments race on the insert and every contender reads back the one row
// that won.
type AssignmentStore struct {
	db *sql.DB
}

// NewAssignmentStore creates an assignment store over the given database.
func NewAssignmentStore(db *sql.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

// Get returns the stored assignment for a device, if any.
func (s *AssignmentStore) Get(ctx context.Context, deviceID string) (*split.Assignment, bool, error) {
	var a split.Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, bucket, assigned_at FROM ab_assignments WHERE device_id = $1`,
		deviceID).Scan(&a.DeviceID, &a.Bucket, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading assignment for %s: %w", deviceID, err)
	}
	return &a, true, nil
}

// PutIfAbsent inserts the assignment unless one exists, then returns the
// winning row either way.
func (s *AssignmentStore) PutIfAbsent(ctx context.Context, a *split.Assignment) (*split.Assignment, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ab_assignments (device_id, bucket, assigned_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (device_id) DO NOTHING`,
		a.DeviceID, a.Bucket, a.AssignedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting assignment for %s: %w", a.DeviceID, err)
	}

	stored, ok, err := s.Get(ctx, a.DeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("assignment for %s vanished after insert", a.DeviceID)
	}
	return stored, nil
}

// Delete clears a device's assignment.
func (s *AssignmentStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ab_assignments WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("deleting assignment for %s: %w", deviceID, err)
	}
	return nil
}

// ConfigStore is the postgres-backed split.ConfigStore. The policy lives in a
// single row shared by all replicas.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a config store over the given database.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// Get returns the current policy, or the zero policy when none is stored.
func (s *ConfigStore) Get(ctx context.Context) (split.Config, error) {
	var cfg split.Config
	err := s.db.QueryRowContext(ctx,
		`SELECT canary_percentage, canary_version, salt FROM ab_config`).
		Scan(&cfg.CanaryPercentage, &cfg.CanaryVersion, &cfg.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return split.Config{}, nil
	}
	if err != nil {
		return split.Config{}, fmt.Errorf("loading canary config: %w", err)
	}
	return cfg, nil
}

// Set replaces the policy.
func (s *ConfigStore) Set(ctx context.Context, cfg split.Config) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ab_config (singleton, canary_percentage, canary_version, salt, updated_at)
		 VALUES (TRUE, $1, $2, $3, now())
		 ON CONFLICT (singleton) DO UPDATE SET
			canary_percentage = EXCLUDED.canary_percentage,
			canary_version    = EXCLUDED.canary_version,
			salt              = EXCLUDED.salt,
			updated_at        = now()`,
		cfg.CanaryPercentage, cfg.CanaryVersion, cfg.Salt)
	if err != nil {
		return fmt.Errorf("storing canary config: %w", err)
	}
	return nil
}
