package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golexhq/prediction-engine/pkg/registry"
)

// RegistryStore is the postgres-backed registry.Store.
type RegistryStore struct {
	db *sql.DB
}

// NewRegistryStore creates a registry store over the given database.
func NewRegistryStore(db *sql.DB) *RegistryStore {
	return &RegistryStore{db: db}
}

// Insert adds a version. The (name, version) unique constraint rejects
// duplicates.
func (s *RegistryStore) Insert(ctx context.Context, mv *registry.ModelVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_versions
			(id, name, version, trained_at, accuracy, log_loss, brier_score,
			 is_active, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		mv.ID, mv.Name, mv.Version, mv.TrainedAt,
		mv.Accuracy, mv.LogLoss, mv.BrierScore,
		mv.IsActive, mv.Notes, mv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting model version %s: %w", mv.Key(), err)
	}
	return nil
}

const modelColumns = `id, name, version, trained_at, accuracy, log_loss,
	brier_score, is_active, notes, created_at`

func scanModel(row interface{ Scan(...any) error }) (*registry.ModelVersion, error) {
	var mv registry.ModelVersion
	var trainedAt sql.NullTime
	err := row.Scan(&mv.ID, &mv.Name, &mv.Version, &trainedAt,
		&mv.Accuracy, &mv.LogLoss, &mv.BrierScore,
		&mv.IsActive, &mv.Notes, &mv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if trainedAt.Valid {
		mv.TrainedAt = trainedAt.Time
	}
	return &mv, nil
}

// Get returns a version by id.
func (s *RegistryStore) Get(ctx context.Context, id string) (*registry.ModelVersion, error) {
	mv, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_versions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s: %w", id, registry.ErrModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading model version %s: %w", id, err)
	}
	return mv, nil
}

// GetActive returns the active version for a name.
func (s *RegistryStore) GetActive(ctx context.Context, name string) (*registry.ModelVersion, error) {
	mv, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_versions WHERE name = $1 AND is_active`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active version for %s: %w", name, registry.ErrModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading active version for %s: %w", name, err)
	}
	return mv, nil
}

// List returns all versions for a name, newest first.
func (s *RegistryStore) List(ctx context.Context, name string) ([]*registry.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM model_versions
		 WHERE name = $1 ORDER BY created_at DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions for %s: %w", name, err)
	}
	defer rows.Close()

	var out []*registry.ModelVersion
	for rows.Next() {
		mv, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning model version: %w", err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

// Promote flips is_active to the given version inside one transaction, so no
// reader ever observes two active versions for a name.
func (s *RegistryStore) Promote(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning promote tx: %w", err)
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx,
		`SELECT name FROM model_versions WHERE id = $1 FOR UPDATE`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %s: %w", id, registry.ErrModelNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolving version %s: %w", id, err)
	}

	// Deactivate first, then activate, keeping the partial unique index on
	// (name) WHERE is_active satisfied at every point in the transaction.
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET is_active = FALSE WHERE name = $1 AND is_active`,
		name); err != nil {
		return fmt.Errorf("deactivating prior version of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET is_active = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("activating version %s: %w", id, err)
	}
	return tx.Commit()
}
