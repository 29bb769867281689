// Package registry tracks deployable model versions and their lifecycle.
// Exactly one version per model name is active at any time; promotion is an
// atomic swap and never deletes history.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrModelNotFound means the requested model name or version is unknown.
var ErrModelNotFound = errors.New("model not found")

// ModelVersion is one deployable scoring model.
type ModelVersion struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`    // e.g. "poisson_dc"
	Version   string    `json:"version"` // unique per name, e.g. "1.2.0"
	TrainedAt time.Time `json:"trained_at"`

	// Offline evaluation metrics recorded at registration.
	Accuracy   float64 `json:"accuracy"`
	LogLoss    float64 `json:"log_loss"`
	BrierScore float64 `json:"brier_score"`

	IsActive  bool      `json:"is_active"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the name@version identifier served to callers.
func (m *ModelVersion) Key() string {
	return m.Name + "@" + m.Version
}

// Store persists model versions. Promote must be atomic: no reader may ever
// observe two active versions for one name.
type Store interface {
	Insert(ctx context.Context, mv *ModelVersion) error
	Get(ctx context.Context, id string) (*ModelVersion, error)
	GetActive(ctx context.Context, name string) (*ModelVersion, error)
	List(ctx context.Context, name string) ([]*ModelVersion, error)
	Promote(ctx context.Context, id string) error
}

// Registry is the model governance surface. It owns no request-path state;
// mutation happens only through Register and Promote.
type Registry struct {
	store Store
}

// New creates a registry over the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Register inserts a new, initially inactive, version.
func (r *Registry) Register(ctx context.Context, mv *ModelVersion) error {
	if mv.Name == "" || mv.Version == "" {
		return fmt.Errorf("model name and version required")
	}
	if mv.ID == "" {
		mv.ID = uuid.New().String()
	}
	mv.IsActive = false
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	if err := r.store.Insert(ctx, mv); err != nil {
		return fmt.Errorf("registering %s: %w", mv.Key(), err)
	}
	return nil
}

// GetActive returns the single active version for a model name.
func (r *Registry) GetActive(ctx context.Context, name string) (*ModelVersion, error) {
	return r.store.GetActive(ctx, name)
}

// Get returns a version by id.
func (r *Registry) Get(ctx context.Context, id string) (*ModelVersion, error) {
	return r.store.Get(ctx, id)
}

// List returns all versions registered under a name, newest first.
func (r *Registry) List(ctx context.Context, name string) ([]*ModelVersion, error) {
	return r.store.List(ctx, name)
}

// Promote atomically flips the active flag from the prior version of the
// same name to the given one. Under concurrent promotions the last writer
// wins; the superseded promotion's effects are replaced, never merged.
func (r *Registry) Promote(ctx context.Context, id string) error {
	if err := r.store.Promote(ctx, id); err != nil {
		return fmt.Errorf("promoting %s: %w", id, err)
	}
	return nil
}

// MemoryStore is an in-process Store. The single mutex makes Promote a
// transactional swap visible to all subsequent reads.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*ModelVersion
	versions map[string][]*ModelVersion // name -> insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*ModelVersion),
		versions: make(map[string][]*ModelVersion),
	}
}

// Insert adds a version. Version strings are unique per model name.
func (s *MemoryStore) Insert(_ context.Context, mv *ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions[mv.Name] {
		if existing.Version == mv.Version {
			return fmt.Errorf("version %s already registered for %s", mv.Version, mv.Name)
		}
	}

	cp := *mv
	s.byID[cp.ID] = &cp
	s.versions[cp.Name] = append(s.versions[cp.Name], &cp)
	return nil
}

// Get returns a version by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mv, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", id, ErrModelNotFound)
	}
	cp := *mv
	return &cp, nil
}

// GetActive returns the active version for a name.
func (s *MemoryStore) GetActive(_ context.Context, name string) (*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mv := range s.versions[name] {
		if mv.IsActive {
			cp := *mv
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no active version for %s: %w", name, ErrModelNotFound)
}

// List returns all versions for a name, newest first.
func (s *MemoryStore) List(_ context.Context, name string) ([]*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.versions[name]
	out := make([]*ModelVersion, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Promote flips is_active to the given version under one lock, so no reader
// observes two active versions.
func (s *MemoryStore) Promote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("version %s: %w", id, ErrModelNotFound)
	}
	for _, mv := range s.versions[target.Name] {
		mv.IsActive = mv.ID == id
	}
	return nil
}
