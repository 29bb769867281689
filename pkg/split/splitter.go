// Package split deterministically assigns callers to A/B buckets for canary
// model rollout.
package split

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Bucket identifies which model output a caller receives.
type Bucket string

const (
	// BucketA receives the active production model.
	BucketA Bucket = "A"
	// BucketB receives the canary model.
	BucketB Bucket = "B"
)

// Config is the global canary routing policy. It is process-wide state
// mutated only by explicit administrative action, never by request handling.
type Config struct {
	// CanaryPercentage routes hash buckets [0, pct) to the canary, 0-100.
	CanaryPercentage int `json:"canary_percentage" yaml:"canary_percentage"`
	// CanaryVersion is the name@version served to bucket B. Empty means no
	// canary: all traffic routes to the active model.
	CanaryVersion string `json:"canary_version" yaml:"canary_version"`
	// Salt is mixed into the device hash so bucket boundaries can be
	// reshuffled deliberately without changing device identifiers.
	Salt string `json:"salt" yaml:"salt"`
}

// Enabled reports whether canary routing is in effect.
func (c Config) Enabled() bool {
	return c.CanaryVersion != "" && c.CanaryPercentage > 0
}

// Assignment is a sticky per-device bucket record.
type Assignment struct {
	DeviceID   string    `json:"device_id"`
	Bucket     Bucket    `json:"bucket"`
	AssignedAt time.Time `json:"assigned_at"`
}

// AssignmentStore persists sticky assignments. PutIfAbsent must be a
// conflict-free insert-if-absent: under concurrent calls for one device it
// returns the single stored row, never two different ones.
type AssignmentStore interface {
	Get(ctx context.Context, deviceID string) (*Assignment, bool, error)
	PutIfAbsent(ctx context.Context, a *Assignment) (*Assignment, error)
	// Delete clears an assignment so the device is re-bucketed on its next
	// request. Administrative use only.
	Delete(ctx context.Context, deviceID string) error
}

// Splitter computes and persists deterministic bucket assignments.
type Splitter struct {
	store AssignmentStore
	now   func() time.Time
}

// NewSplitter creates a splitter over the given assignment store.
func NewSplitter(store AssignmentStore) *Splitter {
	return &Splitter{store: store, now: time.Now}
}

// WithClock overrides the splitter clock. Tests only.
func (s *Splitter) WithClock(now func() time.Time) *Splitter {
	s.now = now
	return s
}

// HashBucket reduces a device identifier to [0, 100) with a stable,
// well-distributed hash. Reproducible across process restarts by
// construction: no randomness, no process state.
func HashBucket(salt, deviceID string) int {
	return int(xxhash.Sum64String(salt+":"+deviceID) % 100)
}

// Assign returns the bucket for a device under the given config.
//
// The bucket derives from HashBucket(deviceID) compared against the canary
// percentage, so raising the percentage from p1 to p2 only moves devices
// whose hash falls in [p1, p2) into the canary and never reshuffles others.
// The first computed assignment is persisted and returned from storage on
// later calls, so percentage changes never retroactively move an
// already-assigned device unless its record is explicitly cleared.
func (s *Splitter) Assign(ctx context.Context, deviceID string, cfg Config) (Bucket, error) {
	if deviceID == "" {
		return BucketA, fmt.Errorf("device id required")
	}
	if !cfg.Enabled() {
		return BucketA, nil
	}

	if existing, ok, err := s.store.Get(ctx, deviceID); err != nil {
		return BucketA, fmt.Errorf("reading assignment for %s: %w", deviceID, err)
	} else if ok {
		return existing.Bucket, nil
	}

	bucket := BucketA
	if HashBucket(cfg.Salt, deviceID) < cfg.CanaryPercentage {
		bucket = BucketB
	}

	stored, err := s.store.PutIfAbsent(ctx, &Assignment{
		DeviceID:   deviceID,
		Bucket:     bucket,
		AssignedAt: s.now(),
	})
	if err != nil {
		return BucketA, fmt.Errorf("persisting assignment for %s: %w", deviceID, err)
	}
	return stored.Bucket, nil
}

// Clear removes a device's sticky assignment.
func (s *Splitter) Clear(ctx context.Context, deviceID string) error {
	return s.store.Delete(ctx, deviceID)
}

// MemoryAssignmentStore is an in-process AssignmentStore.
type MemoryAssignmentStore struct {
	mu   sync.Mutex
	rows map[string]*Assignment
}

// NewMemoryAssignmentStore creates an empty in-memory assignment store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{rows: make(map[string]*Assignment)}
}

// Get returns the stored assignment for a device, if any.
func (m *MemoryAssignmentStore) Get(_ context.Context, deviceID string) (*Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[deviceID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// PutIfAbsent stores the assignment unless one already exists, and returns
// the winning row either way.
func (m *MemoryAssignmentStore) PutIfAbsent(_ context.Context, a *Assignment) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rows[a.DeviceID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *a
	m.rows[a.DeviceID] = &cp
	out := cp
	return &out, nil
}

// Delete removes a device's assignment.
func (m *MemoryAssignmentStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, deviceID)
	return nil
}

// ConfigStore holds the single canary routing policy row.
type ConfigStore interface {
	Get(ctx context.Context) (Config, error)
	Set(ctx context.Context, cfg Config) error
}

// MemoryConfigStore is an in-process ConfigStore.
type MemoryConfigStore struct {
	mu  sync.RWMutex
	cfg Config
}

// NewMemoryConfigStore creates a config store with the given initial policy.
func NewMemoryConfigStore(cfg Config) *MemoryConfigStore {
	return &MemoryConfigStore{cfg: cfg}
}

// Get returns the current policy.
func (m *MemoryConfigStore) Get(_ context.Context) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, nil
}

// Set replaces the policy.
func (m *MemoryConfigStore) Set(_ context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}
