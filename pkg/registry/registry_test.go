package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(NewMemoryStore())
}

func register(t *testing.T, r *Registry, name, version string) *ModelVersion {
	t.Helper()
	mv := &ModelVersion{
		Name:      name,
		Version:   version,
		TrainedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Accuracy:  0.52,
	}
	if err := r.Register(context.Background(), mv); err != nil {
		t.Fatalf("Register %s@%s: %v", name, version, err)
	}
	return mv
}

func TestRegistry_RegisterIsInactive(t *testing.T) {
	r := newTestRegistry()
	mv := register(t, r, "poisson_dc", "1.0.0")

	got, err := r.Get(context.Background(), mv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsActive {
		t.Error("freshly registered version must be inactive")
	}

	if _, err := r.GetActive(context.Background(), "poisson_dc"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("GetActive with no promotion = %v, want ErrModelNotFound", err)
	}
}

func TestRegistry_DuplicateVersionRejected(t *testing.T) {
	r := newTestRegistry()
	register(t, r, "poisson_dc", "1.0.0")

	err := r.Register(context.Background(), &ModelVersion{Name: "poisson_dc", Version: "1.0.0"})
	if err == nil {
		t.Fatal("duplicate version string for same name should be rejected")
	}
}

func TestRegistry_PromoteSwapsActive(t *testing.T) {
	r := newTestRegistry()
	v1 := register(t, r, "poisson_dc", "1.0.0")
	v2 := register(t, r, "poisson_dc", "1.1.0")

	ctx := context.Background()
	if err := r.Promote(ctx, v1.ID); err != nil {
		t.Fatalf("Promote v1: %v", err)
	}
	active, err := r.GetActive(ctx, "poisson_dc")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != v1.ID {
		t.Fatalf("active = %s, want %s", active.Version, v1.Version)
	}

	if err := r.Promote(ctx, v2.ID); err != nil {
		t.Fatalf("Promote v2: %v", err)
	}
	active, err = r.GetActive(ctx, "poisson_dc")
	if err != nil {
		t.Fatalf("GetActive after swap: %v", err)
	}
	if active.ID != v2.ID {
		t.Errorf("active = %s, want %s", active.Version, v2.Version)
	}

	// Promotion keeps history.
	all, err := r.List(ctx, "poisson_dc")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d versions, want 2", len(all))
	}
}

func TestRegistry_ConcurrentPromotionsNeverTwoActive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	ids := make([]string, 5)
	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0", "1.4.0"} {
		ids[i] = register(t, r, "poisson_dc", v).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := r.Promote(ctx, id); err != nil {
					t.Errorf("Promote: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	activeCount := 0
	for _, mv := range listAll(t, r, "poisson_dc") {
		if mv.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active versions = %d, want exactly 1", activeCount)
	}
}

func TestRegistry_PromoteUnknownVersion(t *testing.T) {
	r := newTestRegistry()
	if err := r.Promote(context.Background(), "nope"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Promote unknown = %v, want ErrModelNotFound", err)
	}
}

func listAll(t *testing.T, r *Registry, name string) []*ModelVersion {
	t.Helper()
	all, err := r.List(context.Background(), name)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return all
}
