package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golexhq/prediction-engine/pkg/shadow"
)

// stubShadowLog mimics the store-backed recent view used in postgres mode.
type stubShadowLog struct {
	entries []*shadow.LogEntry
	err     error
}

func (s stubShadowLog) Recent(_ context.Context, n int) ([]*shadow.LogEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	return s.entries[:n], nil
}

func TestHandleShadowRecent_ServesStoreEntries(t *testing.T) {
	kl := 0.012
	d := &daemon{shadowLog: stubShadowLog{entries: []*shadow.LogEntry{{
		ID:            "e1",
		FixtureID:     "fx-1",
		ProdVersion:   "poisson_dc@1.0.0",
		CanaryVersion: "poisson_dc@1.1.0",
		L1:            0.04,
		KL:            &kl,
		CreatedAt:     time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC),
	}}}}

	rec := httptest.NewRecorder()
	d.handleShadowRecent(rec, httptest.NewRequest(http.MethodGet, "/shadow/recent", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []*shadow.LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].FixtureID != "fx-1" {
		t.Fatalf("got %+v, want the stored entry", got)
	}
	if got[0].KL == nil || *got[0].KL != kl {
		t.Errorf("KL = %v, want %v", got[0].KL, kl)
	}
}

func TestHandleShadowRecent_StoreFailure(t *testing.T) {
	d := &daemon{shadowLog: stubShadowLog{err: errors.New("connection refused")}}

	rec := httptest.NewRecorder()
	d.handleShadowRecent(rec, httptest.NewRequest(http.MethodGet, "/shadow/recent", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleShadowRecent_EmptyLogIsJSONArray(t *testing.T) {
	sink := shadow.NewMemorySink(8)
	d := &daemon{shadowLog: memoryShadowLog{sink: sink}}

	rec := httptest.NewRecorder()
	d.handleShadowRecent(rec, httptest.NewRequest(http.MethodGet, "/shadow/recent", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}
