package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "db", "runs.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "runs.db")

	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := New(filepath.Join(blocker, "runs.db"))
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}

	empty := &Store{}
	if err := empty.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestRecordRun_GetRuns(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := RunRecord{
			ModelName:   "ctr",
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			MetricName:  "areaUnderROC",
			MetricValue: 0.6 + float64(i)/100,
			Params:      RunParams{DataSize: "sample", NumLeaves: 32},
			StageSeconds: map[string]float64{
				"train": float64(i),
			},
		}
		if err := store.RecordRun(rec); err != nil {
			t.Fatalf("Failed to record run %d: %v", i, err)
		}
	}
	if err := store.RecordRun(RunRecord{ModelName: "ctr_v2", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Failed to record other model: %v", err)
	}

	runs, err := store.GetRuns("ctr", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Failed to get runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	for i, r := range runs {
		want := base.Add(time.Duration(i+1) * time.Hour)
		if !r.Timestamp.Equal(want) {
			t.Errorf("Run %d: expected timestamp %v, got %v", i, want, r.Timestamp)
		}
		if r.ModelName != "ctr" {
			t.Errorf("Run %d: expected model ctr, got %s", i, r.ModelName)
		}
	}
	if runs[0].StageSeconds["train"] != 1 {
		t.Errorf("Expected train seconds 1, got %v", runs[0].StageSeconds["train"])
	}

	none, err := store.GetRuns("missing", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to query missing model: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no runs, got %d", len(none))
	}
}

func TestRecordRun_RequiresModelName(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordRun(RunRecord{Timestamp: time.Now()}); err == nil {
		t.Error("Expected error for empty model name")
	}
}

func TestLatestRun(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LatestRun("ctr"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, auc := range []float64{0.61, 0.66, 0.64} {
		rec := RunRecord{ModelName: "ctr", Timestamp: base.Add(time.Duration(i) * time.Minute), MetricValue: auc}
		if err := store.RecordRun(rec); err != nil {
			t.Fatal(err)
		}
	}
	// a later run of another model sorting right after this one's keys
	if err := store.RecordRun(RunRecord{ModelName: "ctr_v2", Timestamp: base.Add(time.Hour), MetricValue: 0.9}); err != nil {
		t.Fatal(err)
	}

	latest, err := store.LatestRun("ctr")
	if err != nil {
		t.Fatalf("Failed to get latest run: %v", err)
	}
	if latest.MetricValue != 0.64 {
		t.Errorf("Expected latest metric 0.64, got %v", latest.MetricValue)
	}

	other, err := store.LatestRun("ctr_v2")
	if err != nil {
		t.Fatalf("Failed to get latest run of second model: %v", err)
	}
	if other.MetricValue != 0.9 {
		t.Errorf("Expected 0.9, got %v", other.MetricValue)
	}
}

func TestRecordFailure(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	err := store.RecordFailure(FailureRecord{ModelName: "ctr", Timestamp: now, Stage: "load", Kind: "resource", Error: "boom"})
	if err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}

	failures, err := store.GetFailures("ctr", now.Add(-time.Second), now.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Stage != "load" {
		t.Fatalf("Unexpected failures: %+v", failures)
	}

	if _, err := store.LatestRun("ctr"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Failures must not count as runs, got %v", err)
	}
}
