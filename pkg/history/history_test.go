package history

import (
	"context"
	"testing"
	"time"

	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

func record(id string, started time.Time) *Record {
	return &Record{
		RunID: id,
		Steps: []stages.StepConfig{
			{ID: "s1", Type: stages.StepPeakDetection, Name: "peak_detection"},
		},
		Results: []workflow.StageResult{
			{StepID: "s1", StepType: stages.StepPeakDetection, Success: true},
		},
		Summary:     workflow.Summary{PeaksDetected: 42},
		Success:     true,
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
	}
}

func testStores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := record("run-1", time.Now())
			if err := store.Save(ctx, rec); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.Load(ctx, "run-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.RunID != "run-1" || !got.Success || got.Summary.PeaksDetected != 42 {
				t.Errorf("loaded record = %+v", got)
			}
			if len(got.Results) != 1 || got.Results[0].StepType != stages.StepPeakDetection {
				t.Errorf("results = %+v", got.Results)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"old", "mid", "new"} {
				if err := store.Save(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
					t.Fatalf("save %s: %v", id, err)
				}
			}

			recs, err := store.List(ctx, 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 3 {
				t.Fatalf("got %d records, want 3", len(recs))
			}
			if recs[0].RunID != "new" || recs[2].RunID != "old" {
				t.Errorf("order = %s, %s, %s", recs[0].RunID, recs[1].RunID, recs[2].RunID)
			}

			limited, err := store.List(ctx, 2)
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 2 || limited[0].RunID != "new" {
				t.Errorf("limited = %+v", limited)
			}
		})
	}
}

func TestDeleteAndPrune(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store.Save(ctx, record("stale", time.Now().Add(-48*time.Hour)))
			store.Save(ctx, record("fresh", time.Now()))

			if err := store.Delete(ctx, "missing"); err != nil {
				t.Errorf("deleting absent record should be a no-op: %v", err)
			}

			n, err := store.Prune(ctx, 24*time.Hour)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Errorf("pruned %d records, want 1", n)
			}
			if _, err := store.Load(ctx, "stale"); !errors.Is(err, ErrNotFound) {
				t.Errorf("stale record survived prune: %v", err)
			}
			if _, err := store.Load(ctx, "fresh"); err != nil {
				t.Errorf("fresh record pruned: %v", err)
			}
		})
	}
}

func TestMultiStoreFallback(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	multi := NewMultiStore(primary, secondary)

	rec := record("run-1", time.Now())
	if err := multi.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Both stores got the write.
	if _, err := secondary.Load(ctx, "run-1"); err != nil {
		t.Errorf("secondary missed the write: %v", err)
	}

	// When the primary loses the record, reads fall back.
	primary.Delete(ctx, "run-1")
	got, err := multi.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("fallback load: %v", err)
	}
	if got.RunID != "run-1" {
		t.Errorf("record = %+v", got)
	}

	if multi.Name() != "memory+memory" {
		t.Errorf("name = %q", multi.Name())
	}
}

func TestNewRecordFromRunResult(t *testing.T) {
	res := &workflow.RunResult{
		RunID:   "run-9",
		Success: true,
		Results: []workflow.StageResult{
			{StepID: "s1", StepType: stages.StepPeakDetection, Success: true},
		},
		Summary:     workflow.Summary{PeaksDetected: 7},
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
	}
	steps := []stages.StepConfig{{ID: "s1", Type: stages.StepPeakDetection}}

	rec := NewRecord(res, steps, []string{"a.mzML", "b.mzML"})
	if rec.RunID != "run-9" || !rec.Success {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.SourceFiles) != 2 || rec.SourceFiles[0] != "a.mzML" {
		t.Errorf("sourceFiles = %v", rec.SourceFiles)
	}
	if rec.Summary.PeaksDetected != 7 {
		t.Errorf("summary = %+v", rec.Summary)
	}
}
