// Package history persists workflow run records so past analyses can be
// listed, inspected, and pruned. Records are compact: they carry the
// audit trail and summary of a run, never the processed spectra.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

// Record is one persisted workflow run.
type Record struct {
	RunID       string                 `json:"runId"`
	SourceFiles []string               `json:"sourceFiles,omitempty"`
	Steps       []stages.StepConfig    `json:"steps"`
	Results     []workflow.StageResult `json:"results"`
	Summary     workflow.Summary       `json:"summary"`
	Success     bool                   `json:"success"`
	Canceled    bool                   `json:"canceled,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt time.Time              `json:"completedAt"`
}

// NewRecord builds a history record from a finished run.
func NewRecord(res *workflow.RunResult, steps []stages.StepConfig, sourceFiles []string) *Record {
	return &Record{
		RunID:       res.RunID,
		SourceFiles: sourceFiles,
		Steps:       steps,
		Results:     res.Results,
		Summary:     res.Summary,
		Success:     res.Success,
		Canceled:    res.Canceled,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
}

// Store is the interface run history backends implement.
type Store interface {
	// Save persists a run record.
	Save(ctx context.Context, rec *Record) error

	// Load retrieves one record by run ID.
	Load(ctx context.Context, runID string) (*Record, error)

	// List returns records sorted newest first.
	List(ctx context.Context, limit int) ([]*Record, error)

	// Delete removes one record.
	Delete(ctx context.Context, runID string) error

	// Prune removes records older than maxAge, returning the count.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)

	// Name identifies the backend for logging.
	Name() string
}

// ErrNotFound is returned when a run ID has no record.
var ErrNotFound = errors.New(errors.CodeHistoryLoad, "run record not found")

func sortNewestFirst(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}

func clip(recs []*Record, limit int) []*Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

// MemoryStore keeps records in process memory. Used by the server for
// its in-session run list and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.RunID] = &cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		recs = append(recs, &cp)
	}
	sortNewestFirst(recs)
	return clip(recs, limit), nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runID)
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, r := range s.records {
		if r.CompletedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Name() string { return "memory" }

// MultiStore writes to a primary and, best-effort, to a secondary.
// Reads fall back to the secondary when the primary misses.
type MultiStore struct {
	primary   Store
	secondary Store
}

// NewMultiStore creates a redundant store pair.
func NewMultiStore(primary, secondary Store) *MultiStore {
	return &MultiStore{primary: primary, secondary: secondary}
}

func (m *MultiStore) Save(ctx context.Context, rec *Record) error {
	if err := m.primary.Save(ctx, rec); err != nil {
		return err
	}
	// Secondary is best-effort.
	_ = m.secondary.Save(ctx, rec)
	return nil
}

func (m *MultiStore) Load(ctx context.Context, runID string) (*Record, error) {
	rec, err := m.primary.Load(ctx, runID)
	if err == nil {
		return rec, nil
	}
	return m.secondary.Load(ctx, runID)
}

func (m *MultiStore) List(ctx context.Context, limit int) ([]*Record, error) {
	return m.primary.List(ctx, limit)
}

func (m *MultiStore) Delete(ctx context.Context, runID string) error {
	err1 := m.primary.Delete(ctx, runID)
	err2 := m.secondary.Delete(ctx, runID)
	if err1 != nil {
		return err1
	}
	return err2
}

func (m *MultiStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := m.primary.Prune(ctx, maxAge)
	m.secondary.Prune(ctx, maxAge)
	return n, err
}

func (m *MultiStore) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}
