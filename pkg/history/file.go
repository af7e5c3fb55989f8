package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metaboflow/metaboflow/pkg/errors"
)

const recordExt = ".run.json"

// FileStore persists run records as JSON files, one per run, in a
// single directory. Writes go through a temp file and rename so a
// crashed process never leaves a half-written record.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeHistorySave, "creating history directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+recordExt)
}

func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "encoding run record")
	}

	tmp := s.path(rec.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "writing run record")
	}
	if err := os.Rename(tmp, s.path(rec.RunID)); err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "committing run record")
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, runID string) (*Record, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "reading run record").
			WithContext("runId", runID)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "decoding run record").
			WithContext("runId", runID)
	}
	return &rec, nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "listing history directory")
	}

	var recs []*Record
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		recs = append(recs, &rec)
	}

	sortNewestFirst(recs)
	return clip(recs, limit), nil
}

func (s *FileStore) Delete(_ context.Context, runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CodeHistorySave, "deleting run record").
			WithContext("runId", runID)
	}
	return nil
}

func (s *FileStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	recs, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, rec := range recs {
		if rec.CompletedAt.Before(cutoff) {
			if os.Remove(s.path(rec.RunID)) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *FileStore) Name() string { return "file" }
