// Package watch monitors directories for new instrument files and
// triggers processing as they land.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors directories for mass-spec files. A file triggers
// OnFile after its writes have settled for the debounce interval, so a
// slow instrument upload fires once, not per chunk.
type Watcher struct {
	watcher    *fsnotify.Watcher
	extensions map[string]bool
	seen       map[string]*fileState
	mu         sync.RWMutex
	debounce   time.Duration

	OnFile  func(path string) error
	OnError func(path string, err error)
}

type fileState struct {
	lastModified time.Time
	size         int64
	processing   bool
}

// NewWatcher creates a watcher for the given file extensions
// (defaults to .mzml and .mzxml when none are given).
func NewWatcher(extensions ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	if len(extensions) == 0 {
		extensions = []string{".mzml", ".mzxml"}
	}
	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = true
	}

	return &Watcher{
		watcher:    fsWatcher,
		extensions: extSet,
		seen:       make(map[string]*fileState),
		debounce:   500 * time.Millisecond,
	}, nil
}

// Watch adds a directory to the watch set.
func (w *Watcher) Watch(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving watch path: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil {
		return fmt.Errorf("stating watch path: %w", err)
	} else if !stat.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", dir)
	}
	return w.watcher.Add(absDir)
}

// SetDebounce overrides the settle interval.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks dispatching file events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	debounceTimers := make(map[string]*time.Timer)
	var timerMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			absPath, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if !w.extensions[strings.ToLower(filepath.Ext(absPath))] {
				continue
			}

			timerMu.Lock()
			if timer, exists := debounceTimers[absPath]; exists {
				timer.Stop()
			}
			debounceTimers[absPath] = time.AfterFunc(w.debounce, func() {
				w.handleFile(absPath)
			})
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError("", err)
			}
		}
	}
}

func (w *Watcher) handleFile(path string) {
	w.mu.Lock()
	state, known := w.seen[path]
	if !known {
		state = &fileState{}
		w.seen[path] = state
	}
	if state.processing {
		w.mu.Unlock()
		return
	}
	state.processing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		state.processing = false
		w.mu.Unlock()
	}()

	stat, err := os.Stat(path)
	if err != nil {
		if w.OnError != nil {
			w.OnError(path, err)
		}
		return
	}

	// Skip when the content has not actually changed since last dispatch.
	if known && stat.ModTime().Equal(state.lastModified) && stat.Size() == state.size {
		return
	}

	w.mu.Lock()
	state.lastModified = stat.ModTime()
	state.size = stat.Size()
	w.mu.Unlock()

	if w.OnFile != nil {
		if err := w.OnFile(path); err != nil {
			if w.OnError != nil {
				w.OnError(path, err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
