package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events (editors write several
// times per save) into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher re-syncs a FileSource whenever its directory changes.
type Watcher struct {
	source   *FileSource
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	reloads int
}

// NewWatcher creates a watcher for source.
func NewWatcher(source *FileSource, logger *slog.Logger) *Watcher {
	return &Watcher{source: source, debounce: DefaultDebounce, logger: logger}
}

// WithDebounce overrides the debounce interval.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Reloads returns how many debounced reloads have run.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Watch blocks until ctx is cancelled, syncing the source after changes.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.source.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.source.Dir(), err)
	}
	w.logger.Info("policy watcher started", "dir", w.source.Dir())

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			w.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			w.logger.Error("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		n, err := w.source.Sync(ctx)
		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
		if err != nil {
			w.logger.Error("policy reload failed, keeping previous policies", "error", err)
			return
		}
		w.logger.Info("policies reloaded", "count", n)
	})
}
