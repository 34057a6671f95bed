package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long to wait for more changes before reloading.
const defaultDebounce = 500 * time.Millisecond

// Watcher hot-reloads an Engine when its rules file changes on disk. Editors
// often write via rename, so the watch covers the containing directory and
// filters for the file name.
type Watcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher creates a watcher for the given rules file.
func NewWatcher(engine *Engine, path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		engine:   engine,
		path:     path,
		debounce: defaultDebounce,
		watcher:  fsw,
		logger:   logger,
	}, nil
}

// Start begins watching. Reloads happen on the watcher goroutine; Evaluate
// callers see the new rule set on their next call.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.run(ctx)

	w.logger.Info("Rules watcher started", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.pendingMu.Lock()
				w.pending = true
				w.pendingMu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Rules watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if !w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = false
	w.pendingMu.Unlock()

	if err := w.engine.LoadFile(w.path); err != nil {
		// Keep the previous rule set on a bad reload.
		w.logger.Error("Rules reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Rules reloaded", "path", w.path)
}
