package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xerrors/vllmrouter/internal/logging"
)

// Watcher watches the config file's directory for writes and debounces
// reloads into a Store. Watching the directory (rather than the file
// itself) survives editors that replace the file atomically, matching
// the teacher's internal/config/watcher.go.
type Watcher struct {
	store    *Store
	path     string
	logger   *logging.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher that reloads store whenever path changes
// on disk.
func NewWatcher(store *Store, path string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		store:    store,
		path:     path,
		logger:   logger,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching for config changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("config_watcher_started", "file", w.path)
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config_watcher_stopped")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if _, err := w.store.ReloadIfNeeded(); err != nil {
				w.logger.Error("config_reload_failed", "error", err.Error())
			} else {
				w.logger.Info("config_reloaded")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config_watcher_error", "error", err.Error())
		}
	}
}
