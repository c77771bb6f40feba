package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file whenever it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.SugaredLogger
	onChange func(Config)
}

// NewWatcher returns a watcher that calls onChange with each successfully
// reloaded config. Warnings are logged.
func NewWatcher(path string, log *zap.SugaredLogger, onChange func(Config)) *Watcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{path: path, debounce: DefaultDebounce, log: log, onChange: onChange}
}

// SetDebounce overrides the quiet period.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file atomically are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	reload := NewDebouncer(w.debounce, w.reload)
	defer reload.CancelAndWait()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload.Trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		// Mid-replace or deleted; the next Create reloads it.
		return
	}
	cfg, warnings, err := Load(w.path)
	if err != nil {
		w.log.Warnw("config reload failed", "path", w.path, "error", err)
		return
	}
	for _, msg := range warnings {
		w.log.Warnw(msg, "path", w.path)
	}
	w.onChange(cfg)
}
