package sites

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads r from path whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are
// seen. onReload, if set, runs after every successful reload.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger, onReload func([]Profile)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("site profiles path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("site profile watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := r.Load(abs); err != nil {
				logger.Warn("site profile reload failed, keeping previous set", "path", abs, "error", err)
				continue
			}
			profiles := r.All()
			logger.Info("site profiles reloaded", "path", abs, "count", len(profiles))
			if onReload != nil {
				onReload(profiles)
			}
		}
	}
}
