package category

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into r whenever it is written or replaced, until ctx
// is cancelled. The directory is watched so editors that rename files over
// the original are picked up.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer func() {
			if closeErr := w.Close(); closeErr != nil {
				logger.Debug("failed to close category watcher", "error", closeErr)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.Warn("Category reload failed, keeping previous set", "path", path, "error", err)
					continue
				}
				logger.Info("Categories reloaded", "path", path, "count", len(r.List()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Category watcher error", "error", err)
			}
		}
	}()
	return nil
}
