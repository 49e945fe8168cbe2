package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the endpoints file and invokes onChange with the freshly
// parsed contents whenever it is rewritten. Parse failures are logged and
// skipped so a half-written file never tears down the pool.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*EndpointsFile)) error {
	if logger == nil {
		logger = slog.Default().With("component", "config")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files via rename, which drops
	// a watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					file, err := LoadEndpoints(path)
					if err != nil {
						logger.Warn("endpoints reload skipped", "path", path, "error", err)
						return
					}
					logger.Info("endpoints reloaded", "path", path, "endpoints", len(file.Endpoints))
					onChange(file)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
