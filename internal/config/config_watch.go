package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onReload with the
// fresh config. Editors often replace files by rename, so the parent
// directory is watched and events are debounced. Blocks until ctx ends.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload failed", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
