package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the bursts of events editors produce for one save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with every config that
// parses and validates. Invalid edits are logged and skipped. It blocks until ctx is done.
//
// The directory is watched rather than the file, so that editors replacing the
// file through a rename keep being followed.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("config reload rejected", "path", path, "err", err)
				continue
			}
			logger.Info("config reloaded", "path", path, "channels", len(cfg.Channels))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		}
	}
}
