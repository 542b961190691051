package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

// WatchSeed reloads and applies the seed at path whenever it changes, until
// ctx is cancelled. The directory is watched so editors that replace the
// file by rename are picked up. Bursts of events are coalesced over settle.
func WatchSeed(ctx context.Context, path string, seeder *Seeder, settle time.Duration, logger *observability.Logger) error {
	logger = observability.OrDefault(logger).WithField("seed_file", path)
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(settle)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}
		case <-timer.C:
			seed, err := LoadSeed(path)
			if err != nil {
				logger.WithError(err).Error("Failed to reload seed")
				continue
			}
			if _, err := seeder.Apply(ctx, seed); err != nil {
				logger.WithError(err).Error("Failed to apply seed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Seed watcher error")
		}
	}
}
