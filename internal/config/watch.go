// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands the
// new configuration to onChange. Files that fail to load or validate are
// reported to onError and the previous configuration stays in effect.
//
// The parent directory is watched rather than the file so that editors
// which replace the file by rename keep triggering reloads. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	reload := func() {
		cfg, err := LoadFromPath(abs)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	}

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
			timer.Reset(debounce)

		case <-timer.C:
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(fmt.Errorf("config watcher: %w", err))
			}
		}
	}
}
