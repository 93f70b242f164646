// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/puzzleparty/backplane/internal/log"
)

// WatchLogLevel re-reads the config file whenever it changes and applies the
// log level. Only the level is hot-reloadable; everything else requires a
// restart. Best-effort: a watcher that cannot start is logged, not fatal.
func WatchLogLevel(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: editors and configmap mounts
	// replace the file via rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	logger := log.WithComponent("config")
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg := &Config{LogLevel: ""}
				if err := cfg.mergeFile(path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config reload failed")
					continue
				}
				if cfg.LogLevel == "" {
					continue
				}
				if log.SetLevel(cfg.LogLevel) {
					logger.Info().Str("level", cfg.LogLevel).Msg("log level reloaded")
				} else {
					logger.Warn().Str("level", cfg.LogLevel).Msg("invalid log level in config file")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
