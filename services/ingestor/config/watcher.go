// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/cimcap/pkg/logging"
)

// Watcher reloads the configuration file when it changes.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename still trigger a reload. A file that fails to load is
// logged and ignored; the previous configuration stays in effect.
//
// # Thread Safety
//
// Run should only be called once. onChange is called from Run's goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	logger   *logging.Logger
}

// NewWatcher creates a watcher for path.
//
// # Inputs
//
//   - path: The configuration file.
//   - logger: Receives reload and error lines. Nil means logging.Nop.
//   - onChange: Called with every successfully reloaded Config.
//
// # Outputs
//
//   - *Watcher: Ready to Run.
//   - error: Non-nil if the fsnotify watcher cannot be created or the
//     directory cannot be watched.
func NewWatcher(path string, logger *logging.Logger, onChange func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled or the watcher is closed, and then
// releases the fsnotify watcher. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Debug("watching config", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// ApplyLogLevel returns an onChange callback that moves logger to the
// reloaded level.
func ApplyLogLevel(logger *logging.Logger) func(Config) {
	return func(cfg Config) {
		level := cfg.Logging.LogLevel()
		if logger.Level() != level {
			logger.Info("log level changed", "from", logger.Level().String(), "to", level.String())
			logger.SetLevel(level)
		}
	}
}
