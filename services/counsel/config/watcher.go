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
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// EngineSource supplies the current engine configuration.
type EngineSource interface {
	Engine() EngineConfig
}

// Watcher reloads the engine section when the config file changes.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// which replace the file by rename are still seen. A reload that fails to
// parse or validate is logged and the previous snapshot is kept. Only the
// engine section is swapped; the rest of the configuration needs a restart.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Run must be called once.
type Watcher struct {
	path    string
	current atomic.Pointer[EngineConfig]
	reloads atomic.Int64
	logger  *slog.Logger
	load    func(ctx context.Context, path string) (*Config, error)
}

// NewWatcher starts from initial and watches path.
func NewWatcher(path string, initial EngineConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: filepath.Clean(path), logger: logger, load: Load}
	w.current.Store(&initial)
	return w
}

// Engine implements EngineSource.
func (w *Watcher) Engine() EngineConfig {
	return *w.current.Load()
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.load(ctx, w.path)
	if err != nil {
		w.logger.Warn("config: reload failed, keeping previous engine config",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	engine := cfg.Engine
	w.current.Store(&engine)
	w.reloads.Add(1)
	w.logger.Info("config: engine config reloaded",
		slog.String("path", w.path),
		slog.Bool("deterministic_graph", engine.DeterministicGraph),
		slog.Int("max_tool_iterations", engine.MaxToolIterations))
}
