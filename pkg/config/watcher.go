// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a config directory and hands every successfully merged
// reload to a callback. Bursts of writes collapse into one reload.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a config directory watcher.
// onChange is called with the merged config and the name of the changed file.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		Debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func isConfigFile(name string) bool {
	ext := filepath.Ext(name)
	return strings.EqualFold(ext, ".yaml") || strings.EqualFold(ext, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var (
		timer   *time.Timer
		pending string
		pmu     sync.Mutex
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			pmu.Lock()
			pending = filepath.Base(event.Name)
			pmu.Unlock()
			w.logger.Debug("config file changed", zap.String("file", pending))

			stopTimer()
			timer = time.AfterFunc(w.Debounce, func() {
				pmu.Lock()
				file := pending
				pmu.Unlock()
				w.reload(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded",
		zap.String("trigger", changedFile),
		zap.Int("scenarios", len(cfg.Scenarios)),
	)
	w.onChange(cfg, changedFile)
}
