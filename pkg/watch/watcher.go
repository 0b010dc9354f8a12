// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package watch monitors the original image on disk. Offset-based hooks
// are bound to one exact build of the original; if the file is replaced
// or rewritten while the proxy holds it loaded, every raw offset becomes
// suspect. The watcher cannot fix that, but it can say so loudly.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mbeema/shimmer/pkg/events"
	"go.uber.org/zap"
)

const debounce = 500 * time.Millisecond

// Watcher monitors one image file for writes, renames and removals, with
// debouncing so a multi-chunk copy produces one notification.
type Watcher struct {
	path   string
	sink   events.Sink
	logger *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
}

// New creates a watcher for the image at path. sink may be nil.
func New(path string, sink events.Sink, logger *zap.Logger) *Watcher {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Watcher{
		path:   path,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself, so replace-by-rename is observed too.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("image watcher started", zap.String("image", w.path))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, w.notify)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("image watcher error", zap.Error(err))

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) notify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Warn("original image changed on disk while loaded; offset hooks may no longer be valid",
		zap.String("image", w.path),
	)
	w.sink.Emit(events.Now(events.Event{
		Type:  events.TypeImageChanged,
		Image: w.path,
	}))
}
