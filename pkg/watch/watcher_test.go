// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbeema/shimmer/pkg/events"
	"go.uber.org/zap"
)

func waitForCount(t *testing.T, sink *events.CountingSink, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Count(events.TypeImageChanged) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d image_changed events, got %d", want, sink.Count(events.TypeImageChanged))
}

func TestWatcherNotifiesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reflex_original.dll")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := events.NewCountingSink()
	w := New(path, sink, zap.NewNop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, sink, 1)
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reflex_original.dll")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := events.NewCountingSink()
	w := New(path, sink, zap.NewNop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.dll"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(800 * time.Millisecond)
	if n := sink.Count(events.TypeImageChanged); n != 0 {
		t.Errorf("sibling write must not notify, got %d events", n)
	}
}

func TestWatcherDebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reflex_original.dll")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := events.NewCountingSink()
	w := New(path, sink, zap.NewNop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	// A burst of writes well inside the debounce window collapses to one
	// notification.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitForCount(t, sink, 1)
}
