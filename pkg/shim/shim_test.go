// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package shim

import (
	"testing"

	"github.com/mbeema/shimmer/pkg/config"
	"github.com/mbeema/shimmer/pkg/dispatch"
	"github.com/mbeema/shimmer/pkg/hook"
	"github.com/mbeema/shimmer/pkg/image"
	"github.com/mbeema/shimmer/pkg/registry"
	"github.com/mbeema/shimmer/pkg/resolve"
)

func newTestShim(t *testing.T, mutate func(*config.Config)) (*Shim, *image.Fake) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.OriginalPath = "reflex_original.dll"
	logging := false
	cfg.EnableLogging = &logging
	if mutate != nil {
		mutate(cfg)
	}

	fake := image.NewFake(cfg.OriginalPath)
	fake.AddExport("DllMain", 0x100, func(args ...uintptr) uintptr { return 1 })
	fake.AddExport("Frobnicate", 0x200, func(args ...uintptr) uintptr { return 21 })

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("shim init failed: %v", err)
	}
	s.Dispatcher().LoadImage = func(path string) (image.Image, error) { return fake, nil }
	t.Cleanup(s.Close)
	return s, fake
}

func TestLifecycleRoundTrip(t *testing.T) {
	s, fake := newTestShim(t, nil)

	if !s.HandleEvent(uint32(hook.ProcessAttach), 0) {
		t.Fatal("attach must be handled")
	}
	if s.Dispatcher().State() != dispatch.StateReady {
		t.Fatalf("expected ready, got %s", s.Dispatcher().State())
	}

	if !s.HandleEvent(uint32(hook.ThreadAttach), 0) {
		t.Error("thread-attach must forward")
	}

	if !s.HandleEvent(uint32(hook.ProcessDetach), 0) {
		t.Error("detach must be handled")
	}
	if !fake.Closed() {
		t.Error("image must be released after detach")
	}
	if n := fake.Calls(0x100); n != 3 {
		t.Errorf("expected 3 forwarded life-cycle calls, got %d", n)
	}
}

func TestAttachFailureReturnsFalse(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OriginalPath = "missing.dll"
	logging := false
	cfg.EnableLogging = &logging

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("shim init failed: %v", err)
	}
	t.Cleanup(s.Close)

	if s.HandleEvent(uint32(hook.ProcessAttach), 0) {
		t.Error("attach with a missing original must report unhandled")
	}
	if s.Stats().ImageLoadFailures.Load() != 1 {
		t.Errorf("expected 1 recorded load failure, got %d", s.Stats().ImageLoadFailures.Load())
	}
}

func TestOriginalRefusalPassesThrough(t *testing.T) {
	s, fake := newTestShim(t, nil)
	fake.AddExport("DllMain", 0x100, func(args ...uintptr) uintptr { return 0 })

	if s.HandleEvent(uint32(hook.ProcessAttach), 0) {
		t.Error("a zero verdict from the original must pass through as false")
	}
}

func TestProgrammaticHookBeforeAttach(t *testing.T) {
	s, fake := newTestShim(t, func(c *config.Config) { c.EnablePreHook = true })

	err := s.Hooks().Register(registry.Entry{
		Key:     resolve.ByName("Frobnicate"),
		Enabled: true,
		Pre:     func(c *hook.Call) (uintptr, bool) { return 7, true },
	})
	if err != nil {
		t.Fatal(err)
	}

	s.HandleEvent(uint32(hook.ProcessAttach), 0)

	out := s.Invoke(resolve.ByName("Frobnicate"))
	if out.Value != 7 {
		t.Errorf("veto value not observed: %d", out.Value)
	}
	if fake.Calls(0x200) != 0 {
		t.Error("vetoed original must not run")
	}

	if err := s.Hooks().Register(registry.Entry{Key: resolve.ByName("X")}); err != registry.ErrSealed {
		t.Errorf("registry must be sealed after attach, got %v", err)
	}
}

func TestStatsTrackDispatches(t *testing.T) {
	s, _ := newTestShim(t, nil)
	s.HandleEvent(uint32(hook.ProcessAttach), 0)
	s.Invoke(resolve.ByName("Frobnicate"))
	s.Invoke(resolve.ByName("Frobnicate"))

	// Attach plus two invokes.
	if got := s.Stats().DispatchForwarded.Load(); got != 3 {
		t.Errorf("expected 3 forwarded dispatches, got %d", got)
	}
}
