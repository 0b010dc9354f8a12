// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package registry

import (
	"errors"
	"testing"

	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/resolve"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil, zap.NewNop())
	key := resolve.ByName("Frobnicate")

	if err := r.Register(Entry{Key: key, Enabled: true}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	e := r.Lookup(key)
	if e == nil {
		t.Fatal("expected entry after registration")
	}
	if !e.Enabled {
		t.Error("enabled flag not stored")
	}
	if r.Lookup(resolve.ByName("Other")) != nil {
		t.Error("lookup of absent key must return nil")
	}
}

func TestDuplicateRegistrationWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := events.NewCountingSink()
	r := New(sink, zap.New(core))
	key := resolve.ByOffset(0x1a30)

	first := Entry{Key: key, Enabled: false}
	second := Entry{Key: key, Enabled: true}
	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(second); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 1 {
		t.Fatalf("expected exactly one active entry, got %d", r.Len())
	}
	if e := r.Lookup(key); !e.Enabled {
		t.Error("last registration must win")
	}
	if n := logs.FilterMessageSnippet("hook replaced").Len(); n != 1 {
		t.Errorf("expected exactly 1 replacement warning, got %d", n)
	}
	if n := sink.Count(events.TypeHookReplaced); n != 1 {
		t.Errorf("expected 1 hook_replaced event, got %d", n)
	}
	if n := sink.Count(events.TypeHookRegistered); n != 1 {
		t.Errorf("expected 1 hook_registered event, got %d", n)
	}
}

func TestRegisterAfterSeal(t *testing.T) {
	r := New(nil, zap.NewNop())
	r.Seal()

	err := r.Register(Entry{Key: resolve.ByName("Late")})
	if !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if !r.Sealed() {
		t.Error("Sealed must report true after Seal")
	}
}

func TestSetTargetNoWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New(nil, zap.New(core))
	key := resolve.ByName("Init")

	if err := r.Register(Entry{Key: key}); err != nil {
		t.Fatal(err)
	}
	sym := resolve.Symbol{Key: key, Addr: 0xdead0000}
	if err := r.SetTarget(key, sym); err != nil {
		t.Fatal(err)
	}
	if e := r.Lookup(key); e.Target.Addr != 0xdead0000 {
		t.Errorf("target not set: %#x", e.Target.Addr)
	}
	if logs.Len() != 0 {
		t.Errorf("SetTarget must not warn, got %d log entries", logs.Len())
	}
}

func TestSnapshotSorted(t *testing.T) {
	r := New(nil, zap.NewNop())
	r.Register(Entry{Key: resolve.ByOffset(0x20)})
	r.Register(Entry{Key: resolve.ByName("Alpha")})
	r.Register(Entry{Key: resolve.ByOffset(0x10)})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Key.String() >= snap[i].Key.String() {
			t.Errorf("snapshot not sorted: %s before %s",
				snap[i-1].Key.String(), snap[i].Key.String())
		}
	}
}

func TestLookupAfterSealLockFree(t *testing.T) {
	r := New(nil, zap.NewNop())
	key := resolve.ByName("F")
	r.Register(Entry{Key: key, Enabled: true})
	r.Seal()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				if r.Lookup(key) == nil {
					t.Error("entry vanished after seal")
					break
				}
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
