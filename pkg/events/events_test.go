// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"testing"
	"time"
)

func TestMultiSinkFanOut(t *testing.T) {
	a := NewCountingSink()
	b := NewCountingSink()
	m := MultiSink{a, b}

	m.Emit(Event{Type: TypeDispatchForwarded})
	m.Emit(Event{Type: TypeDispatchForwarded})
	m.Emit(Event{Type: TypeTeardown})

	for _, s := range []*CountingSink{a, b} {
		if got := s.Count(TypeDispatchForwarded); got != 2 {
			t.Errorf("expected 2 forwarded in every sink, got %d", got)
		}
		if got := s.Count(TypeTeardown); got != 1 {
			t.Errorf("expected 1 teardown in every sink, got %d", got)
		}
	}
}

func TestNowStampsOnlyWhenUnset(t *testing.T) {
	stamped := Now(Event{Type: TypeImageLoaded})
	if stamped.Time.IsZero() {
		t.Error("Now must stamp a zero time")
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	kept := Now(Event{Type: TypeImageLoaded, Time: fixed})
	if !kept.Time.Equal(fixed) {
		t.Errorf("Now must keep an explicit time, got %v", kept.Time)
	}
}

func TestCountingSinkTotals(t *testing.T) {
	c := NewCountingSink()
	c.Emit(Event{Type: TypeHookRegistered})
	c.Emit(Event{Type: TypeHookRegistered})
	c.Emit(Event{Type: TypeHookReplaced})

	totals := c.Totals()
	if totals[TypeHookRegistered] != 2 || totals[TypeHookReplaced] != 1 {
		t.Errorf("unexpected totals: %v", totals)
	}

	// Totals is a copy; mutating it must not touch the sink.
	totals[TypeHookRegistered] = 99
	if c.Count(TypeHookRegistered) != 2 {
		t.Error("Totals must return a copy")
	}
}
