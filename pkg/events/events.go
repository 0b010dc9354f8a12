// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package events defines the structured event stream the proxy emits.
// The core components produce events; sinks render them (zap log file,
// self-monitoring counters, OTLP export).
package events

import (
	"time"
)

// Type identifies the kind of proxy event.
type Type string

const (
	TypeImageLoaded         Type = "image_loaded"
	TypeImageLoadFailed     Type = "image_load_failed"
	TypeSymbolResolveFailed Type = "symbol_resolve_failed"
	TypeUnverifiedOffset    Type = "unverified_offset"
	TypeHookRegistered      Type = "hook_registered"
	TypeHookReplaced        Type = "hook_replaced"
	TypeDispatchForwarded   Type = "dispatch_forwarded"
	TypeDispatchOverridden  Type = "dispatch_overridden"
	TypeDispatchFailed      Type = "dispatch_failed"
	TypeImageChanged        Type = "image_changed"
	TypeTeardown            Type = "teardown"
)

// Event is one structured proxy event. Fields are populated as relevant
// for the event type; zero values mean "not applicable".
type Event struct {
	Time      time.Time
	Type      Type
	Image     string // original image path
	Symbol    string // hook key ("name:DllMain", "offset:0x1a30")
	Lifecycle string // life-cycle event name, if this was a life-cycle dispatch
	Value     uint64 // dispatch result value
	Err       string
}

// Sink consumes proxy events. Implementations must be safe for
// concurrent use: dispatches emit from the host's execution units.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Now stamps an event with the current time if unset.
func Now(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return ev
}
