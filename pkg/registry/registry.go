// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package registry holds the process-wide hook table. Writes happen only
// during the single initialization transition; Seal flips the table to
// immutable, after which lookups are lock-free.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/hook"
	"github.com/mbeema/shimmer/pkg/resolve"
	"go.uber.org/zap"
)

// ErrSealed means a registration was attempted after initialization
// completed. The registry is startup-write-only.
var ErrSealed = errors.New("registry is sealed")

// Entry maps one hook key to its resolved target and operator hooks.
type Entry struct {
	Key     resolve.Key
	Target  resolve.Symbol
	Pre     hook.PreFunc
	Post    hook.PostFunc
	Enabled bool
}

// Registry is the hook table. Safe for concurrent reads once sealed.
type Registry struct {
	logger *zap.Logger
	sink   events.Sink

	mu      sync.Mutex
	entries map[resolve.Key]*Entry
	sealed  atomic.Bool
}

// New creates an empty, unsealed registry. sink may be nil.
func New(sink events.Sink, logger *zap.Logger) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{
		logger:  logger,
		sink:    sink,
		entries: make(map[resolve.Key]*Entry),
	}
}

// Register adds or replaces an entry. Registration order does not matter;
// a duplicate key replaces the prior entry (last write wins) and logs one
// warning per override, since silent duplicate registration is a common
// misconfiguration.
func (r *Registry) Register(e Entry) error {
	if r.sealed.Load() {
		return ErrSealed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrSealed
	}

	if _, dup := r.entries[e.Key]; dup {
		r.logger.Warn("hook replaced by duplicate registration",
			zap.String("key", e.Key.String()),
		)
		r.sink.Emit(events.Now(events.Event{
			Type:   events.TypeHookReplaced,
			Symbol: e.Key.String(),
		}))
	} else {
		r.sink.Emit(events.Now(events.Event{
			Type:   events.TypeHookRegistered,
			Symbol: e.Key.String(),
		}))
	}

	entry := e
	r.entries[e.Key] = &entry
	return nil
}

// SetTarget attaches a resolved symbol to an existing entry without the
// duplicate-registration warning. Used during initialization when targets
// are resolved for entries registered earlier.
func (r *Registry) SetTarget(key resolve.Key, target resolve.Symbol) error {
	if r.sealed.Load() {
		return ErrSealed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.Target = target
	}
	return nil
}

// Lookup returns the entry for a key, or nil. Lock-free once sealed.
func (r *Registry) Lookup(key resolve.Key) *Entry {
	if r.sealed.Load() {
		return r.entries[key]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key]
}

// Seal makes the registry immutable. Called once, at the end of the
// initialization transition.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of all entries sorted by key, for diagnostics.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Keys returns all registered keys, unsorted.
func (r *Registry) Keys() []resolve.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]resolve.Key, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
