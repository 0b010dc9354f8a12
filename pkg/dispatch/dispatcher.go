// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package dispatch is the proxy core: the life-cycle state machine the
// host runtime drives, and the pre-hook / forward / post-hook protocol
// for every intercepted call. Forwarding is semantically transparent: for
// un-intercepted paths the proxy is indistinguishable from the original,
// and an intercepted event is never silently swallowed — the original
// runs unless a pre-hook explicitly vetoes.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mbeema/shimmer/pkg/config"
	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/hook"
	"github.com/mbeema/shimmer/pkg/image"
	"github.com/mbeema/shimmer/pkg/registry"
	"github.com/mbeema/shimmer/pkg/resolve"
	"go.uber.org/zap"
)

// State is the dispatcher's life-cycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateUnloaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady means a dispatch was attempted before initialization
	// reached Ready.
	ErrNotReady = errors.New("dispatcher is not ready")

	// ErrUnloaded means a dispatch arrived after teardown began. No
	// further dispatches are accepted once the image is released.
	ErrUnloaded = errors.New("dispatcher is unloaded")
)

// LoadFunc opens the original image. Injectable so the dispatcher is
// testable against a fake image without a live OS loader.
type LoadFunc func(path string) (image.Image, error)

// Dispatcher owns the loaded image and routes every life-cycle event and
// intercepted call through the hook protocol. All collaborators are
// explicit handles; the dispatcher has no ambient global state.
type Dispatcher struct {
	cfg    *config.Config
	reg    *registry.Registry
	sink   events.Sink
	logger *zap.Logger

	// LoadImage may be replaced before the first event; defaults to
	// image.Load.
	LoadImage LoadFunc

	state  atomic.Int32
	initMu sync.Mutex
	// initErr is written before the atomic transition to StateFailed and
	// read only after observing that state.
	initErr error

	img       image.Image
	resolver  *resolve.Resolver
	entry     resolve.Symbol
	entryProc image.Proc

	// lifeMu serializes teardown against in-flight dispatches: every
	// dispatch holds the read side, teardown takes the write side, so
	// the image is never released under an active call. Thread events
	// arriving after shutdown began are rejected with ErrUnloaded.
	lifeMu sync.RWMutex
}

// New creates a dispatcher. The registry may already hold entries
// registered programmatically; their targets are resolved during
// initialization. sink may be nil.
func New(cfg *config.Config, reg *registry.Registry, sink events.Sink, logger *zap.Logger) *Dispatcher {
	if sink == nil {
		sink = events.NopSink{}
	}
	d := &Dispatcher{
		cfg:       cfg,
		reg:       reg,
		sink:      sink,
		logger:    logger,
		LoadImage: image.Load,
	}
	d.state.Store(int32(StateUninitialized))
	return d
}

// State returns the current life-cycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Image returns the loaded image, or nil before Ready.
func (d *Dispatcher) Image() image.Image {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	return d.img
}

// HandleEvent processes one life-cycle event from the host runtime. The
// first process-attach performs initialization; concurrent entrants block
// until the single initializer finishes and then observe the settled
// state. Process-detach tears the proxy down.
func (d *Dispatcher) HandleEvent(ev hook.Event, reserved uintptr) Outcome {
	if ev == hook.ProcessAttach {
		if err := d.initialize(); err != nil {
			return Failed(err)
		}
	}
	if ev == hook.ProcessDetach {
		return d.shutdown(reserved)
	}

	d.lifeMu.RLock()
	defer d.lifeMu.RUnlock()

	switch d.State() {
	case StateReady:
	case StateShuttingDown, StateUnloaded:
		return Failed(fmt.Errorf("%s event: %w", ev, ErrUnloaded))
	case StateFailed:
		return Failed(fmt.Errorf("%s event: %w", ev, d.initErr))
	default:
		return Failed(fmt.Errorf("%s event: %w", ev, ErrNotReady))
	}

	call := &hook.Call{
		Event: ev,
		Key:   d.entry.Key,
		Args:  []uintptr{d.img.Handle(), uintptr(ev), reserved},
	}
	return d.run(call, d.entryProc)
}

// Invoke dispatches an arbitrary intercepted function (exported name or
// raw offset) through the same pre/forward/post protocol. Used by the
// generated export forwarders.
func (d *Dispatcher) Invoke(key resolve.Key, args ...uintptr) Outcome {
	d.lifeMu.RLock()
	defer d.lifeMu.RUnlock()

	switch d.State() {
	case StateReady:
	case StateShuttingDown, StateUnloaded:
		return Failed(fmt.Errorf("invoke %s: %w", key, ErrUnloaded))
	case StateFailed:
		return Failed(fmt.Errorf("invoke %s: %w", key, d.initErr))
	default:
		return Failed(fmt.Errorf("invoke %s: %w", key, ErrNotReady))
	}

	proc, err := d.procFor(key)
	if err != nil {
		d.sink.Emit(events.Now(events.Event{
			Type:   events.TypeDispatchFailed,
			Image:  d.img.Path(),
			Symbol: key.String(),
			Err:    err.Error(),
		}))
		return Failed(err)
	}

	call := &hook.Call{Event: hook.EventNone, Key: key, Args: args}
	return d.run(call, proc)
}

// procFor finds the callable for a key: the pre-resolved registry target
// when present, a lazy resolution otherwise.
func (d *Dispatcher) procFor(key resolve.Key) (image.Proc, error) {
	if e := d.reg.Lookup(key); e != nil && e.Target.Addr != 0 {
		return d.img.Proc(e.Target.Addr), nil
	}
	sym, err := d.resolver.ByKey(key, "")
	if err != nil {
		return nil, err
	}
	return d.img.Proc(sym.Addr), nil
}

// run executes the hook protocol for one call. The final observable
// result is the post-hook's override if present, else the original's
// result, else the pre-hook's veto value.
func (d *Dispatcher) run(call *hook.Call, proc image.Proc) Outcome {
	entry := d.reg.Lookup(call.Key)
	hooked := entry != nil && entry.Enabled

	var value uintptr
	vetoed := false
	if hooked && entry.Pre != nil && d.cfg.EnablePreHook {
		value, vetoed = entry.Pre(call)
	}

	if !vetoed {
		result, err := proc.Call(call.Args...)
		if err != nil {
			d.sink.Emit(events.Now(events.Event{
				Type:      events.TypeDispatchFailed,
				Image:     d.img.Path(),
				Symbol:    call.Key.String(),
				Lifecycle: lifecycleName(call.Event),
				Err:       err.Error(),
			}))
			return Failed(fmt.Errorf("forward %s: %w", call.Key, err))
		}
		value = result
	}

	overridden := false
	if hooked && entry.Post != nil && d.cfg.EnablePostHook {
		if v, ok := entry.Post(call, value); ok {
			value = v
			overridden = true
		}
	}

	out := Forwarded(value)
	evType := events.TypeDispatchForwarded
	if vetoed || overridden {
		out = Overridden(value)
		evType = events.TypeDispatchOverridden
	}
	d.sink.Emit(events.Now(events.Event{
		Type:      evType,
		Image:     d.img.Path(),
		Symbol:    call.Key.String(),
		Lifecycle: lifecycleName(call.Event),
		Value:     uint64(value),
	}))
	return out
}

func lifecycleName(ev hook.Event) string {
	if ev == hook.EventNone {
		return ""
	}
	return ev.String()
}

// initialize performs the single Uninitialized -> Initializing -> Ready
// transition: image load, entry-symbol resolution, resolution of every
// registered hook target, registry seal. Any failure is terminal; the
// proxy cannot function on partial state.
func (d *Dispatcher) initialize() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	switch d.State() {
	case StateReady:
		return nil
	case StateFailed:
		return d.initErr
	case StateShuttingDown, StateUnloaded:
		return ErrUnloaded
	}

	d.state.Store(int32(StateInitializing))

	fail := func(err error) error {
		d.initErr = err
		d.state.Store(int32(StateFailed))
		return err
	}

	path := d.cfg.OriginalPath
	if path == "" {
		return fail(fmt.Errorf("original image path is not configured: %w", image.ErrImageNotFound))
	}

	img, err := d.LoadImage(path)
	if err != nil {
		d.logger.Error("failed to load original image", zap.String("image", path), zap.Error(err))
		d.sink.Emit(events.Now(events.Event{
			Type:  events.TypeImageLoadFailed,
			Image: path,
			Err:   err.Error(),
		}))
		return fail(err)
	}
	d.img = img
	d.resolver = resolve.New(img, d.sink, d.logger)
	d.logger.Info("loaded original image",
		zap.String("image", path),
		zap.Uint64("base", uint64(img.Base())),
	)
	d.sink.Emit(events.Now(events.Event{Type: events.TypeImageLoaded, Image: path}))

	if err := d.resolveEntry(); err != nil {
		img.Close()
		return fail(err)
	}

	// Statically configured hooks from config. A key listed twice in the
	// config is a duplicate registration: it goes through Register so the
	// replacement warning fires and the last occurrence wins.
	seen := make(map[resolve.Key]bool, len(d.cfg.Hooks))
	for i := range d.cfg.Hooks {
		spec := &d.cfg.Hooks[i]
		key, err := spec.Key()
		if err != nil {
			img.Close()
			return fail(err)
		}
		if prior := d.reg.Lookup(key); prior != nil && !seen[key] {
			// Programmatic registration for the same key keeps its
			// hooks; config contributes the enabled flag.
			prior.Enabled = spec.EnabledOrDefault()
			seen[key] = true
			continue
		}
		seen[key] = true
		if err := d.reg.Register(registry.Entry{
			Key:     key,
			Enabled: spec.EnabledOrDefault(),
		}); err != nil {
			img.Close()
			return fail(err)
		}
	}

	// Pre-resolve every registered target. A name that is absent from
	// the original at this point is a misconfiguration, and partial
	// registries are not acceptable.
	for _, key := range d.reg.Keys() {
		sym, err := d.resolver.ByKey(key, signatureFor(d.cfg, key))
		if err != nil {
			img.Close()
			return fail(err)
		}
		if err := d.reg.SetTarget(key, sym); err != nil {
			img.Close()
			return fail(err)
		}
	}

	d.reg.Seal()
	d.state.Store(int32(StateReady))
	d.logger.Info("proxy ready",
		zap.String("image", path),
		zap.String("entry", d.entry.Key.String()),
		zap.Int("hooks", d.reg.Len()),
	)
	return nil
}

// resolveEntry resolves the life-cycle entry point: by name first, then
// by the configured offset fallback for originals that do not export it.
func (d *Dispatcher) resolveEntry() error {
	if d.cfg.EntrySymbol != "" {
		sym, err := d.resolver.ByName(d.cfg.EntrySymbol, "lifecycle(handle,reason,reserved)->bool")
		if err == nil {
			d.entry = sym
			d.entryProc = d.img.Proc(sym.Addr)
			return nil
		}
		if d.cfg.EntryOffset == 0 {
			return fmt.Errorf("entry point %q: %w", d.cfg.EntrySymbol, err)
		}
		d.logger.Warn("entry symbol not exported, falling back to offset",
			zap.String("symbol", d.cfg.EntrySymbol),
			zap.Uint64("offset", uint64(d.cfg.EntryOffset)),
		)
	}
	d.entry = d.resolver.ByOffset(uintptr(d.cfg.EntryOffset), "lifecycle(handle,reason,reserved)->bool")
	d.entryProc = d.img.Proc(d.entry.Addr)
	return nil
}

// signatureFor finds the configured signature tag for a key, if any.
func signatureFor(cfg *config.Config, key resolve.Key) string {
	for i := range cfg.Hooks {
		k, err := cfg.Hooks[i].Key()
		if err == nil && k == key {
			return cfg.Hooks[i].Signature
		}
	}
	return ""
}

// shutdown performs Ready -> ShuttingDown -> Unloaded: wait for in-flight
// dispatches to drain, forward the detach to the original exactly once,
// then release the image. The serialization policy for concurrent thread
// events racing a process-detach is: detach waits for events already in
// flight; events arriving after shutdown began fail with ErrUnloaded.
func (d *Dispatcher) shutdown(reserved uintptr) Outcome {
	if !d.state.CompareAndSwap(int32(StateReady), int32(StateShuttingDown)) {
		switch d.State() {
		case StateShuttingDown, StateUnloaded:
			return Failed(fmt.Errorf("process-detach: %w", ErrUnloaded))
		case StateFailed:
			return Failed(fmt.Errorf("process-detach: %w", d.initErr))
		default:
			return Failed(fmt.Errorf("process-detach: %w", ErrNotReady))
		}
	}

	// Quiescence: no dispatch may be in flight when the image handle is
	// released, or a resolved address could be used after free.
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	call := &hook.Call{
		Event: hook.ProcessDetach,
		Key:   d.entry.Key,
		Args:  []uintptr{d.img.Handle(), uintptr(hook.ProcessDetach), reserved},
	}
	out := d.run(call, d.entryProc)

	if err := d.img.Close(); err != nil {
		d.logger.Warn("failed to release original image", zap.String("image", d.img.Path()), zap.Error(err))
	}
	d.state.Store(int32(StateUnloaded))
	d.sink.Emit(events.Now(events.Event{Type: events.TypeTeardown, Image: d.img.Path()}))
	d.logger.Info("proxy unloaded", zap.String("image", d.img.Path()))
	return out
}
