// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package shim is the orchestrator behind the exported C surface: it wires
// config, logging, the event sinks, the hook registry and the dispatcher
// into one object the cgo entry points delegate to.
package shim

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/mbeema/shimmer/pkg/config"
	"github.com/mbeema/shimmer/pkg/diag"
	"github.com/mbeema/shimmer/pkg/dispatch"
	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/export"
	"github.com/mbeema/shimmer/pkg/hook"
	"github.com/mbeema/shimmer/pkg/hostinfo"
	"github.com/mbeema/shimmer/pkg/logging"
	"github.com/mbeema/shimmer/pkg/registry"
	"github.com/mbeema/shimmer/pkg/resolve"
	"github.com/mbeema/shimmer/pkg/watch"
	"go.uber.org/zap"
)

// Version is stamped by the build.
var Version = "dev"

// Shim owns every subsystem of the proxy for one loaded instance.
type Shim struct {
	cfg    *config.Config
	logger *zap.Logger
	host   hostinfo.Info

	stats    *diag.Stats
	reg      *registry.Registry
	d        *dispatch.Dispatcher
	exporter *export.Exporter
	watcher  *watch.Watcher
	diagSrv  *diag.Server

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New wires a shim from config. Side services (watcher, diagnostics,
// telemetry) start here; the original image is loaded lazily on the first
// process-attach event.
func New(cfg *config.Config) (*Shim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := zap.NewNop()
	if cfg.LoggingEnabled() {
		l, err := logging.New(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("init logging: %w", err)
		}
		logger = l
	}

	host := hostinfo.Describe()
	logger.Info("shimmer loading", append(host.Fields(), zap.String("version", Version))...)

	stats := diag.NewStats()
	sinks := events.MultiSink{events.NewZapSink(logger), stats}

	s := &Shim{
		cfg:    cfg,
		logger: logger,
		host:   host,
		stats:  stats,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if cfg.Telemetry.Enabled {
		exp, err := export.New(&cfg.Telemetry, host, Version, logger)
		if err != nil {
			// Telemetry is best-effort; the proxy must come up without the
			// collector.
			logger.Warn("telemetry disabled: exporter init failed", zap.Error(err))
		} else {
			s.exporter = exp
			sinks = append(sinks, exp)
			exp.Start(ctx)
		}
	}

	s.reg = registry.New(sinks, logger)
	s.d = dispatch.New(cfg, s.reg, sinks, logger)

	if cfg.WatchOriginal && cfg.OriginalPath != "" {
		s.watcher = watch.New(cfg.OriginalPath, sinks, logger)
		if err := s.watcher.Start(ctx); err != nil {
			logger.Warn("image watcher failed to start", zap.Error(err))
			s.watcher = nil
		}
	}

	if cfg.Diag.Enabled {
		s.diagSrv = diag.NewServer(cfg.Diag.Addr, Version, stats, s.reg,
			func() string { return s.d.State().String() }, logger)
		if err := s.diagSrv.Start(ctx); err != nil {
			logger.Warn("diag server failed to start", zap.Error(err))
			s.diagSrv = nil
		}
	}

	return s, nil
}

// HandleEvent routes one life-cycle event from the host runtime and
// reports whether it was handled, in the entry point's boolean convention.
// A process-detach tears the whole shim down.
func (s *Shim) HandleEvent(event uint32, reserved uintptr) bool {
	ev := hook.Event(event)
	out := s.d.HandleEvent(ev, reserved)

	if ev == hook.ProcessDetach {
		s.Close()
	}
	if !out.OK() {
		return false
	}
	// The original's verdict passes through: a zero from the original's
	// entry point on attach means "refuse to load".
	return out.Value != 0
}

// Invoke dispatches one intercepted call through the hook protocol. Used
// by the exported forwarder stubs.
func (s *Shim) Invoke(key resolve.Key, args ...uintptr) dispatch.Outcome {
	return s.d.Invoke(key, args...)
}

// Hooks exposes the registry so embedding code can register programmatic
// hooks before the first attach.
func (s *Shim) Hooks() *registry.Registry { return s.reg }

// Attached reports whether the proxy is initialized and dispatching.
func (s *Shim) Attached() bool { return s.d.State() == dispatch.StateReady }

// Dispatcher exposes the dispatch core, mainly for diagnostics.
func (s *Shim) Dispatcher() *dispatch.Dispatcher { return s.d }

// Stats exposes the self-monitoring counters.
func (s *Shim) Stats() *diag.Stats { return s.stats }

// Close stops side services and flushes telemetry. Safe to call more than
// once; the dispatcher's own teardown runs via the detach event, not here.
func (s *Shim) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.diagSrv != nil {
			if err := s.diagSrv.Stop(); err != nil {
				s.logger.Warn("diag server stop failed", zap.Error(err))
			}
		}
		if s.exporter != nil {
			s.exporter.Stop()
		}
		s.cancel()
		s.logger.Sync()
	})
}

var (
	defaultMu   sync.Mutex
	defaultShim *Shim
)

// Default returns the process-wide shim, creating it on first use from
// discovered configuration. The cgo entry points go through this: the
// host runtime gives them no place to thread a handle.
func Default() (*Shim, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultShim != nil {
		return defaultShim, nil
	}

	cfg, err := discoverConfig()
	if err != nil {
		return nil, err
	}

	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defaultShim = s
	return s, nil
}

// discoverConfig locates configuration: SHIMMER_CONFIG, then shimmer.yaml
// next to the process, then /etc/shimmer/shimmer.yaml, then built-in
// defaults with environment overrides.
func discoverConfig() (*config.Config, error) {
	if path := os.Getenv("SHIMMER_CONFIG"); path != "" {
		return config.Load(path)
	}

	for _, path := range []string{"shimmer.yaml", "/etc/shimmer/shimmer.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()

	// With no config file the original's location follows the renaming
	// convention, derived from the shim's own path when the loader tells
	// us where that is.
	if cfg.OriginalPath == "" {
		if shimPath := os.Getenv("SHIMMER_SHIM_PATH"); shimPath != "" {
			cfg.OriginalPath = config.DefaultOriginalPath(shimPath)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
