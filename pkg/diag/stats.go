// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package diag is the proxy's local diagnostics surface: self-monitoring
// counters and a loopback HTTP server exposing them, plus the live hook
// table. Off by default; a proxy that opens ports unasked is a liability.
package diag

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mbeema/shimmer/pkg/events"
)

// Stats tallies proxy activity. It is an event sink: wire it into the
// dispatcher's sink fan-out and the counters maintain themselves.
type Stats struct {
	startTime time.Time

	ImagesLoaded        atomic.Int64
	ImageLoadFailures   atomic.Int64
	ResolveFailures     atomic.Int64
	UnverifiedOffsets   atomic.Int64
	HooksRegistered     atomic.Int64
	HooksReplaced       atomic.Int64
	DispatchForwarded   atomic.Int64
	DispatchOverridden  atomic.Int64
	DispatchFailed      atomic.Int64
	ImageChanges        atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Emit implements events.Sink.
func (s *Stats) Emit(ev events.Event) {
	switch ev.Type {
	case events.TypeImageLoaded:
		s.ImagesLoaded.Add(1)
	case events.TypeImageLoadFailed:
		s.ImageLoadFailures.Add(1)
	case events.TypeSymbolResolveFailed:
		s.ResolveFailures.Add(1)
	case events.TypeUnverifiedOffset:
		s.UnverifiedOffsets.Add(1)
	case events.TypeHookRegistered:
		s.HooksRegistered.Add(1)
	case events.TypeHookReplaced:
		s.HooksReplaced.Add(1)
	case events.TypeDispatchForwarded:
		s.DispatchForwarded.Add(1)
	case events.TypeDispatchOverridden:
		s.DispatchOverridden.Add(1)
	case events.TypeDispatchFailed:
		s.DispatchFailed.Add(1)
	case events.TypeImageChanged:
		s.ImageChanges.Add(1)
	}
}

// Uptime returns time since the proxy attached.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	Goroutines         int     `json:"goroutines"`
	MemoryRSSBytes     uint64  `json:"memory_rss_bytes"`
	ImagesLoaded       int64   `json:"images_loaded"`
	ImageLoadFailures  int64   `json:"image_load_failures"`
	ResolveFailures    int64   `json:"resolve_failures"`
	UnverifiedOffsets  int64   `json:"unverified_offsets"`
	HooksRegistered    int64   `json:"hooks_registered"`
	HooksReplaced      int64   `json:"hooks_replaced"`
	DispatchForwarded  int64   `json:"dispatch_forwarded"`
	DispatchOverridden int64   `json:"dispatch_overridden"`
	DispatchFailed     int64   `json:"dispatch_failed"`
	ImageChanges       int64   `json:"image_changes"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:      s.Uptime().Seconds(),
		Goroutines:         runtime.NumGoroutine(),
		MemoryRSSBytes:     memStats.Sys,
		ImagesLoaded:       s.ImagesLoaded.Load(),
		ImageLoadFailures:  s.ImageLoadFailures.Load(),
		ResolveFailures:    s.ResolveFailures.Load(),
		UnverifiedOffsets:  s.UnverifiedOffsets.Load(),
		HooksRegistered:    s.HooksRegistered.Load(),
		HooksReplaced:      s.HooksReplaced.Load(),
		DispatchForwarded:  s.DispatchForwarded.Load(),
		DispatchOverridden: s.DispatchOverridden.Load(),
		DispatchFailed:     s.DispatchFailed.Load(),
		ImageChanges:       s.ImageChanges.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "shimmer_uptime_seconds", "gauge", "Proxy uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "shimmer_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "shimmer_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "shimmer_images_loaded_total", "counter", "Original images loaded", float64(snap.ImagesLoaded))
	b = appendMetric(b, "shimmer_image_load_failures_total", "counter", "Original image load failures", float64(snap.ImageLoadFailures))
	b = appendMetric(b, "shimmer_resolve_failures_total", "counter", "Symbol resolution failures", float64(snap.ResolveFailures))
	b = appendMetric(b, "shimmer_unverified_offsets_total", "counter", "Offset resolutions without export-table verification", float64(snap.UnverifiedOffsets))
	b = appendMetric(b, "shimmer_hooks_registered_total", "counter", "Hooks registered", float64(snap.HooksRegistered))
	b = appendMetric(b, "shimmer_hooks_replaced_total", "counter", "Hooks replaced by duplicate registration", float64(snap.HooksReplaced))
	b = appendMetric(b, "shimmer_dispatch_forwarded_total", "counter", "Dispatches forwarded to the original", float64(snap.DispatchForwarded))
	b = appendMetric(b, "shimmer_dispatch_overridden_total", "counter", "Dispatches overridden by hooks", float64(snap.DispatchOverridden))
	b = appendMetric(b, "shimmer_dispatch_failed_total", "counter", "Failed dispatches", float64(snap.DispatchFailed))
	b = appendMetric(b, "shimmer_image_changes_total", "counter", "On-disk changes of the loaded original", float64(snap.ImageChanges))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
