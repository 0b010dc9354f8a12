// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbeema/shimmer/pkg/events"
	"github.com/mbeema/shimmer/pkg/registry"
	"github.com/mbeema/shimmer/pkg/resolve"
	"go.uber.org/zap"
)

func newTestServer(state string) (*Server, *Stats, *registry.Registry) {
	stats := NewStats()
	reg := registry.New(nil, zap.NewNop())
	srv := NewServer("127.0.0.1:0", "1.0.0-test", stats, reg, func() string { return state }, zap.NewNop())
	return srv, stats, reg
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("ready")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.State != "ready" {
		t.Errorf("expected state=ready, got %q", hr.State)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestHealthEndpoint_Failed(t *testing.T) {
	srv, _, _ := newTestServer("failed")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	var hr healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "degraded" {
		t.Errorf("failed dispatcher must report degraded, got %q", hr.Status)
	}
}

func TestRegistryEndpoint(t *testing.T) {
	srv, _, reg := newTestServer("ready")
	reg.Register(registry.Entry{
		Key:     resolve.ByName("Frobnicate"),
		Target:  resolve.Symbol{Key: resolve.ByName("Frobnicate"), Addr: 0x7f0000000200, Signature: "fn(u64)->u64"},
		Enabled: true,
	})
	reg.Register(registry.Entry{
		Key:    resolve.ByOffset(0x1a30),
		Target: resolve.Symbol{Key: resolve.ByOffset(0x1a30), Addr: 0x7f0000001a30, Unverified: true},
	})

	req := httptest.NewRequest("GET", "/registry", nil)
	w := httptest.NewRecorder()
	srv.handleRegistry(w, req)

	var out []registryEntry
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	// Snapshot is sorted by key.
	if out[0].Key != "name:Frobnicate" || out[1].Key != "offset:0x1a30" {
		t.Errorf("unexpected order: %q, %q", out[0].Key, out[1].Key)
	}
	if out[0].Signature != "fn(u64)->u64" || !out[0].Enabled {
		t.Errorf("name entry not rendered: %+v", out[0])
	}
	if !out[1].Unverified {
		t.Error("offset entry must carry the unverified flag")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, stats, _ := newTestServer("ready")
	for i := 0; i < 42; i++ {
		stats.Emit(events.Event{Type: events.TypeDispatchForwarded})
	}
	stats.Emit(events.Event{Type: events.TypeDispatchOverridden})
	stats.Emit(events.Event{Type: events.TypeUnverifiedOffset})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "shimmer_dispatch_forwarded_total 42") {
		t.Errorf("expected dispatch_forwarded_total 42 in metrics output")
	}
	if !strings.Contains(body, "shimmer_dispatch_overridden_total 1") {
		t.Errorf("expected dispatch_overridden_total 1 in metrics output")
	}
	if !strings.Contains(body, "shimmer_unverified_offsets_total 1") {
		t.Errorf("expected unverified_offsets_total 1 in metrics output")
	}
	if !strings.Contains(body, "shimmer_uptime_seconds") {
		t.Errorf("expected uptime_seconds in metrics output")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _, _ := newTestServer("ready")

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
