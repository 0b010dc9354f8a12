// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mbeema/shimmer/pkg/registry"
	"go.uber.org/zap"
)

// Server serves the local diagnostics endpoints: /health, /registry and
// /metrics. Bind to loopback; the hook table reveals what is being
// intercepted.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	reg     *registry.Registry
	state   func() string
	version string
	addr    string
	server  *http.Server
}

// NewServer creates a diagnostics server. state reports the dispatcher's
// current life-cycle state for the health payload.
func NewServer(addr, version string, stats *Stats, reg *registry.Registry, state func() string, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		reg:     reg,
		state:   state,
		logger:  logger,
	}
}

// Start begins serving diagnostics endpoints.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/registry", s.handleRegistry)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diag server error", zap.Error(err))
		}
	}()

	s.logger.Info("diag server started", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.state()
	status := "healthy"
	if state == "failed" {
		status = "degraded"
	}
	resp := healthResponse{
		Status:  status,
		State:   state,
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type registryEntry struct {
	Key        string `json:"key"`
	Addr       string `json:"addr,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Unverified bool   `json:"unverified,omitempty"`
	Enabled    bool   `json:"enabled"`
	HasPre     bool   `json:"has_pre"`
	HasPost    bool   `json:"has_post"`
}

func (s *Server) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	snap := s.reg.Snapshot()
	out := make([]registryEntry, 0, len(snap))
	for _, e := range snap {
		re := registryEntry{
			Key:        e.Key.String(),
			Signature:  e.Target.Signature,
			Unverified: e.Target.Unverified,
			Enabled:    e.Enabled,
			HasPre:     e.Pre != nil,
			HasPost:    e.Post != nil,
		}
		if e.Target.Addr != 0 {
			re.Addr = fmt.Sprintf("%#x", e.Target.Addr)
		}
		out = append(out, re)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}
