// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package health exposes the agent's loopback-only local surface: a
// health summary endpoint and a Prometheus metrics endpoint. Nothing on
// this surface requires authentication, because it binds only to the
// loopback interface.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status summarises the agent's overall health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SystemStats is the heartbeat's and /healthz's view of host resource
// usage.
type SystemStats struct {
	CPUPercent     float64  `json:"cpu_percent"`
	MemUsedBytes   uint64   `json:"mem_used_bytes"`
	MemTotalBytes  uint64   `json:"mem_total_bytes"`
	DiskUsedBytes  uint64   `json:"disk_used_bytes"`
	DiskTotalBytes uint64   `json:"disk_total_bytes"`
	TemperatureC   *float64 `json:"temperature_c,omitempty"`
}

// CacheStats mirrors internal/cache.Stats without importing that
// package, keeping the health surface's schema independent of the
// cache's internal representation.
type CacheStats struct {
	ReadyBytes       int64 `json:"ready_bytes"`
	ReadyCount       int   `json:"ready_count"`
	PendingCount     int   `json:"pending_count"`
	QuarantinedCount int   `json:"quarantined_count"`
}

// Summary is the body of a /healthz response.
type Summary struct {
	Status        Status     `json:"status"`
	Version       string     `json:"version"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	LastSyncUTC   *time.Time `json:"last_sync_utc,omitempty"`
	Cache         CacheStats `json:"cache_stats"`
	RecentErrors  []string   `json:"recent_errors,omitempty"`
	System        SystemStats `json:"system_stats"`
}

// Provider builds the current Summary on demand. The composition root
// supplies a closure that reads the live state of every component; this
// package only knows how to serve whatever it is handed.
type Provider func() Summary

// Server is the loopback-only HTTP surface. It satisfies the
// ListenAndServe/Shutdown shape a supervisor wraps as a managed service.
type Server struct {
	httpServer *http.Server
}

// New builds a Server bound to 127.0.0.1:port, ignoring any other host
// the caller might be tempted to pass: the surface is unauthenticated by
// design and must never bind to a routable interface.
func New(port int, provider Provider) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	// The surface is unauthenticated but not unguarded: a restart-looping
	// supervised service hammering its own health check should not be
	// able to pin a CPU core polling this handler.
	r.Use(httprate.LimitAll(120, time.Minute))
	r.Get("/healthz", handleHealthz(provider))
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func handleHealthz(provider Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary := provider()
		w.Header().Set("Content-Type", "application/json")
		switch summary.Status {
		case StatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Addr reports the bound address, useful for logging and tests.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe blocks serving the loopback surface until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the surface, waiting for in-flight requests
// up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }
