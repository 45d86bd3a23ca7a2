// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package metrics declares the agent's Prometheus series. Components
// import this package and call the exported vars directly rather than
// building their own collectors, so the /metrics surface stays a single
// flat namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport / duplex

	DuplexReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_duplex_reconnects_total",
		Help: "Total number of duplex channel reconnect attempts.",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"breaker"})

	TransportRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_transport_request_duration_seconds",
		Help:    "Duration of control-plane HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "outcome"})

	// Outbound queue

	OutboundQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_outbound_queue_size",
		Help: "Number of records currently queued, per kind.",
	}, []string{"kind"})

	OutboundDrainFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_outbound_drain_failures_total",
		Help: "Total drain attempts that failed to deliver a record.",
	}, []string{"kind"})

	// Cache

	CacheBytesUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_cache_bytes_used",
		Help: "Total bytes occupied by ready cache entries.",
	})

	CacheEntriesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_cache_entries",
		Help: "Cache entry count by status.",
	}, []string{"status"})

	CacheIntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_cache_integrity_failures_total",
		Help: "Total downloads quarantined for a digest mismatch.",
	})

	// Scheduler / playback

	SchedulerJitter = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beacon_scheduler_jitter_seconds",
		Help:    "Observed minus planned item-start time.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	RenderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_render_failures_total",
		Help: "Total consecutive-failure-tracked renderer errors.",
	})

	PlaybackState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beacon_playback_state",
		Help: "1 on the player state currently active, 0 otherwise.",
	}, []string{"state"})

	// Proof of play

	ProofOfPlayRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_proof_of_play_recorded_total",
		Help: "Total proof-of-play events batched for delivery.",
	})

	ProofOfPlayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_proof_of_play_dropped_total",
		Help: "Total proof-of-play end events dropped (no matching start, or duplicate).",
	})

	// Commands

	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_commands_executed_total",
		Help: "Total commands dispatched to a handler, by kind and outcome.",
	}, []string{"kind", "outcome"})

	CommandsRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_commands_rate_limited_total",
		Help: "Total commands rejected by the per-kind rate limiter.",
	}, []string{"kind"})

	// Log shipper

	LogBundlesShipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_log_bundles_shipped_total",
		Help: "Total log bundles successfully uploaded.",
	})

	LogShipperDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_log_shipper_disabled",
		Help: "1 if the log shipper has self-disabled for this process lifetime.",
	})
)
