// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package config loads and validates the agent's typed configuration.
//
// Configuration is layered, highest priority last:
//  1. Built-in defaults (DefaultConfig)
//  2. An optional YAML file (see DefaultConfigPaths, BEACON_CONFIG_PATH)
//  3. Environment variables (BEACON_ prefix; BEACON_CACHE_MAX_BYTES sets cache.max_bytes)
//
// Config is immutable after Load and safe for concurrent read access.
package config

import "time"

// Config is the agent's complete typed configuration.
type Config struct {
	Device       DeviceConfig       `koanf:"device"`
	Endpoints    EndpointsConfig    `koanf:"endpoints"`
	Cache        CacheConfig        `koanf:"cache"`
	Intervals    IntervalsConfig    `koanf:"intervals"`
	MTLS         MTLSConfig         `koanf:"mtls"`
	Logging      LoggingConfig      `koanf:"logging"`
	PowerSchedule PowerScheduleConfig `koanf:"power_schedule"`
	Security     SecurityConfig     `koanf:"security"`
	Outbound     OutboundConfig     `koanf:"outbound"`
	RateLimits   RateLimitsConfig   `koanf:"rate_limits"`
}

// DeviceConfig names the paths where this agent's persistent state lives.
// Every path is a directory; the components that own a subtree create it
// idempotently on first use (spec.md §5, §6).
type DeviceConfig struct {
	// SecretsDir holds client.key / client.crt / ca.crt, owner-only mode.
	SecretsDir string `koanf:"secrets_dir" validate:"required"`
	// CacheDir is the content cache root (objects/, index.*, last-snapshot.*).
	CacheDir string `koanf:"cache_dir" validate:"required"`
	// QueueDir holds the durable outbound queue's spool.
	QueueDir string `koanf:"queue_dir" validate:"required"`
	// LogDir holds rotated log files consumed by the log shipper.
	LogDir string `koanf:"log_dir" validate:"required"`
	// Description is a human-readable device description sent at pairing time.
	Description string `koanf:"description"`
}

// EndpointsConfig names the control-plane's addresses.
type EndpointsConfig struct {
	// ControlBaseURL is the HTTPS base URL for request/response calls
	// (pairing, snapshot, commands, heartbeat, proof-of-play, uploads).
	ControlBaseURL string `koanf:"control_base_url" validate:"required,url"`
	// DuplexURL is the WebSocket URL for the persistent duplex channel.
	DuplexURL string `koanf:"duplex_url"`
}

// CacheConfig controls the content cache (component E) and prefetch
// planner (component G).
type CacheConfig struct {
	// MaxBytes bounds total size of status=ready entries.
	MaxBytes int64 `koanf:"max_bytes" validate:"gt=0"`
	// PrefetchConcurrency bounds the planner's worker pool size.
	PrefetchConcurrency int `koanf:"prefetch_concurrency" validate:"gte=1"`
	// PrefetchHorizon is "H": the number of upcoming items to keep pinned
	// and prefetched ahead of now-playing.
	PrefetchHorizon int `koanf:"prefetch_horizon" validate:"gte=0"`
	// BandwidthBudgetMbps is the rolling download budget; 0 pauses all
	// downloads (spec.md §8 boundary behaviour).
	BandwidthBudgetMbps float64 `koanf:"bandwidth_budget_mbps" validate:"gte=0"`
}

// IntervalsConfig names the cadence of the agent's periodic tasks, in
// milliseconds, matching spec.md §6.
type IntervalsConfig struct {
	HeartbeatMS   int `koanf:"heartbeat_ms" validate:"gt=0"`
	SnapshotPollMS int `koanf:"snapshot_poll_ms" validate:"gt=0"`
	CommandPollMS int `koanf:"command_poll_ms" validate:"gt=0"`
	HealthCheckMS int `koanf:"health_check_ms" validate:"gt=0"`
}

// MTLSConfig controls mutual-TLS transport and certificate auto-renewal.
type MTLSConfig struct {
	Enabled        bool `koanf:"enabled"`
	AutoRenew      bool `koanf:"auto_renew"`
	RenewBeforeDays int  `koanf:"renew_before_days" validate:"gte=1"`
}

// LoggingConfig controls the logging package and the log shipper's
// rotation/compression expectations for files it bundles.
type LoggingConfig struct {
	Level            string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format           string `koanf:"format" validate:"oneof=json console"`
	RotationSizeMB   int    `koanf:"rotation_size_mb" validate:"gt=0"`
	RotationInterval string `koanf:"rotation_interval"`
	Compress         bool   `koanf:"compress"`
}

// PowerScheduleConfig defines the local on/off window during which the
// scheduler should present content at all; outside it, the controller
// enters a powered-off sub-state (SPEC_FULL.md supplement).
type PowerScheduleConfig struct {
	Enabled bool   `koanf:"enabled"`
	OnTime  string `koanf:"on_time" validate:"omitempty,datetime=15:04"`
	OffTime string `koanf:"off_time" validate:"omitempty,datetime=15:04"`
}

// SecurityConfig lists source domains allowed for url-type playlist items.
type SecurityConfig struct {
	AllowedSourceDomains []string `koanf:"allowed_source_domains"`
}

// OutboundConfig bounds the durable outbound queue (component D).
type OutboundConfig struct {
	MaxQueueSize    int `koanf:"max_queue_size" validate:"gt=0"`
	MaxAttempts     int `koanf:"max_attempts" validate:"gt=0"`
	DrainConcurrency int `koanf:"drain_concurrency" validate:"gte=1"`
}

// RateLimitsConfig holds the per-kind command rate-limit window
// (spec.md §9 open question), defaulting to one minute. The value is
// loaded and validated, but the command channel does not read it:
// command.New always uses a one-minute window.
type RateLimitsConfig struct {
	CommandWindow time.Duration `koanf:"command_window" validate:"gt=0"`
}

// DefaultConfig returns sensible defaults, overridden by file and
// environment in Load.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			SecretsDir:  "/var/lib/beacon/secrets",
			CacheDir:    "/var/lib/beacon/cache",
			QueueDir:    "/var/lib/beacon/cache",
			LogDir:      "/var/lib/beacon/cache/logs",
			Description: "",
		},
		Endpoints: EndpointsConfig{
			ControlBaseURL: "https://control.invalid",
			DuplexURL:      "",
		},
		Cache: CacheConfig{
			MaxBytes:            10 << 30, // 10 GiB
			PrefetchConcurrency: 3,
			PrefetchHorizon:     3,
			BandwidthBudgetMbps: 50,
		},
		Intervals: IntervalsConfig{
			HeartbeatMS:    60_000,
			SnapshotPollMS: 300_000,
			CommandPollMS:  15_000,
			HealthCheckMS:  30_000,
		},
		MTLS: MTLSConfig{
			Enabled:         true,
			AutoRenew:       true,
			RenewBeforeDays: 14,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "json",
			RotationSizeMB:   50,
			RotationInterval: "24h",
			Compress:         true,
		},
		PowerSchedule: PowerScheduleConfig{
			Enabled: false,
			OnTime:  "06:00",
			OffTime: "22:00",
		},
		Security: SecurityConfig{
			AllowedSourceDomains: nil,
		},
		Outbound: OutboundConfig{
			MaxQueueSize:     10_000,
			MaxAttempts:      8,
			DrainConcurrency: 2,
		},
		RateLimits: RateLimitsConfig{
			CommandWindow: time.Minute,
		},
	}
}
