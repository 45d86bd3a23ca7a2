// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package version holds build-time identifiers injected via -ldflags and
// exposes process uptime for the health surface and the command channel's
// ping handler.
package version

import "time"

// Version, Commit and BuildDate are overwritten at build time via:
//
//	-ldflags "-X github.com/beaconsignal/beacon-agent/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var started = time.Now()

// Uptime reports how long this process has been running.
func Uptime() time.Duration {
	return time.Since(started)
}

// String renders a one-line identifier suitable for logs and ping replies.
func String() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}
