// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package supervisor wires the agent's long-lived tasks into a suture/v4
// tree, giving each layer its own failure-isolation boundary: a crash
// repeatedly restarting the log shipper must never take down the
// duplex channel or the render loop.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds supervisor tree tuning. Zero values are replaced by
// DefaultConfig's values in New.
type Config struct {
	// FailureThreshold is the number of failures within FailureDecay
	// seconds before a supervisor enters backoff.
	FailureThreshold float64
	// FailureDecay is the rate, in seconds, at which failures decay.
	FailureDecay float64
	// FailureBackoff is how long a supervisor waits once FailureThreshold
	// is exceeded before restarting a failed service again.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long Serve waits for a service to
	// return after ctx is cancelled before reporting it unstopped.
	ShutdownTimeout time.Duration
}

// DefaultConfig matches suture's own documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Tree is the agent's supervision hierarchy, organised into four
// layers matching the spec's concurrency model (§5):
//
//   - transport: the duplex channel's reconnect loop and the outbound
//     queue's drain loop. Both must keep retrying independently of
//     whether anything is currently playable.
//   - content: the snapshot poller and the loop that turns duplex
//     pushes into snapshot refreshes and command polls.
//   - playback: the certificate renewal loop and, when enabled, the
//     power-schedule loop.
//   - surface: the health/metrics HTTP server, the heartbeat ticker,
//     the command poll loop, and the log shipper.
//
// The playback controller's render loops are not part of the tree;
// cmd/beacond starts them through controller.Boot.
//
// A crash confined to one layer never stops the others: the render
// loop keeps playing from cache while the transport layer is mid
// backoff, exactly as spec.md §7's propagation policy requires.
type Tree struct {
	root      *suture.Supervisor
	transport *suture.Supervisor
	content   *suture.Supervisor
	playback  *suture.Supervisor
	surface   *suture.Supervisor
	config    Config
}

// New builds a Tree. logger receives suture's own lifecycle events
// (service start/stop/panic) through the slog bridge, so they land in
// the same structured log sink as everything else the agent emits.
func New(logger *slog.Logger, config Config) *Tree {
	config = config.withDefaults()

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("beacon-agent", rootSpec)
	transport := suture.New("transport-layer", childSpec)
	content := suture.New("content-layer", childSpec)
	playback := suture.New("playback-layer", childSpec)
	surface := suture.New("surface-layer", childSpec)

	root.Add(transport)
	root.Add(content)
	root.Add(playback)
	root.Add(surface)

	return &Tree{
		root:      root,
		transport: transport,
		content:   content,
		playback:  playback,
		surface:   surface,
		config:    config,
	}
}

// AddTransportService registers svc under the transport layer.
func (t *Tree) AddTransportService(svc suture.Service) suture.ServiceToken {
	return t.transport.Add(svc)
}

// AddContentService registers svc under the content layer.
func (t *Tree) AddContentService(svc suture.Service) suture.ServiceToken {
	return t.content.Add(svc)
}

// AddPlaybackService registers svc under the playback layer.
func (t *Tree) AddPlaybackService(svc suture.Service) suture.ServiceToken {
	return t.playback.Add(svc)
}

// AddSurfaceService registers svc under the surface layer.
func (t *Tree) AddSurfaceService(svc suture.Service) suture.ServiceToken {
	return t.surface.Add(svc)
}

// Serve starts every registered service and blocks until ctx is
// cancelled, restarting failed services with backoff per layer.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a goroutine, returning a channel
// that receives the terminal error (or nil) once Serve returns.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not return within
// ShutdownTimeout of ctx cancellation, for shutdown diagnostics.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
