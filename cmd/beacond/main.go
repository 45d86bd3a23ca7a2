// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package main is the entry point for beacond, the digital signage
// device agent.
//
// beacond wires together every long-lived subsystem behind a single
// supervisor tree with four failure-isolation layers:
//
//  1. transport: the duplex channel's reconnect loop and the outbound
//     queue's drain loop.
//  2. content: the snapshot poller and, when a duplex URL is
//     configured, the loop that turns duplex pushes into snapshot
//     refreshes and command polls.
//  3. playback: the certificate renewal loop and, when a power
//     schedule is enabled, the power-schedule loop.
//  4. surface: the health/metrics HTTP server, the heartbeat, the
//     command poll loop, and the log shipper.
//
// The playback controller's render loops are started by
// controller.Boot and run outside the tree.
//
// A crash confined to one layer never stops the others — the render
// loop keeps playing from cache while, say, the log shipper is mid
// backoff.
//
// This binary ships a reference logRenderer (see renderer.go) in place
// of a real kiosk compositor: decoding images/video into a full-screen
// window is a distinct concern from the agent wired together here, and
// a production kiosk build supplies its own playback.Renderer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/cache"
	"github.com/beaconsignal/beacon-agent/internal/command"
	"github.com/beaconsignal/beacon-agent/internal/config"
	"github.com/beaconsignal/beacon-agent/internal/health"
	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/logshipper"
	"github.com/beaconsignal/beacon-agent/internal/outbound"
	"github.com/beaconsignal/beacon-agent/internal/playback"
	"github.com/beaconsignal/beacon-agent/internal/prefetch"
	"github.com/beaconsignal/beacon-agent/internal/proofofplay"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
	"github.com/beaconsignal/beacon-agent/internal/supervisor"
	"github.com/beaconsignal/beacon-agent/internal/transport"
	"github.com/beaconsignal/beacon-agent/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Str("version", version.String()).Msg("starting beacon agent")

	idStore, err := identity.New(cfg.Device.SecretsDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open identity store")
	}

	renderer := newLogRenderer()
	controller := playback.New(idStore, renderer)

	pairingClient, err := transport.NewPairingClient(cfg.Endpoints.ControlBaseURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build pairing client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	controller.Boot(ctx)

	mat := idStore.Load()
	if mat == nil {
		mat = runPairingFlow(ctx, idStore, pairingClient, controller, cfg.Device.Description)
	}
	if mat == nil {
		logging.Info().Msg("shutting down before pairing completed")
		controller.Stop()
		return
	}
	logging.SetDeviceID(mat.DeviceID)
	controller.OnCertIssued()

	client, err := transport.NewClient(cfg.Endpoints.ControlBaseURL, mat)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build control-plane client")
	}

	queue, err := outbound.Open(cfg.Device.QueueDir, cfg.Outbound.MaxQueueSize)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open outbound queue")
	}
	defer queue.Close()

	bandwidthBytesPerSec := cfg.Cache.BandwidthBudgetMbps * 1_000_000 / 8
	rawFetcher := cache.NewHTTPFetcher(&http.Client{Timeout: 60 * time.Second})
	contentCache, err := cache.Open(cfg.Device.CacheDir, cfg.Cache.MaxBytes, prefetch.WrapFetcher(rawFetcher, bandwidthBytesPerSec))
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open content cache")
	}
	defer contentCache.Close()

	resolver := &prefetch.TransportMediaResolver{Client: client, DeviceID: mat.DeviceID}
	planner := prefetch.New(contentCache, resolver, cfg.Cache.PrefetchHorizon, cfg.Cache.PrefetchConcurrency, bandwidthBytesPerSec)

	snapFetcher := &snapshot.TransportFetcher{Client: client}
	snapManager, err := snapshot.NewManager(mat.DeviceID, snapFetcher, cfg.Device.CacheDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open snapshot manager")
	}
	snapManager.Subscribe(func(s *snapshot.Snapshot) {
		controller.ApplySnapshot(s)
		planner.Plan(ctx, s.Active(), 0)
	})

	popRecorder := proofofplay.New(mat.DeviceID, queue)
	controller.SetProofRecorder(popRecorder)

	commandChannel := command.New(client, mat.DeviceID, queue)
	registerCommandHandlers(commandChannel, controller, renderer, client, snapManager, contentCache, queue)

	heartbeatCollector := health.NewCollector(cfg.Device.CacheDir)
	heartbeat := health.NewHeartbeat(mat.DeviceID, heartbeatCollector, queue, time.Duration(cfg.Intervals.HeartbeatMS)*time.Millisecond,
		func() string { return currentScheduleID(snapManager) },
		func() string { return currentMediaID(snapManager) },
	)

	logShipper := logshipper.New(cfg.Device.LogDir, mat.DeviceID, client, 24*time.Hour, 7*24*time.Hour)

	healthServer := health.New(healthPortFromEnv(), healthProvider(contentCache, snapManager, client, cfg.Device.CacheDir))

	slogLogger := logging.NewSlogLogger()
	tree := supervisor.New(slogLogger, supervisor.DefaultConfig())

	tree.AddTransportService(supervisor.NewFuncService("outbound-drain", func(ctx context.Context) error {
		return drainLoop(ctx, queue, client)
	}))

	if cfg.Endpoints.DuplexURL != "" {
		duplex := transport.NewDuplex(cfg.Endpoints.DuplexURL, mat)
		tree.AddTransportService(supervisor.NewFuncService("duplex", duplex.Run))
		tree.AddContentService(supervisor.NewFuncService("duplex-dispatch", func(ctx context.Context) error {
			return duplexDispatchLoop(ctx, duplex, snapManager, commandChannel)
		}))
	}

	tree.AddContentService(supervisor.NewFuncService("snapshot-poll", func(ctx context.Context) error {
		return pollLoop(ctx, time.Duration(cfg.Intervals.SnapshotPollMS)*time.Millisecond, func(ctx context.Context) {
			if _, err := snapManager.Refresh(ctx); err != nil {
				logging.Warn().Err(err).Msg("snapshot refresh failed")
			}
		})
	}))

	tree.AddPlaybackService(supervisor.NewFuncService("renewal", func(ctx context.Context) error {
		return renewalLoop(ctx, idStore, pairingClient, cfg)
	}))

	tree.AddSurfaceService(supervisor.NewFuncService("command-poll", func(ctx context.Context) error {
		return pollLoop(ctx, time.Duration(cfg.Intervals.CommandPollMS)*time.Millisecond, func(ctx context.Context) {
			if err := commandChannel.Poll(ctx); err != nil {
				logging.Warn().Err(err).Msg("command poll failed")
			}
		})
	}))
	tree.AddSurfaceService(supervisor.NewFuncService("heartbeat", heartbeat.Run))
	tree.AddSurfaceService(supervisor.NewFuncService("log-shipper", logShipper.Run))
	tree.AddSurfaceService(supervisor.NewHTTPService("health-surface", healthServer, 10*time.Second))

	if cfg.PowerSchedule.Enabled {
		tree.AddPlaybackService(supervisor.NewFuncService("power-schedule", func(ctx context.Context) error {
			return powerScheduleLoop(ctx, cfg, controller, snapManager)
		}))
	}

	if s := snapManager.Current(); s != nil {
		controller.ApplySnapshot(s)
		planner.Plan(ctx, s.Active(), 0)
	}

	logging.Info().Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context cancelled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	controller.Stop()

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("beacon agent stopped")
}

// runPairingFlow blocks, retrying with backoff, until the device is
// paired or ctx is cancelled. It drives the playback controller's
// pairing-requested/waiting-confirmation/cert-issued transitions so the
// renderer can surface onboarding state to whoever is standing in front
// of the kiosk.
func runPairingFlow(ctx context.Context, idStore *identity.Store, req identity.Requester, controller *playback.Controller, description string) *identity.Material {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for ctx.Err() == nil {
		code, _, err := req.RequestPairingCode(description)
		if err != nil {
			logging.Warn().Err(err).Msg("pairing: failed to request pairing code, retrying")
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		controller.OnPairingRequested()
		logging.Info().Str("pairing_code", code).Msg("pairing: code issued, awaiting operator confirmation")

		paired := false
		for ctx.Err() == nil {
			controller.OnWaitingConfirmation()
			// No device id has been assigned yet at this stage; the
			// pairing code itself is the lookup key the control plane
			// uses to report operator confirmation.
			ok, err := req.PairingStatus(code)
			if err != nil {
				logging.Warn().Err(err).Msg("pairing: status check failed, retrying")
			}
			if ok {
				paired = true
				break
			}
			if !sleepOrDone(ctx, 5*time.Second) {
				return nil
			}
		}
		if !paired {
			return nil
		}

		if err := idStore.Enrol(req, code, description); err != nil {
			logging.Warn().Err(err).Msg("pairing: enrolment failed, restarting pairing")
			if !sleepOrDone(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		return idStore.Load()
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// renewalLoop checks the certificate's remaining validity every six
// hours and re-enrols ahead of expiry via RenewIfNeeded.
func renewalLoop(ctx context.Context, idStore *identity.Store, req identity.Requester, cfg *config.Config) error {
	if !cfg.MTLS.AutoRenew {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	renewBefore := time.Duration(cfg.MTLS.RenewBeforeDays) * 24 * time.Hour

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := idStore.RenewIfNeeded(req, renewBefore, "", cfg.Device.Description); err != nil {
				logging.Warn().Err(err).Msg("certificate renewal failed")
			}
		}
	}
}

func drainLoop(ctx context.Context, q *outbound.Queue, d outbound.Deliverer) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.Drain(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warn().Err(err).Msg("outbound drain failed")
			}
		}
	}
}

func pollLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// duplexDispatchLoop forwards pushed schedule_update/emergency messages
// into an immediate snapshot refresh, and pushed command messages into
// an immediate command poll — the duplex channel is a low-latency
// nudge; the poll loops remain the source of truth for content and
// acknowledgement delivery.
func duplexDispatchLoop(ctx context.Context, d *transport.Duplex, snapManager *snapshot.Manager, commandChannel *command.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-d.Messages():
			switch msg.Kind {
			case transport.KindScheduleUpdate, transport.KindEmergency:
				if _, err := snapManager.Refresh(ctx); err != nil {
					logging.Warn().Err(err).Msg("duplex-triggered snapshot refresh failed")
				}
			case transport.KindCommand:
				if err := commandChannel.Poll(ctx); err != nil {
					logging.Warn().Err(err).Msg("duplex-triggered command poll failed")
				}
			}
		}
	}
}

func powerScheduleLoop(ctx context.Context, cfg *config.Config, controller *playback.Controller, snapManager *snapshot.Manager) error {
	on, errOn := time.Parse("15:04", cfg.PowerSchedule.OnTime)
	off, errOff := time.Parse("15:04", cfg.PowerSchedule.OffTime)
	if errOn != nil || errOff != nil {
		logging.Warn().Msg("power schedule enabled with unparsable on/off time, disabling")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	poweredOn := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			nowMin := now.Hour()*60 + now.Minute()
			onMin := on.Hour()*60 + on.Minute()
			offMin := off.Hour()*60 + off.Minute()
			shouldBeOn := withinWindow(nowMin, onMin, offMin)

			if shouldBeOn && !poweredOn {
				poweredOn = true
				controller.OnPowerOn(snapManager.Current())
			} else if !shouldBeOn && poweredOn {
				poweredOn = false
				controller.OnPowerOff()
			}
		}
	}
}

func withinWindow(now, on, off int) bool {
	if on <= off {
		return now >= on && now < off
	}
	return now >= on || now < off
}

func currentScheduleID(m *snapshot.Manager) string {
	if s := m.Current(); s != nil {
		return s.ScheduleID
	}
	return ""
}

func currentMediaID(m *snapshot.Manager) string {
	s := m.Current()
	if s == nil {
		return ""
	}
	active := s.Active()
	if len(active) == 0 {
		return ""
	}
	return active[0].MediaID
}

func healthPortFromEnv() int {
	const defaultPort = 9090
	v := os.Getenv("BEACON_HEALTH_PORT")
	if v == "" {
		return defaultPort
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 {
		return defaultPort
	}
	return port
}

func healthProvider(c *cache.Cache, m *snapshot.Manager, client *transport.Client, diskPath string) health.Provider {
	collector := health.NewCollector(diskPath)
	return func() health.Summary {
		stats, _ := c.Stats()
		status := health.StatusHealthy
		if s := m.Current(); s == nil {
			status = health.StatusUnhealthy
		} else if s.Degraded {
			status = health.StatusDegraded
		}

		sys, _ := collector.Collect(context.Background())

		summary := health.Summary{
			Status:        status,
			Version:       version.String(),
			UptimeSeconds: version.Uptime().Seconds(),
			System:        sys,
			Cache: health.CacheStats{
				ReadyBytes:       stats.ReadyBytes,
				ReadyCount:       stats.ReadyCount,
				PendingCount:     stats.PendingCount,
				QuarantinedCount: stats.QuarantinedCount,
			},
		}
		if s := m.Current(); s != nil {
			if t, err := time.Parse(time.RFC3339, s.FetchedAtUTC); err == nil {
				summary.LastSyncUTC = &t
			}
		}
		if client.BreakerState() != "closed" {
			summary.RecentErrors = append(summary.RecentErrors, "control-plane breaker state: "+client.BreakerState())
		}
		return summary
	}
}
