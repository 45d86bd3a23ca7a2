// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package health

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/outbound"
	"github.com/beaconsignal/beacon-agent/internal/version"
)

const heartbeatPath = "/device/heartbeat"

// HeartbeatRecord is the wire body enqueued for delivery at each
// heartbeat tick.
type HeartbeatRecord struct {
	DeviceID      string      `json:"device_id"`
	TimestampUTC  time.Time   `json:"timestamp_utc"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	ScheduleID    string      `json:"schedule_id,omitempty"`
	MediaID       string      `json:"media_id,omitempty"`
	System        SystemStats `json:"system_stats"`
}

// StatsCollector gathers a point-in-time view of host resource usage.
// The concrete implementation wraps gopsutil; tests substitute a fake.
type StatsCollector interface {
	Collect(ctx context.Context) (SystemStats, error)
}

// Collector is the gopsutil-backed StatsCollector.
type Collector struct {
	diskPath string
}

// NewCollector builds a Collector that reports usage of the filesystem
// containing diskPath (typically the cache root).
func NewCollector(diskPath string) *Collector {
	return &Collector{diskPath: diskPath}
}

// Collect samples CPU, memory, disk, and (where available) temperature.
// A failure on any one series degrades that field to its zero value
// rather than failing the whole heartbeat; the error returned is the
// first failure encountered, for logging.
func (c *Collector) Collect(ctx context.Context) (SystemStats, error) {
	var stats SystemStats
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		note(err)
	} else if len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		note(err)
	} else {
		stats.MemUsedBytes = vm.Used
		stats.MemTotalBytes = vm.Total
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		note(err)
	} else {
		stats.DiskUsedBytes = du.Used
		stats.DiskTotalBytes = du.Total
	}

	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		t := temps[0].Temperature
		stats.TemperatureC = &t
	}

	return stats, firstErr
}

// Heartbeat periodically collects system stats and the current
// schedule/media identifiers and enqueues a record for delivery.
type Heartbeat struct {
	deviceID   string
	collector  StatsCollector
	queue      *outbound.Queue
	interval   time.Duration
	scheduleID func() string
	mediaID    func() string
}

// NewHeartbeat builds a Heartbeat. scheduleID and mediaID are read at
// each tick to report current playback position; either may be nil.
func NewHeartbeat(deviceID string, collector StatsCollector, queue *outbound.Queue, interval time.Duration, scheduleID, mediaID func() string) *Heartbeat {
	return &Heartbeat{
		deviceID:   deviceID,
		collector:  collector,
		queue:      queue,
		interval:   interval,
		scheduleID: scheduleID,
		mediaID:    mediaID,
	}
}

// Run ticks at the configured interval until ctx is cancelled, enqueuing
// one heartbeat record per tick. Collection or enqueue failures are
// logged and do not stop the loop.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	stats, err := h.collector.Collect(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("health: partial system stats collection failure")
	}

	rec := HeartbeatRecord{
		DeviceID:      h.deviceID,
		TimestampUTC:  time.Now().UTC(),
		UptimeSeconds: version.Uptime().Seconds(),
		System:        stats,
	}
	if h.scheduleID != nil {
		rec.ScheduleID = h.scheduleID()
	}
	if h.mediaID != nil {
		rec.MediaID = h.mediaID()
	}

	if _, err := h.queue.Enqueue(outbound.KindHeartbeat, http.MethodPost, heartbeatPath, rec, 5); err != nil {
		logging.Warn().Err(err).Msg("health: failed to enqueue heartbeat")
	}
}
