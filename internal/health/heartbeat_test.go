// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/outbound"
)

type fakeCollector struct {
	stats SystemStats
	err   error
}

func (f *fakeCollector) Collect(ctx context.Context) (SystemStats, error) {
	return f.stats, f.err
}

func openTestQueue(t *testing.T) *outbound.Queue {
	t.Helper()
	q, err := outbound.Open(filepath.Join(t.TempDir(), "outbound"), 1000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestHeartbeatTickEnqueuesRecord(t *testing.T) {
	q := openTestQueue(t)
	fc := &fakeCollector{stats: SystemStats{CPUPercent: 12.5, MemUsedBytes: 100, MemTotalBytes: 200}}
	h := NewHeartbeat("device-1", fc, q, time.Hour,
		func() string { return "sched-1" },
		func() string { return "media-1" },
	)

	h.tick(context.Background())

	size, err := q.Size()
	if err != nil || size != 1 {
		t.Fatalf("Size() = %d, %v, want 1", size, err)
	}
}

func TestHeartbeatRunTicksUntilCancelled(t *testing.T) {
	q := openTestQueue(t)
	fc := &fakeCollector{stats: SystemStats{}}
	h := NewHeartbeat("device-1", fc, q, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	size, err := q.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size < 2 {
		t.Errorf("Size() = %d, want at least 2 ticks over 45ms at 10ms interval", size)
	}
}

func TestHeartbeatToleratesCollectorError(t *testing.T) {
	q := openTestQueue(t)
	fc := &fakeCollector{err: context.DeadlineExceeded}
	h := NewHeartbeat("device-1", fc, q, time.Hour, nil, nil)

	h.tick(context.Background())

	size, err := q.Size()
	if err != nil || size != 1 {
		t.Fatalf("Size() = %d, %v, want 1 (heartbeat still enqueued despite partial collection failure)", size, err)
	}
}

func TestHeartbeatRecordMarshalsSystemStats(t *testing.T) {
	rec := HeartbeatRecord{
		DeviceID:     "device-1",
		TimestampUTC: time.Now().UTC(),
		System:       SystemStats{CPUPercent: 1.5},
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var out HeartbeatRecord
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.System.CPUPercent != 1.5 {
		t.Errorf("System.CPUPercent = %v, want 1.5", out.System.CPUPercent)
	}
}
