// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

type fakeRenderer struct {
	mu        sync.Mutex
	rendered  []string
	failNext  int32
	fallbacks int32
}

func (r *fakeRenderer) Render(ctx context.Context, item snapshot.PlaylistItem) error {
	if atomic.LoadInt32(&r.failNext) > 0 {
		atomic.AddInt32(&r.failNext, -1)
		return errors.New("render crash")
	}
	r.mu.Lock()
	r.rendered = append(r.rendered, item.ItemID)
	r.mu.Unlock()
	return nil
}
func (r *fakeRenderer) ShowTestPattern(ctx context.Context) error { return nil }
func (r *fakeRenderer) ShowFallback(ctx context.Context, message string) error {
	atomic.AddInt32(&r.fallbacks, 1)
	return nil
}
func (r *fakeRenderer) Screenshot(ctx context.Context) ([]byte, error) { return []byte("frame"), nil }
func (r *fakeRenderer) Stop(ctx context.Context) error                 { return nil }

func newTestStore(t *testing.T) *identity.Store {
	t.Helper()
	st, err := identity.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func waitForState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.State(), want)
}

func TestBootEntersNeedPairingWithoutIdentity(t *testing.T) {
	c := New(newTestStore(t), &fakeRenderer{})
	c.Boot(context.Background())
	defer c.Stop()

	if c.State() != StateNeedPairing {
		t.Errorf("State() = %q, want need-pairing", c.State())
	}
}

func TestApplySnapshotStartsNormalPlayback(t *testing.T) {
	r := &fakeRenderer{}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	s := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s)
	waitForState(t, c, StatePlaybackRunning, time.Second)
}

func TestApplySnapshotDegradedEntersOfflineFallback(t *testing.T) {
	r := &fakeRenderer{}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	s := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Degraded:   true,
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s)
	waitForState(t, c, StateOfflineFallback, time.Second)
}

func TestApplySnapshotEmergencySupersedesNormal(t *testing.T) {
	r := &fakeRenderer{}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	s := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, FitMode: snapshot.FitContain},
		},
		Emergency: &snapshot.PlaylistItem{ItemID: "e1", MediaID: "em1", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, FitMode: snapshot.FitCover},
	}
	c.ApplySnapshot(s)
	waitForState(t, c, StateEmergency, time.Second)
}

func TestApplySnapshotEmptyWhenNoItems(t *testing.T) {
	c := New(newTestStore(t), &fakeRenderer{})
	c.Boot(context.Background())
	defer c.Stop()

	c.ApplySnapshot(&snapshot.Snapshot{ScheduleID: "sched-1", Version: "v1"})
	waitForState(t, c, StateEmpty, time.Second)
}

type fakeRecorder struct {
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (f *fakeRecorder) RecordStart(scheduleID, mediaID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, scheduleID+"/"+mediaID)
}

func (f *fakeRecorder) RecordEnd(scheduleID, mediaID string, completed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, scheduleID+"/"+mediaID)
}

func (f *fakeRecorder) snapshot() (starts, ends []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.starts...), append([]string{}, f.ends...)
}

func TestApplySnapshotEmitsProofOfPlayEvents(t *testing.T) {
	r := &fakeRenderer{}
	rec := &fakeRecorder{}
	c := New(newTestStore(t), r)
	c.SetProofRecorder(rec)
	c.Boot(context.Background())
	defer c.Stop()

	s := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if starts, ends := rec.snapshot(); len(starts) > 0 && len(ends) > 0 {
			if starts[0] != "sched-1/m1" || ends[0] != "sched-1/m1" {
				t.Fatalf("starts=%v ends=%v, want sched-1/m1", starts, ends)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected at least one start/end pair to be recorded")
}

func TestApplySnapshotSecondVersionKeepsPlaybackRunning(t *testing.T) {
	r := &fakeRenderer{}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	s1 := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s1)
	waitForState(t, c, StatePlaybackRunning, time.Second)

	s2 := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v2",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i2", MediaID: "m2", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s2)
	waitForState(t, c, StatePlaybackRunning, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		rendered := append([]string{}, r.rendered...)
		r.mu.Unlock()
		for _, id := range rendered {
			if id == "m2" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the second snapshot's item to render; render loop appears dead after the first run's EventStopped")
}

func TestApplySnapshotResumesNormalAfterEmergencyClears(t *testing.T) {
	r := &fakeRenderer{}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	normalItem := snapshot.PlaylistItem{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitContain}
	withEmergency := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items:      []snapshot.PlaylistItem{normalItem},
		Emergency:  &snapshot.PlaylistItem{ItemID: "e1", MediaID: "em1", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitCover},
	}
	c.ApplySnapshot(withEmergency)
	waitForState(t, c, StateEmergency, time.Second)

	cleared := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v2",
		Items:      []snapshot.PlaylistItem{normalItem},
	}
	c.ApplySnapshot(cleared)
	waitForState(t, c, StatePlaybackRunning, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		rendered := append([]string{}, r.rendered...)
		r.mu.Unlock()
		for _, id := range rendered {
			if id == "m1" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected normal playlist to resume rendering after emergency cleared; normal render loop appears dead")
}

func TestRenderFailureTriggersTerminalFallbackAfterThreshold(t *testing.T) {
	r := &fakeRenderer{failNext: maxConsecutiveRenderFailures + 1}
	c := New(newTestStore(t), r)
	c.Boot(context.Background())
	defer c.Stop()

	s := &snapshot.Snapshot{
		ScheduleID: "sched-1",
		Version:    "v1",
		Items: []snapshot.PlaylistItem{
			{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 30, FitMode: snapshot.FitContain},
		},
	}
	c.ApplySnapshot(s)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&r.fallbacks) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&r.fallbacks) == 0 {
		t.Fatal("expected terminal fallback to be shown after exhausting consecutive render failures")
	}
}
