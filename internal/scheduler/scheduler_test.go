// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package scheduler

import (
	"testing"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

func shortItems() []snapshot.PlaylistItem {
	return []snapshot.PlaylistItem{
		{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, TransitionMS: 10, FitMode: snapshot.FitContain},
		{ItemID: "i2", MediaID: "m2", MediaType: snapshot.MediaImage, DisplayDurationMS: 60, TransitionMS: 10, FitMode: snapshot.FitContain},
	}
}

func drainUntil(t *testing.T, s *Scheduler, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-s.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %q", kind)
		}
	}
}

func TestStartEmitsItemStartThenLoopComplete(t *testing.T) {
	s := New(32)
	s.Start(shortItems())
	defer s.Stop()

	first := drainUntil(t, s, EventItemStart, time.Second)
	if first.Item.ItemID != "i1" {
		t.Errorf("first item-start = %q, want i1", first.Item.ItemID)
	}

	drainUntil(t, s, EventLoopComplete, 2*time.Second)
}

func TestObservedStartNeverBeforePlannedStart(t *testing.T) {
	s := New(32)
	s.Start(shortItems())
	defer s.Stop()

	for i := 0; i < 4; i++ {
		e := drainUntil(t, s, EventItemStart, 2*time.Second)
		if e.ObservedStart.Before(e.PlannedStart) {
			t.Errorf("ObservedStart %v before PlannedStart %v", e.ObservedStart, e.PlannedStart)
		}
		if e.Jitter < 0 {
			t.Errorf("Jitter = %v, want >= 0", e.Jitter)
		}
	}
}

func TestSkipNextAdvancesImmediately(t *testing.T) {
	items := []snapshot.PlaylistItem{
		{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 10_000, FitMode: snapshot.FitContain},
		{ItemID: "i2", MediaID: "m2", MediaType: snapshot.MediaImage, DisplayDurationMS: 10_000, FitMode: snapshot.FitContain},
	}
	s := New(32)
	s.Start(items)
	defer s.Stop()

	drainUntil(t, s, EventItemStart, time.Second)

	done := make(chan struct{})
	go func() { s.SkipNext(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SkipNext() did not return")
	}

	second := drainUntil(t, s, EventItemStart, time.Second)
	if second.Item.ItemID != "i2" {
		t.Errorf("item after skip = %q, want i2", second.Item.ItemID)
	}
}

func TestPauseResumeIsIdempotent(t *testing.T) {
	items := []snapshot.PlaylistItem{
		{ItemID: "i1", MediaID: "m1", MediaType: snapshot.MediaImage, DisplayDurationMS: 500, FitMode: snapshot.FitContain},
	}
	s := New(32)
	s.Start(items)
	defer s.Stop()

	drainUntil(t, s, EventItemStart, time.Second)
	s.Pause()
	s.Pause() // idempotent
	s.Resume()
	s.Resume() // idempotent

	drainUntil(t, s, EventItemEnd, 2*time.Second)
}

func TestStopEmitsStoppedAndHalts(t *testing.T) {
	s := New(32)
	s.Start(shortItems())

	drainUntil(t, s, EventItemStart, time.Second)
	s.Stop()

	// A second Stop() must be a safe no-op.
	s.Stop()
}
