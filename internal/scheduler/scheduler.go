// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package scheduler converts a normalised playlist into presentation
// events on a monotonic clock, looping at the end of the list and
// supporting pause/resume/skip.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

// EventKind enumerates the events the timeline emits.
type EventKind string

const (
	EventItemStart       EventKind = "item-start"
	EventItemEnd         EventKind = "item-end"
	EventTransitionStart EventKind = "transition-start"
	EventLoopComplete    EventKind = "loop-complete"
	EventStopped         EventKind = "stopped"
)

// Event is a single timeline occurrence.
type Event struct {
	Kind          EventKind
	Item          snapshot.PlaylistItem
	Next          snapshot.PlaylistItem
	Index         int
	PlannedStart  time.Time
	ObservedStart time.Time
	Jitter        time.Duration
}

// jitterWarnThreshold is the per-item jitter above which a warning is
// logged; the P95 target under nominal conditions is the same value.
const jitterWarnThreshold = 100 * time.Millisecond

const jitterWindowSize = 50

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdSkip
)

type command struct {
	kind    cmdKind
	respond chan struct{}
}

// Scheduler drives a single playlist's timeline. One Scheduler instance
// runs at most one playlist at a time; Start replaces any prior run.
type Scheduler struct {
	events   chan Event
	commands chan command

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool

	jitterMu sync.Mutex
	jitter   []time.Duration
}

// New builds a Scheduler. eventBuffer bounds the Events() channel;
// when it is full, further events are dropped with a warning rather
// than blocking the timeline, so it should be drained promptly
// (typically by the playback controller).
func New(eventBuffer int) *Scheduler {
	if eventBuffer < 1 {
		eventBuffer = 16
	}
	return &Scheduler{
		events:   make(chan Event, eventBuffer),
		commands: make(chan command),
	}
}

// Events returns the channel of timeline events.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Start begins looping through items. If a run is already in progress
// it is stopped first, matching "any non-boot state may re-enter" reuse
// by the playback controller (e.g. switching from normal schedule to an
// emergency-only list).
func (s *Scheduler) Start(items []snapshot.PlaylistItem) {
	s.Stop()

	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, items)
}

// Stop halts the current run, if any, and waits for its final
// `stopped` event to have been emitted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Pause freezes the remaining duration of the current item. Idempotent.
func (s *Scheduler) Pause() { s.sendCommand(cmdPause) }

// Resume re-plans from the current monotonic instant. Idempotent.
func (s *Scheduler) Resume() { s.sendCommand(cmdResume) }

// SkipNext ends the current item immediately and advances to the next.
func (s *Scheduler) SkipNext() { s.sendCommand(cmdSkip) }

func (s *Scheduler) sendCommand(kind cmdKind) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	resp := make(chan struct{})
	select {
	case s.commands <- command{kind: kind, respond: resp}:
		<-resp
	case <-time.After(5 * time.Second):
		logging.Warn().Msg("scheduler: command dropped, run loop unresponsive")
	}
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
		logging.Warn().Str("kind", string(e.Kind)).Msg("scheduler: events channel full, dropping event")
	}
}

func (s *Scheduler) recordJitter(d time.Duration) {
	s.jitterMu.Lock()
	defer s.jitterMu.Unlock()
	s.jitter = append(s.jitter, d)
	if len(s.jitter) > jitterWindowSize {
		s.jitter = s.jitter[len(s.jitter)-jitterWindowSize:]
	}
	metrics.SchedulerJitter.Observe(d.Seconds())
	if d > jitterWarnThreshold {
		logging.Warn().Dur("jitter", d).Msg("scheduler: item start jitter exceeded 100ms")
	}
}

// JitterWindow returns a snapshot of the rolling jitter samples, most
// recent last.
func (s *Scheduler) JitterWindow() []time.Duration {
	s.jitterMu.Lock()
	defer s.jitterMu.Unlock()
	out := make([]time.Duration, len(s.jitter))
	copy(out, s.jitter)
	return out
}

// run is the timeline's single owning goroutine. All clock math uses
// time.Time/time.Duration values derived from time.Now(), which carry a
// monotonic reading, so durations survive wall-clock adjustments but
// not process suspension across a sleep/resume cycle.
func (s *Scheduler) run(ctx context.Context, items []snapshot.PlaylistItem) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if len(items) == 0 {
		s.emit(Event{Kind: EventStopped})
		return
	}

	index := 0
	plannedStart := time.Now()

	for {
		item := items[index]
		next := items[(index+1)%len(items)]
		duration := time.Duration(item.DisplayDurationMS) * time.Millisecond
		transitionDur := time.Duration(item.TransitionMS) * time.Millisecond
		remainingTransition := duration - transitionDur
		if remainingTransition < 0 {
			remainingTransition = 0
		}
		remainingEnd := duration

		observedStart := time.Now()
		jitter := observedStart.Sub(plannedStart)
		if jitter < 0 {
			jitter = 0
		}
		s.recordJitter(jitter)
		s.emit(Event{Kind: EventItemStart, Item: item, Index: index, PlannedStart: plannedStart, ObservedStart: observedStart, Jitter: jitter})

		transitioned := remainingTransition == 0
		if transitioned {
			s.emit(Event{Kind: EventTransitionStart, Item: item, Next: next, Index: index})
		}

		skipped := false
		stopped := false

	segment:
		for {
			waitDur := remainingEnd
			waitingOnTransition := !transitioned
			if waitingOnTransition {
				waitDur = remainingTransition
			}

			fired, cmd, elapsed := s.waitUntil(ctx, waitDur)
			if cmd != nil {
				remainingTransition -= elapsed
				if remainingTransition < 0 {
					remainingTransition = 0
				}
				remainingEnd -= elapsed
				if remainingEnd < 0 {
					remainingEnd = 0
				}
				switch cmd.kind {
				case cmdPauseStop:
					stopped = true
					break segment
				case cmdPause:
					close(cmd.respond)
					action := s.waitWhilePaused(ctx)
					if action == cmdPauseStop {
						stopped = true
						break segment
					}
					if action == cmdSkip {
						skipped = true
						break segment
					}
					// resumed: loop back and recompute wait with frozen remaining durations.
					continue segment
				case cmdResume:
					close(cmd.respond)
					continue segment
				case cmdSkip:
					close(cmd.respond)
					skipped = true
					break segment
				}
				continue segment
			}

			if !fired {
				stopped = true
				break segment
			}
			if waitingOnTransition {
				transitioned = true
				s.emit(Event{Kind: EventTransitionStart, Item: item, Next: next, Index: index})
				continue segment
			}
			break segment
		}

		if stopped {
			s.emit(Event{Kind: EventStopped})
			return
		}

		s.emit(Event{Kind: EventItemEnd, Item: item, Index: index})
		_ = skipped

		index++
		loopComplete := false
		if index >= len(items) {
			index = 0
			loopComplete = true
		}
		plannedStart = time.Now()
		if loopComplete {
			s.emit(Event{Kind: EventLoopComplete})
		}
	}
}

// cmdPauseStop is a synthetic command kind used internally to unwind
// waitUntil/waitWhilePaused on context cancellation without a second
// command type visible to callers.
const cmdPauseStop cmdKind = -1

// waitUntil blocks until d elapses, a command arrives, or ctx is done.
// It reports whether the timer fired, the command (if any), and the
// elapsed wall time so the caller can adjust remaining durations.
func (s *Scheduler) waitUntil(ctx context.Context, d time.Duration) (fired bool, cmd *command, elapsed time.Duration) {
	if d < 0 {
		d = 0
	}
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, &command{kind: cmdPauseStop}, time.Since(start)
	case c := <-s.commands:
		return false, &c, time.Since(start)
	case <-timer.C:
		return true, nil, d
	}
}

// waitWhilePaused blocks until resume, skip, or context cancellation,
// acknowledging any further pause commands as idempotent no-ops.
func (s *Scheduler) waitWhilePaused(ctx context.Context) cmdKind {
	for {
		select {
		case <-ctx.Done():
			return cmdPauseStop
		case c := <-s.commands:
			switch c.kind {
			case cmdResume:
				close(c.respond)
				return cmdResume
			case cmdSkip:
				close(c.respond)
				return cmdSkip
			case cmdPause:
				close(c.respond)
				continue
			}
		}
	}
}
