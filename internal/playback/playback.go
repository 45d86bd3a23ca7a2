// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package playback owns the player state machine and arbitrates
// between the normal schedule, the emergency item, the default item,
// and offline/error fallbacks, driving a Renderer through the timeline
// scheduler's events.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/scheduler"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

// State is the agent's player mode; exactly one is current.
type State string

const (
	StateBoot                State = "boot"
	StateNeedPairing         State = "need-pairing"
	StatePairingRequested    State = "pairing-requested"
	StateWaitingConfirmation State = "waiting-confirmation"
	StateCertIssued          State = "cert-issued"
	StatePlaybackRunning     State = "playback-running"
	StateOfflineFallback     State = "offline-fallback"
	StateEmpty               State = "empty"
	StateEmergency           State = "emergency"
	StateError               State = "error"
	// StatePoweredOff is a supplemented sub-state (outside the original
	// distillation) reached via a power-schedule command; playback is
	// suspended without tearing down identity or cache state.
	StatePoweredOff State = "powered-off"
)

// Renderer is the presentation surface the controller drives. A crash
// is any error returned from Render/ShowFallback/ShowTestPattern.
type Renderer interface {
	Render(ctx context.Context, item snapshot.PlaylistItem) error
	ShowTestPattern(ctx context.Context) error
	ShowFallback(ctx context.Context, message string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Stop(ctx context.Context) error
}

// maxConsecutiveRenderFailures is the number of consecutive render
// failures at which the controller shows the terminal fallback slide
// (and, for the normal schedule, enters the error state). Rendering of
// later items is still attempted after that.
const maxConsecutiveRenderFailures = 5

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From State
	To   State
}

// ProofRecorder captures confirmed presentation start/end, matching
// internal/proofofplay.Recorder's shape. The controller depends on
// this narrow interface, not the concrete type, to keep playback
// ignorant of how (or whether) proof-of-play is spooled.
type ProofRecorder interface {
	RecordStart(scheduleID, mediaID string)
	RecordEnd(scheduleID, mediaID string, completed bool)
}

// Controller arbitrates the scheduler's output against emergency and
// default items and owns the renderer's crash-restart behaviour.
type Controller struct {
	identity *identity.Store
	renderer Renderer
	recorder ProofRecorder

	normal    *scheduler.Scheduler
	emergency *scheduler.Scheduler

	mu         sync.Mutex
	state      State
	scheduleID string

	subMu sync.Mutex
	subs  []func(StateChange)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller. The identity store determines the initial
// boot/need-pairing/cert-issued transition.
func New(idStore *identity.Store, renderer Renderer) *Controller {
	c := &Controller{
		identity:  idStore,
		renderer:  renderer,
		normal:    scheduler.New(32),
		emergency: scheduler.New(8),
		state:     StateBoot,
	}
	return c
}

// SetProofRecorder wires a recorder to receive item-start/item-end
// events from both schedulers. Optional: a Controller with no recorder
// simply drives the renderer without emitting proof-of-play.
func (c *Controller) SetProofRecorder(r ProofRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// Subscribe registers fn to be called on every state transition.
func (c *Controller) Subscribe(fn func(StateChange)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	metrics.PlaybackState.WithLabelValues(string(from)).Set(0)
	metrics.PlaybackState.WithLabelValues(string(to)).Set(1)

	logging.Info().Str("from", string(from)).Str("to", string(to)).Msg("playback: state transition")
	c.subMu.Lock()
	subs := append([]func(StateChange){}, c.subs...)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(StateChange{From: from, To: to})
	}
}

// Boot evaluates identity state and moves out of `boot` into either
// `need-pairing` or `cert-issued`, then starts the render loop.
func (c *Controller) Boot(ctx context.Context) {
	if c.identity.State() == identity.StateInstalled {
		c.transition(StateCertIssued)
	} else {
		c.transition(StateNeedPairing)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go c.runRenderLoop(runCtx, c.normal, false)
	go c.runRenderLoop(runCtx, c.emergency, true)
}

// Stop halts both schedulers and the render loop.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.normal.Stop()
	c.emergency.Stop()
	c.wg.Wait()
}

// OnPairingRequested records that a pairing code has been submitted.
func (c *Controller) OnPairingRequested() { c.transition(StatePairingRequested) }

// OnWaitingConfirmation records that the control plane has acknowledged
// the pairing request and is awaiting operator confirmation.
func (c *Controller) OnWaitingConfirmation() { c.transition(StateWaitingConfirmation) }

// OnCertIssued records that pairing completed and identity material is
// installed.
func (c *Controller) OnCertIssued() { c.transition(StateCertIssued) }

// OnPowerOff suspends playback without tearing down identity or cache.
func (c *Controller) OnPowerOff() {
	c.normal.Stop()
	c.emergency.Stop()
	c.transition(StatePoweredOff)
}

// OnPowerOn resumes playback from a powered-off state given the
// current snapshot.
func (c *Controller) OnPowerOn(s *snapshot.Snapshot) {
	c.transition(StateCertIssued)
	c.ApplySnapshot(s)
}

// ApplySnapshot is called whenever the snapshot manager delivers a new
// or degraded snapshot. It decides between emergency, empty, and
// normal playback and (re)starts the appropriate scheduler(s).
func (c *Controller) ApplySnapshot(s *snapshot.Snapshot) {
	if s == nil {
		c.transition(StateEmpty)
		c.normal.Stop()
		c.emergency.Stop()
		return
	}

	c.mu.Lock()
	c.scheduleID = s.ScheduleID
	c.mu.Unlock()

	if s.Emergency != nil {
		c.emergency.Start([]snapshot.PlaylistItem{*s.Emergency})
		c.normal.Stop()
		c.transition(StateEmergency)
		return
	}
	c.emergency.Stop()

	active := s.Active()
	if len(active) == 0 {
		c.normal.Stop()
		c.transition(StateEmpty)
		return
	}

	c.normal.Start(active)
	if s.Degraded {
		c.transition(StateOfflineFallback)
	} else {
		c.transition(StatePlaybackRunning)
	}
}

func (c *Controller) recordStart(mediaID string) {
	c.mu.Lock()
	r, sid := c.recorder, c.scheduleID
	c.mu.Unlock()
	if r != nil {
		r.RecordStart(sid, mediaID)
	}
}

func (c *Controller) recordEnd(mediaID string, completed bool) {
	c.mu.Lock()
	r, sid := c.recorder, c.scheduleID
	c.mu.Unlock()
	if r != nil {
		r.RecordEnd(sid, mediaID, completed)
	}
}

// runRenderLoop consumes a scheduler's events and drives the renderer,
// restarting after a crash with bounded exponential backoff. After
// maxConsecutiveRenderFailures in a row it shows the terminal fallback
// slide and keeps attempting later items, with the delay growing up to
// its 30-second cap, rather than halting the agent.
func (c *Controller) runRenderLoop(ctx context.Context, sched *scheduler.Scheduler, isEmergency bool) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	consecutiveFailures := 0
	terminal := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sched.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case scheduler.EventItemStart:
				if err := c.renderer.Render(ctx, ev.Item); err != nil {
					consecutiveFailures++
					metrics.RenderFailures.Inc()
					delay := b.NextBackOff()
					logging.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).
						Dur("retry_in", delay).Bool("emergency", isEmergency).
						Msg("playback: render failed")
					if consecutiveFailures >= maxConsecutiveRenderFailures && !terminal {
						terminal = true
						if ferr := c.renderer.ShowFallback(ctx, "content temporarily unavailable"); ferr != nil {
							logging.Error().Err(ferr).Msg("playback: terminal fallback render also failed")
						}
						if !isEmergency {
							c.transition(StateError)
						}
					}
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
					continue
				}
				c.recordStart(ev.Item.MediaID)
				if consecutiveFailures > 0 || terminal {
					consecutiveFailures = 0
					terminal = false
					b.Reset()
					if !isEmergency && c.State() == StateError {
						c.transition(StatePlaybackRunning)
					}
				}
			case scheduler.EventItemEnd:
				c.recordEnd(ev.Item.MediaID, true)
			case scheduler.EventStopped:
				// Stop is routine here: ApplySnapshot calls Stop on every
				// emergency toggle and empty transition, and Start calls
				// Stop internally before each new run. The scheduler is
				// reused across runs, so this loop must keep consuming
				// its events rather than exiting after the first one.
			}
		}
	}
}
