// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package proofofplay captures confirmed start/end presentation
// events, deduplicates them by idempotency key, and spools them
// offline through the durable outbound queue in size- or time-bounded
// batches.
package proofofplay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/outbound"
)

// Event is a single confirmed presentation, ready for transmission.
type Event struct {
	DeviceID       string `json:"device_id"`
	ScheduleID     string `json:"schedule_id"`
	MediaID        string `json:"media_id"`
	StartUTC       string `json:"start_utc"`
	EndUTC         string `json:"end_utc"`
	DurationMS     int64  `json:"duration_ms"`
	Completed      bool   `json:"completed"`
	IdempotencyKey string `json:"idempotency_key"`
}

const (
	defaultDedupCapacity = 4096
	defaultBatchSize     = 25
	defaultBatchWindow   = 10 * time.Second
	defaultMaxAttempts   = 8
	ackPath              = "/device/proof-of-play"
)

type openEvent struct {
	scheduleID string
	mediaID    string
	start      time.Time
}

// Recorder tracks the single currently-open start (the scheduler never
// overlaps items, so at most one start is open at a time) and batches
// completed events into the outbound queue.
type Recorder struct {
	deviceID string

	mu   sync.Mutex
	open *openEvent

	dedupMu  sync.Mutex
	dedup    map[string]struct{}
	dedupFIFO []string
	dedupCap int

	batch *batcher
}

// New builds a Recorder spooling through q under deviceID.
func New(deviceID string, q *outbound.Queue) *Recorder {
	return &Recorder{
		deviceID: deviceID,
		dedup:    make(map[string]struct{}),
		dedupCap: defaultDedupCapacity,
		batch:    newBatcher(q, ackPath, defaultBatchSize, defaultBatchWindow, defaultMaxAttempts),
	}
}

// RecordStart opens a presentation for scheduleID/mediaID. A start
// without a matching prior end is not possible since the scheduler
// emits strictly-nested item-start/item-end pairs; RecordStart simply
// replaces any previously open event that was never ended.
func (r *Recorder) RecordStart(scheduleID, mediaID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open != nil {
		logging.Warn().Str("schedule_id", r.open.scheduleID).Str("media_id", r.open.mediaID).
			Msg("proofofplay: start without matching end, abandoned")
	}
	r.open = &openEvent{scheduleID: scheduleID, mediaID: mediaID, start: time.Now().UTC()}
}

// RecordEnd closes the currently open event, if it matches
// scheduleID/mediaID. A mismatched or absent end is logged and
// dropped rather than emitted.
func (r *Recorder) RecordEnd(scheduleID, mediaID string, completed bool) {
	r.mu.Lock()
	open := r.open
	if open == nil || open.scheduleID != scheduleID || open.mediaID != mediaID {
		r.mu.Unlock()
		metrics.ProofOfPlayDropped.Inc()
		logging.Warn().Str("schedule_id", scheduleID).Str("media_id", mediaID).
			Msg("proofofplay: end without matching start, dropped")
		return
	}
	r.open = nil
	r.mu.Unlock()

	end := time.Now().UTC()
	key := idempotencyKey(r.deviceID, mediaID, open.start)
	if r.markSeenIfNew(key) {
		r.batch.add(Event{
			DeviceID:       r.deviceID,
			ScheduleID:     scheduleID,
			MediaID:        mediaID,
			StartUTC:       open.start.Format(time.RFC3339Nano),
			EndUTC:         end.Format(time.RFC3339Nano),
			DurationMS:     end.Sub(open.start).Milliseconds(),
			Completed:      completed,
			IdempotencyKey: key,
		})
	} else {
		metrics.ProofOfPlayDropped.Inc()
	}
}

// Reset abandons any currently open event without emitting it, for
// use when the scheduler is reset (e.g. an emergency supersession).
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = nil
}

// Flush forces any pending batch to be enqueued immediately, for use
// at shutdown.
func (r *Recorder) Flush() { r.batch.flush() }

func idempotencyKey(deviceID, mediaID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", deviceID, mediaID, start.UnixNano())
}

// markSeenIfNew reports whether key is new, recording it in a
// capacity-bounded FIFO set; true means the caller should emit.
func (r *Recorder) markSeenIfNew(key string) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if _, ok := r.dedup[key]; ok {
		return false
	}
	r.dedup[key] = struct{}{}
	r.dedupFIFO = append(r.dedupFIFO, key)
	if len(r.dedupFIFO) > r.dedupCap {
		oldest := r.dedupFIFO[0]
		r.dedupFIFO = r.dedupFIFO[1:]
		delete(r.dedup, oldest)
	}
	return true
}

// batcher accumulates events into the outbound queue in size- or
// time-bounded groups.
type batcher struct {
	queue       *outbound.Queue
	path        string
	maxAttempts int
	batchSize   int
	batchWindow time.Duration

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
}

func newBatcher(q *outbound.Queue, path string, batchSize int, batchWindow time.Duration, maxAttempts int) *batcher {
	return &batcher{queue: q, path: path, batchSize: batchSize, batchWindow: batchWindow, maxAttempts: maxAttempts}
}

func (b *batcher) add(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, ev)
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.batchWindow, b.flush)
	}
	if len(b.pending) >= b.batchSize {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.flushLocked()
	}
}

func (b *batcher) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *batcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	if _, err := b.queue.Enqueue(outbound.KindPoP, http.MethodPost, b.path, batch, b.maxAttempts); err != nil {
		logging.Warn().Err(err).Int("batch_size", len(batch)).Msg("proofofplay: failed to enqueue batch")
		return
	}
	metrics.ProofOfPlayRecorded.Add(float64(len(batch)))
}
