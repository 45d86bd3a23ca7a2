// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"context"
	"sync"

	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

// logRenderer is a reference playback.Renderer: it logs every
// directive instead of decoding and compositing media. A real kiosk
// build swaps this for a renderer that owns a full-screen window and
// an image/video decode pipeline; that surface is a separate concern
// from the agent this binary wires together, so no such implementation
// ships here.
type logRenderer struct {
	mu      sync.Mutex
	current string
}

func newLogRenderer() *logRenderer {
	return &logRenderer{}
}

func (r *logRenderer) Render(ctx context.Context, item snapshot.PlaylistItem) error {
	r.mu.Lock()
	r.current = item.MediaID
	r.mu.Unlock()
	logging.Info().
		Str("item_id", item.ItemID).
		Str("media_id", item.MediaID).
		Str("media_type", string(item.MediaType)).
		Int("duration_ms", item.DisplayDurationMS).
		Msg("renderer: show item")
	return nil
}

func (r *logRenderer) ShowTestPattern(ctx context.Context) error {
	logging.Info().Msg("renderer: show test pattern")
	return nil
}

func (r *logRenderer) ShowFallback(ctx context.Context, message string) error {
	logging.Warn().Str("message", message).Msg("renderer: show fallback slide")
	return nil
}

func (r *logRenderer) Screenshot(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []byte("reference renderer has no framebuffer: " + r.current), nil
}

func (r *logRenderer) Stop(ctx context.Context) error {
	logging.Info().Msg("renderer: stop")
	return nil
}
