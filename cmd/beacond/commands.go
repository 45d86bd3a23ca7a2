// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"context"
	"os"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/cache"
	"github.com/beaconsignal/beacon-agent/internal/command"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/outbound"
	"github.com/beaconsignal/beacon-agent/internal/playback"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
	"github.com/beaconsignal/beacon-agent/internal/transport"
	"github.com/beaconsignal/beacon-agent/internal/version"
)

// registerCommandHandlers wires every command.Kind the channel
// understands to its collaborator, per spec.md's command handler table:
// reboot restarts the process (an outer process supervisor is expected
// to bring it back up), refresh forces the snapshot manager to
// re-fetch, screenshot captures a frame from the renderer and uploads
// it via the indirect-URL protocol, test-pattern asks the renderer to
// show its diagnostic pattern, clear-cache invokes the content cache's
// clear with the command's force flag, and ping reports uptime/version.
func registerCommandHandlers(ch *command.Channel, controller *playback.Controller, renderer playback.Renderer, client *transport.Client, snapManager *snapshot.Manager, contentCache *cache.Cache, queue *outbound.Queue) {
	_ = queue // acknowledgements are enqueued by the channel itself

	ch.Handle(command.KindReboot, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		logging.Warn().Str("command_id", cmd.ID).Msg("reboot command received, scheduling orderly restart")
		go func() {
			time.Sleep(2 * time.Second)
			os.Exit(0)
		}()
		return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: true, Message: "restart scheduled"}, nil
	})

	ch.Handle(command.KindRefresh, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		s, err := snapManager.Refresh(ctx)
		if err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		if s != nil {
			controller.ApplySnapshot(s)
		}
		return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: true}, nil
	})

	ch.Handle(command.KindScreenshot, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		frame, err := renderer.Screenshot(ctx)
		if err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		ticket, err := client.RequestUploadTicket(ctx, "screenshot")
		if err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		if err := client.UploadBytes(ctx, ticket.UploadURL, frame, "image/png"); err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		return command.Result{
			CommandID: cmd.ID,
			Kind:      cmd.Kind,
			Success:   true,
			Data:      map[string]any{"asset_id": ticket.AssetID},
		}, nil
	})

	ch.Handle(command.KindTestPattern, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		if err := renderer.ShowTestPattern(ctx); err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: true}, nil
	})

	ch.Handle(command.KindClearCache, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		force, _ := cmd.Parameters["force"].(bool)
		if err := contentCache.Clear(force); err != nil {
			return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}, nil
		}
		return command.Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: true}, nil
	})

	ch.Handle(command.KindPing, func(ctx context.Context, cmd command.Command) (command.Result, error) {
		return command.Result{
			CommandID: cmd.ID,
			Kind:      cmd.Kind,
			Success:   true,
			Data: map[string]any{
				"uptime_seconds": version.Uptime().Seconds(),
				"version":        version.String(),
			},
		}, nil
	})
}
