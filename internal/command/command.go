// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package command polls for remote directives, dispatches each to a
// per-kind handler under a rate limit, and acknowledges idempotently
// through the durable outbound queue.
package command

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/outbound"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

// Kind enumerates the remote directives the agent understands.
type Kind string

const (
	KindReboot      Kind = "reboot"
	KindRefresh     Kind = "refresh"
	KindScreenshot  Kind = "screenshot"
	KindTestPattern Kind = "test-pattern"
	KindClearCache  Kind = "clear-cache"
	KindPing        Kind = "ping"
)

// Command is a remote directive fetched from the control plane.
type Command struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at,omitempty"`
}

// Result is the outcome of executing (or rate-limiting) a command.
type Result struct {
	CommandID   string         `json:"command_id"`
	Kind        Kind           `json:"kind"`
	Success     bool           `json:"success"`
	RateLimited bool           `json:"rate_limited"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler executes a command and returns its result. Handlers must not
// block past the command's effective deadline; long-running effects
// (e.g. reboot) should fire-and-forget internally.
type Handler func(ctx context.Context, cmd Command) (Result, error)

const (
	defaultRateWindow = time.Minute
	ackedCapacity     = 2048
	pollPath          = "/commands"
	ackPath           = "/device/commands/ack"
)

// Channel polls for pending commands, rate-limits and dispatches them,
// and records idempotent acknowledgements.
type Channel struct {
	client   *transport.Client
	deviceID string
	queue    *outbound.Queue
	handlers map[Kind]Handler
	window   time.Duration

	limMu    sync.Mutex
	limiters map[Kind]*rate.Limiter

	ackMu      sync.Mutex
	acked      map[string]Result
	ackedOrder []string
}

// New builds a Channel. Register handlers with Handle before calling
// Poll.
func New(client *transport.Client, deviceID string, queue *outbound.Queue) *Channel {
	return &Channel{
		client:   client,
		deviceID: deviceID,
		queue:    queue,
		handlers: make(map[Kind]Handler),
		window:   defaultRateWindow,
		limiters: make(map[Kind]*rate.Limiter),
		acked:    make(map[string]Result),
	}
}

// Handle registers fn as the handler for kind.
func (c *Channel) Handle(kind Kind, fn Handler) {
	c.handlers[kind] = fn
}

// Poll fetches pending commands and dispatches each.
func (c *Channel) Poll(ctx context.Context) error {
	resp, err := c.client.Do(ctx, http.MethodGet, "/device/"+c.deviceID+pollPath, nil)
	if err != nil {
		return agenterr.Transport("command", "poll", err)
	}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return nil
	}

	var commands []Command
	if err := json.Unmarshal(resp.Body, &commands); err != nil {
		return agenterr.Protocol("command", "decode_poll", err)
	}
	for _, cmd := range commands {
		c.dispatch(ctx, cmd)
	}
	return nil
}

func (c *Channel) dispatch(ctx context.Context, cmd Command) {
	if prior, ok := c.priorResult(cmd.ID); ok {
		logging.Info().Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).
			Msg("command: redelivery, resending prior result")
		c.ack(ctx, prior)
		return
	}

	if !cmd.ExpiresAt.IsZero() && time.Now().After(cmd.ExpiresAt) {
		result := Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: "expired"}
		metrics.CommandsExecuted.WithLabelValues(string(cmd.Kind), "expired").Inc()
		c.recordAndAck(ctx, cmd.ID, result)
		return
	}

	if !c.allow(cmd.Kind) {
		result := Result{CommandID: cmd.ID, Kind: cmd.Kind, RateLimited: true, Message: "rate limited"}
		logging.Warn().Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).Msg("command: rate limited")
		metrics.CommandsRateLimited.WithLabelValues(string(cmd.Kind)).Inc()
		c.recordAndAck(ctx, cmd.ID, result)
		return
	}

	handler, ok := c.handlers[cmd.Kind]
	if !ok {
		result := Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: "unsupported kind"}
		metrics.CommandsExecuted.WithLabelValues(string(cmd.Kind), "unsupported").Inc()
		c.recordAndAck(ctx, cmd.ID, result)
		return
	}

	result, err := handler(ctx, cmd)
	if err != nil {
		logging.Warn().Err(err).Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).Msg("command: handler failed")
		result = Result{CommandID: cmd.ID, Kind: cmd.Kind, Success: false, Message: err.Error()}
	}
	result.CommandID = cmd.ID
	result.Kind = cmd.Kind
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.CommandsExecuted.WithLabelValues(string(cmd.Kind), outcome).Inc()
	c.recordAndAck(ctx, cmd.ID, result)
}

func (c *Channel) recordAndAck(ctx context.Context, commandID string, result Result) {
	c.markAcked(commandID, result)
	c.ack(ctx, result)
}

func (c *Channel) ack(ctx context.Context, result Result) {
	if _, err := c.queue.Enqueue(outbound.KindCommandAck, http.MethodPost, ackPath, result, 10); err != nil {
		logging.Warn().Err(err).Str("command_id", result.CommandID).Msg("command: failed to enqueue ack")
	}
}

func (c *Channel) priorResult(commandID string) (Result, bool) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	r, ok := c.acked[commandID]
	return r, ok
}

func (c *Channel) markAcked(commandID string, result Result) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if _, exists := c.acked[commandID]; exists {
		return
	}
	c.acked[commandID] = result
	c.ackedOrder = append(c.ackedOrder, commandID)
	if len(c.ackedOrder) > ackedCapacity {
		oldest := c.ackedOrder[0]
		c.ackedOrder = c.ackedOrder[1:]
		delete(c.acked, oldest)
	}
}

// allow reports whether kind's per-kind rate limit currently permits
// an execution, creating that kind's limiter lazily.
func (c *Channel) allow(kind Kind) bool {
	c.limMu.Lock()
	limiter, ok := c.limiters[kind]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.window), 1)
		c.limiters[kind] = limiter
	}
	c.limMu.Unlock()
	return limiter.Allow()
}
