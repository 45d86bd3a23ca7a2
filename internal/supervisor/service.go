// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FuncService adapts a plain `func(ctx) error` loop — most of this
// agent's long-running tasks already have exactly this shape (the
// duplex channel's Run, the outbound queue's Drain bound to a
// Deliverer, the heartbeat's Run, the log shipper's Run) — into a
// suture.Service, giving it a name suture's event hook can log against.
type FuncService struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncService wraps fn as a named suture.Service.
func NewFuncService(name string, fn func(ctx context.Context) error) *FuncService {
	return &FuncService{name: name, fn: fn}
}

// Serve implements suture.Service.
func (s *FuncService) Serve(ctx context.Context) error {
	return s.fn(ctx)
}

// String satisfies suture's optional Stringer for friendlier logs.
func (s *FuncService) String() string { return s.name }

// HTTPServer matches *http.Server's lifecycle methods, the same
// minimal interface the health surface's Server satisfies.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService wraps an HTTPServer as a supervised service, translating
// its blocking ListenAndServe into suture's context-aware Serve: start
// it in a goroutine, wait for either a server error or ctx
// cancellation, and on cancellation call Shutdown with a bounded
// timeout for graceful connection draining.
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService builds an HTTPService. A non-positive shutdownTimeout
// defaults to 10s.
func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s: shutdown: %w", h.name, err)
		}
		return nil
	}
}

// String satisfies suture's optional Stringer for friendlier logs.
func (h *HTTPService) String() string { return h.name }
