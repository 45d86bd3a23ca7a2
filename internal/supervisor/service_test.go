// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestFuncServiceServeDelegatesToFn(t *testing.T) {
	called := false
	svc := NewFuncService("test", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := svc.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
	if svc.String() != "test" {
		t.Errorf("String() = %q, want test", svc.String())
	}
}

type fakeHTTPServer struct {
	listenErr   error
	shutdownErr error
	shutdownCh  chan struct{}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.shutdownCh != nil {
		<-f.shutdownCh
		return http.ErrServerClosed
	}
	return f.listenErr
}

func (f *fakeHTTPServer) Shutdown(ctx context.Context) error {
	if f.shutdownCh != nil {
		close(f.shutdownCh)
	}
	return f.shutdownErr
}

func TestHTTPServiceShutsDownGracefullyOnCancel(t *testing.T) {
	srv := &fakeHTTPServer{shutdownCh: make(chan struct{})}
	svc := NewHTTPService("health", srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}
}

func TestHTTPServiceReturnsListenError(t *testing.T) {
	srv := &fakeHTTPServer{listenErr: errors.New("bind failed")}
	svc := NewHTTPService("health", srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("expected an error when ListenAndServe fails immediately")
	}
}

func TestHTTPServiceDefaultsShutdownTimeout(t *testing.T) {
	svc := NewHTTPService("health", &fakeHTTPServer{}, 0)
	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("shutdownTimeout = %v, want 10s default", svc.shutdownTimeout)
	}
}
