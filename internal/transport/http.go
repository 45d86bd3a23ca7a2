// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package transport implements the agent's two network modalities:
// mutually-authenticated request/response over HTTPS, wrapped in a
// circuit breaker and bounded exponential backoff, and a persistent
// duplex channel with automatic reconnect. Both honour per-call
// deadlines; request/response additionally distinguishes retryable
// transport/5xx failures from immediate 4xx failures.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
)

const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	requestTimeout = 30 * time.Second
	maxAttempts   = 6
)

// Client performs request/response calls against the control plane's
// HTTPS base URL, optionally mutually-authenticated with the device's
// identity material, wrapped in a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[*Response]
	cbName  string
	limiter *rate.Limiter
}

// BreakerState reports the circuit breaker's current state, for the
// health surface and metrics export.
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// Response is a decoded HTTP response: status code, body bytes, and the
// parsed Retry-After hint (for 429).
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// NewClient builds a Client. When mat is non-nil and has paired
// material, the underlying transport presents the client certificate
// and trusts only the issuing CA.
func NewClient(baseURL string, mat *identity.Material) (*Client, error) {
	transport := &http.Transport{}
	if mat != nil && mat.Paired() {
		cert, err := tls.X509KeyPair(mat.CertPEM, mat.KeyPEM)
		if err != nil {
			return nil, agenterr.Config("transport", "load_client_cert", err)
		}
		pool, err := caCertPool(mat.CAPEM)
		if err != nil {
			return nil, agenterr.Config("transport", "load_ca_pool", err)
		}
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		}
	}

	cbName := "control-plane-http"
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("transport circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
		cb:      cb,
		cbName:  cbName,
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	}, nil
}

func caCertPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: no certificates found in CA PEM")
	}
	return pool, nil
}

// Do performs method against path relative to the base URL, retrying on
// transport failure and 5xx up to maxAttempts with exponential backoff
// and jitter, capped at backoffCap. 4xx responses and 501 Not
// Implemented return immediately with the response, without retry,
// except 429 which honours the server's Retry-After.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, agenterr.Protocol("transport", "marshal_request", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, agenterr.Transport("transport", "do", ctx.Err())
			case <-time.After(wait):
			}
		}

		resp, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var nr *nonRetryable
		if errors.As(err, &nr) {
			return nr.resp, nr.err
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			select {
			case <-ctx.Done():
				return nil, agenterr.Transport("transport", "do", ctx.Err())
			case <-time.After(resp.RetryAfter):
			}
			continue
		}
	}
	return nil, agenterr.Transport("transport", "do", fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

// nonRetryable wraps a 4xx response (other than 429) or a 501 to short-circuit
// the retry loop in Do.
type nonRetryable struct {
	resp *Response
	err  error
}

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	start := time.Now()
	result, err := c.cb.Execute(func() (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, agenterr.Protocol("transport", "build_request", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, agenterr.Transport("transport", "round_trip", err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, agenterr.Transport("transport", "read_body", err)
		}

		resp := &Response{StatusCode: httpResp.StatusCode, Body: body}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			resp.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"))
			return resp, fmt.Errorf("rate limited")
		}
		if httpResp.StatusCode >= 500 && httpResp.StatusCode != http.StatusNotImplemented {
			return resp, fmt.Errorf("server error: %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode >= 400 {
			return resp, &nonRetryable{resp: resp, err: fmt.Errorf("non-retryable status: %d", httpResp.StatusCode)}
		}
		return resp, nil
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
		if result != nil {
			outcome = fmt.Sprintf("status_%d", result.StatusCode)
		}
	}
	metrics.TransportRequestDuration.WithLabelValues(method, path, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return result, err
	}
	return result, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return time.Second
}

// backoffDelay computes exponential backoff with full jitter, base
// backoffBase, capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	exp := float64(backoffBase) * math.Pow(2, float64(attempt-1))
	if exp > float64(backoffCap) {
		exp = float64(backoffCap)
	}
	jittered := rand.Float64() * exp
	return time.Duration(jittered)
}
