// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
)

const (
	duplexWriteWait      = 10 * time.Second
	duplexPongWait       = 60 * time.Second
	duplexPingPeriod     = (duplexPongWait * 9) / 10
	duplexHandshakeWait  = 10 * time.Second
	duplexMaxMessageSize = 64 * 1024
	duplexSendBuffer     = 64
)

// DuplexMessageKind enumerates the duplex channel's message kinds.
type DuplexMessageKind string

const (
	KindScheduleUpdate DuplexMessageKind = "schedule_update"
	KindEmergency      DuplexMessageKind = "emergency"
	KindCommand        DuplexMessageKind = "command"
	KindPing           DuplexMessageKind = "ping"
	KindPong           DuplexMessageKind = "pong"
)

// DuplexMessage is one frame on the duplex channel.
type DuplexMessage struct {
	Kind DuplexMessageKind `json:"kind"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// Duplex is a persistent, auto-reconnecting duplex channel to the
// control plane. Messages queued while disconnected are delivered in
// order on reconnect, best-effort; durable delivery for side-effects is
// the outbound queue's responsibility, not this channel's.
type Duplex struct {
	url string
	mat *identity.Material

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan DuplexMessage
	recv    chan DuplexMessage
	closed  bool
}

// NewDuplex builds a Duplex that will dial url on Run, presenting mat's
// client certificate when paired.
func NewDuplex(url string, mat *identity.Material) *Duplex {
	return &Duplex{
		url:  url,
		mat:  mat,
		send: make(chan DuplexMessage, duplexSendBuffer),
		recv: make(chan DuplexMessage, duplexSendBuffer),
	}
}

// Messages returns the channel of frames received from the control
// plane.
func (d *Duplex) Messages() <-chan DuplexMessage { return d.recv }

// Send enqueues a frame for delivery; it does not block on the network.
func (d *Duplex) Send(msg DuplexMessage) {
	select {
	case d.send <- msg:
	default:
		logging.Warn().Msg("duplex send buffer full, dropping message")
	}
}

// Run dials and maintains the connection until ctx is cancelled,
// reconnecting with backoff on any failure.
func (d *Duplex) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := d.runOnce(ctx); err != nil {
			attempt++
			metrics.DuplexReconnects.Inc()
			delay := backoffDelay(attempt)
			logging.Warn().Err(err).Dur("retry_in", delay).Msg("duplex channel disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

func (d *Duplex) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: duplexHandshakeWait}
	if d.mat != nil && d.mat.Paired() {
		cert, err := tls.X509KeyPair(d.mat.CertPEM, d.mat.KeyPEM)
		if err != nil {
			return agenterr.Identity("transport", "duplex_cert", err)
		}
		pool, err := caCertPool(d.mat.CAPEM)
		if err != nil {
			return agenterr.Identity("transport", "duplex_ca", err)
		}
		dialer.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		}
	}

	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return agenterr.Transport("transport", "duplex_dial", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	readDone := make(chan error, 1)
	go func() { readDone <- d.readPump(conn) }()

	writeErr := d.writePump(ctx, conn)
	_ = conn.Close()
	d.mu.Lock()
	d.conn = nil
	d.mu.Unlock()

	if writeErr != nil {
		<-readDone
		return writeErr
	}
	return <-readDone
}

func (d *Duplex) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(duplexMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(duplexPongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(duplexPongWait))
	})

	for {
		var msg DuplexMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return agenterr.Transport("transport", "duplex_read", err)
			}
			return err
		}
		if msg.Kind == KindPing {
			d.Send(DuplexMessage{Kind: KindPong})
			continue
		}
		select {
		case d.recv <- msg:
		default:
			logging.Warn().Str("kind", string(msg.Kind)).Msg("duplex receive buffer full, dropping message")
		}
	}
}

func (d *Duplex) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(duplexPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(duplexWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			return nil

		case msg := <-d.send:
			if err := conn.SetWriteDeadline(time.Now().Add(duplexWriteWait)); err != nil {
				return err
			}
			if err := conn.WriteJSON(msg); err != nil {
				return agenterr.Transport("transport", "duplex_write", err)
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(duplexWriteWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return agenterr.Transport("transport", "duplex_ping", err)
			}
		}
	}
}

// Probe reports whether the duplex connection is currently established.
func (d *Duplex) Probe() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && !d.closed
}
