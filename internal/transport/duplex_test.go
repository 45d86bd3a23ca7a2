// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// echoServer upgrades the connection and pushes a schedule_update frame
// to the client, simulating the control plane pushing an update.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		raw, _ := json.Marshal(DuplexMessage{Kind: KindScheduleUpdate})
		_ = conn.WriteMessage(websocket.TextMessage, raw)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestDuplexReceivesMessage(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDuplex(wsURL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = d.Run(ctx) }()

	select {
	case msg := <-d.Messages():
		if msg.Kind != KindScheduleUpdate {
			t.Errorf("Kind = %q, want schedule_update", msg.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for duplex message")
	}
}

func TestDuplexSendDoesNotBlock(t *testing.T) {
	d := NewDuplex("ws://unused.invalid", nil)
	for i := 0; i < duplexSendBuffer+10; i++ {
		d.Send(DuplexMessage{Kind: KindPing})
	}
}
