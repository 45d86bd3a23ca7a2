// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
)

const (
	pairingRequestPath  = "/device-pairing/request"
	pairingStatusPath   = "/device-pairing/status"
	pairingCompletePath = "/device-pairing/complete"
)

// PairingClient adapts a *Client to identity.Requester. It is built
// against an unauthenticated bootstrap connection (NewClient with a
// nil Material), since pairing necessarily happens before the device
// holds a client certificate.
type PairingClient struct {
	client *Client
}

// NewPairingClient builds a PairingClient dialing baseURL with no
// client certificate, trusting the system root pool.
func NewPairingClient(baseURL string) (*PairingClient, error) {
	c, err := NewClient(baseURL, nil)
	if err != nil {
		return nil, err
	}
	return &PairingClient{client: c}, nil
}

type pairingRequestBody struct {
	Description string `json:"description"`
}

type pairingRequestResponse struct {
	PairingCode string    `json:"pairing_code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RequestPairingCode submits the device's description and returns the
// operator-facing pairing code and its expiry.
func (p *PairingClient) RequestPairingCode(description string) (string, time.Time, error) {
	resp, err := p.client.Do(context.Background(), http.MethodPost, pairingRequestPath, pairingRequestBody{Description: description})
	if err != nil {
		return "", time.Time{}, err
	}
	var out pairingRequestResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", time.Time{}, agenterr.Protocol("transport", "decode_pairing_request", err)
	}
	return out.PairingCode, out.ExpiresAt, nil
}

type pairingStatusResponse struct {
	Paired bool `json:"paired"`
}

// PairingStatus reports whether deviceID has completed pairing on the
// control plane's side, for a companion tool polling for operator
// confirmation.
func (p *PairingClient) PairingStatus(deviceID string) (bool, error) {
	path := pairingStatusPath + "?device_id=" + url.QueryEscape(deviceID)
	resp, err := p.client.Do(context.Background(), http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	var out pairingStatusResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return false, agenterr.Protocol("transport", "decode_pairing_status", err)
	}
	return out.Paired, nil
}

type pairingCompleteBody struct {
	PairingCode string `json:"pairing_code"`
	CSR         string `json:"csr"`
}

type pairingCompleteResponse struct {
	DeviceID   string `json:"device_id"`
	ClientCert string `json:"client_cert"`
	CACert     string `json:"ca_cert"`
}

// CompletePairing submits the CSR (DER-encoded, base64 over the wire)
// against a previously issued pairing code and returns the assigned
// device id and issued certificates (PEM text).
func (p *PairingClient) CompletePairing(pairingCode string, csrDER []byte) (string, []byte, []byte, error) {
	body := pairingCompleteBody{
		PairingCode: pairingCode,
		CSR:         base64.StdEncoding.EncodeToString(csrDER),
	}
	resp, err := p.client.Do(context.Background(), http.MethodPost, pairingCompletePath, body)
	if err != nil {
		return "", nil, nil, err
	}
	var out pairingCompleteResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", nil, nil, agenterr.Protocol("transport", "decode_pairing_complete", err)
	}
	return out.DeviceID, []byte(out.ClientCert), []byte(out.CACert), nil
}
