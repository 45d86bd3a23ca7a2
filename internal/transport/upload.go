// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
)

// UploadTicket is an indirect upload grant: the control plane hands
// back a short-lived URL to PUT bytes to directly, keeping large
// payloads (screenshots, log bundles) off the mutually-authenticated
// request/response path.
type UploadTicket struct {
	UploadURL string `json:"upload_url"`
	AssetID   string `json:"asset_id"`
}

// ErrUploadEndpointUnavailable means the control plane does not (yet)
// implement the indirect upload endpoint. Callers that treat this as
// "no such feature" (rather than a transient failure) should self-
// disable rather than retry.
var ErrUploadEndpointUnavailable = errors.New("transport: indirect upload endpoint not available (404/501)")

// RequestUploadTicket asks the control plane for an indirect upload
// URL for the given purpose (e.g. "screenshot", "log-bundle").
func (c *Client) RequestUploadTicket(ctx context.Context, purpose string) (*UploadTicket, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/device/uploads", map[string]string{"purpose": purpose})
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
		return nil, ErrUploadEndpointUnavailable
	}
	if err != nil {
		return nil, err
	}
	var ticket UploadTicket
	if err := json.Unmarshal(resp.Body, &ticket); err != nil {
		return nil, agenterr.Protocol("transport", "decode_upload_ticket", err)
	}
	return &ticket, nil
}

// UploadBytes PUTs data directly to an indirect upload URL obtained
// from RequestUploadTicket. This bypasses the circuit breaker and
// baseURL resolution used by Do, since the upload URL is a one-shot
// grant to a location the control plane chose, not a control-plane API
// path.
func (c *Client) UploadBytes(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return agenterr.Transport("transport", "build_upload_request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return agenterr.Transport("transport", "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return agenterr.Transport("transport", "upload", fmt.Errorf("upload rejected: status %d", resp.StatusCode))
	}
	return nil
}
