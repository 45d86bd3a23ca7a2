// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package prefetch

import (
	"context"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

// TransportMediaResolver adapts a *transport.Client to MediaResolver,
// looking up a media id's authoritative digest and download source
// against the control plane's media metadata endpoint. The normalised
// snapshot itself only carries a source URL for url-type items; every
// other media type resolves through here.
type TransportMediaResolver struct {
	Client   *transport.Client
	DeviceID string
}

type mediaMetadata struct {
	ExpectedDigest string `json:"expected_digest"`
	SourceURL      string `json:"source_url"`
}

// Resolve implements MediaResolver.
func (r *TransportMediaResolver) Resolve(ctx context.Context, mediaID string) (string, string, error) {
	resp, err := r.Client.Do(ctx, http.MethodGet, "/device/"+r.DeviceID+"/media/"+mediaID, nil)
	if err != nil {
		return "", "", err
	}
	var meta mediaMetadata
	if err := json.Unmarshal(resp.Body, &meta); err != nil {
		return "", "", agenterr.Protocol("prefetch", "decode_media_metadata", err)
	}
	return meta.ExpectedDigest, meta.SourceURL, nil
}
