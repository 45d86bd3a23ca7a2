// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package logshipper bundles rotated log files into a single
// gzip-compressed JSON envelope and ships it through the control
// plane's indirect-URL upload protocol, on a daily cadence and on
// explicit trigger. Shipped source files are removed so the next
// bundle only picks up what is new; bundle envelopes themselves are
// kept on disk for a retention window in case an operator needs to
// inspect what was sent.
package logshipper

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

const (
	bundleSubdir     = "bundles"
	bundleExt        = ".json.gz"
	uploadPurpose    = "log-bundle"
	uploadContentTyp = "application/gzip"
)

// FileEntry is one source file captured in a bundle.
type FileEntry struct {
	Name     string `json:"name"`
	SHA256   string `json:"sha256"`
	Bytes    []byte `json:"bytes"`
	SizeHint int    `json:"size_bytes"`
}

// Manifest is the JSON structure gzip-compressed to form a bundle
// envelope.
type Manifest struct {
	BundleID   string      `json:"bundle_id"`
	DeviceID   string      `json:"device_id"`
	CreatedUTC time.Time   `json:"created_utc"`
	Files      []FileEntry `json:"files"`
}

// Shipper bundles, uploads, and retires rotated log files.
type Shipper struct {
	logDir    string
	deviceID  string
	client    *transport.Client
	retention time.Duration
	interval  time.Duration

	trigger  chan struct{}
	disabled atomic.Bool
}

// New builds a Shipper rooted at logDir (which must contain a
// "bundles" subdirectory the Shipper creates on first use). interval is
// typically 24h; retention governs how long shipped bundle envelopes
// remain on disk before deletion.
func New(logDir, deviceID string, client *transport.Client, interval, retention time.Duration) *Shipper {
	return &Shipper{
		logDir:    logDir,
		deviceID:  deviceID,
		client:    client,
		retention: retention,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an out-of-band ship cycle, coalescing with any
// already-pending trigger. Non-blocking.
func (s *Shipper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Disabled reports whether shipping has self-disabled for this process
// lifetime after discovering the indirect-URL endpoint is unavailable.
func (s *Shipper) Disabled() bool { return s.disabled.Load() }

// Run ticks at the configured interval, and on each explicit Trigger,
// until ctx is cancelled. Each tick also sweeps expired bundle
// envelopes regardless of shipping outcome.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

func (s *Shipper) cycle(ctx context.Context) {
	if err := s.Ship(ctx); err != nil {
		logging.Warn().Err(err).Msg("logshipper: ship cycle failed")
	}
	if err := s.sweepExpiredBundles(); err != nil {
		logging.Warn().Err(err).Msg("logshipper: retention sweep failed")
	}
}

// Ship bundles any rotated log files not yet shipped and uploads the
// envelope. A nil error with zero files processed means there was
// nothing to ship.
func (s *Shipper) Ship(ctx context.Context) error {
	if s.disabled.Load() {
		return nil
	}

	files, err := s.rotatedLogFiles()
	if err != nil {
		return agenterr.Resource("logshipper", "list_logs", err)
	}
	if len(files) == 0 {
		return nil
	}

	bundleID := fmt.Sprintf("%s-%d", s.deviceID, time.Now().UnixNano())
	manifest, err := buildManifest(bundleID, s.deviceID, files)
	if err != nil {
		return agenterr.Resource("logshipper", "build_manifest", err)
	}

	envelope, err := compress(manifest)
	if err != nil {
		return agenterr.Protocol("logshipper", "compress", err)
	}

	bundlePath, err := s.persistBundle(bundleID, envelope)
	if err != nil {
		return agenterr.Resource("logshipper", "persist_bundle", err)
	}

	ticket, err := s.client.RequestUploadTicket(ctx, uploadPurpose)
	if err != nil {
		if errors.Is(err, transport.ErrUploadEndpointUnavailable) {
			logging.Warn().Err(err).Msg("logshipper: indirect-upload endpoint unavailable, disabling for process lifetime")
			s.disabled.Store(true)
			metrics.LogShipperDisabled.Set(1)
			_ = os.Remove(bundlePath)
			return nil
		}
		return err
	}

	if err := s.client.UploadBytes(ctx, ticket.UploadURL, envelope, uploadContentTyp); err != nil {
		logging.Warn().Err(err).Str("bundle_id", bundleID).Msg("logshipper: upload failed, will retry next cycle")
		return err
	}

	metrics.LogBundlesShipped.Inc()
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			logging.Warn().Err(err).Str("file", f).Msg("logshipper: failed to remove shipped source log")
		}
	}
	return nil
}

func buildManifest(bundleID, deviceID string, files []string) (Manifest, error) {
	m := Manifest{BundleID: bundleID, DeviceID: deviceID, CreatedUTC: time.Now().UTC()}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return Manifest{}, err
		}
		sum := sha256.Sum256(data)
		m.Files = append(m.Files, FileEntry{
			Name:     filepath.Base(path),
			SHA256:   hex.EncodeToString(sum[:]),
			Bytes:    data,
			SizeHint: len(data),
		})
	}
	return m, nil
}

func compress(m Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		_ = gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Shipper) bundleDir() string { return filepath.Join(s.logDir, bundleSubdir) }

func (s *Shipper) persistBundle(bundleID string, envelope []byte) (string, error) {
	dir := s.bundleDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	final := filepath.Join(dir, bundleID+bundleExt)
	tmp, err := os.CreateTemp(dir, "bundle-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(envelope); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return final, nil
}

// rotatedLogFiles lists plain and already-compressed rotated log files
// in logDir (*.log, *.gz, and numbered rotations such as agent.log.1),
// in name order. The active (non-rotated) log file is
// expected to live outside logDir or under a name this glob excludes,
// so it is never bundled mid-write.
func (s *Shipper) rotatedLogFiles() ([]string, error) {
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == bundleSubdir {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".log" || filepath.Ext(name) == ".gz" || strings.Contains(name, ".log.") {
			out = append(out, filepath.Join(s.logDir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// sweepExpiredBundles deletes persisted bundle envelopes older than the
// retention window, independent of whether they shipped successfully.
func (s *Shipper) sweepExpiredBundles() error {
	dir := s.bundleDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-s.retention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				logging.Warn().Err(err).Str("bundle", e.Name()).Msg("logshipper: failed to remove expired bundle")
			}
		}
	}
	return nil
}
