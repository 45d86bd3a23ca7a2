// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package snapshot fetches and normalises the active playlist, applies
// emergency/default supersession, and persists the last-known-good
// snapshot to disk so the agent can keep presenting content across a
// control-plane outage or a restart while offline.
package snapshot

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

// MediaType enumerates the known playlist item media types.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
	MediaURL      MediaType = "url"
)

// FitMode enumerates how an item's media is scaled to the display.
type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitStretch FitMode = "stretch"
)

// PlaylistItem is one normalised presentation unit.
type PlaylistItem struct {
	ItemID             string    `json:"item_id"`
	MediaID            string    `json:"media_id"`
	MediaType          MediaType `json:"media_type"`
	DisplayDurationMS  int       `json:"display_duration_ms"`
	FitMode            FitMode   `json:"fit_mode"`
	Muted              bool      `json:"muted"`
	TransitionMS       int       `json:"transition_ms"`
	SourceURL          string    `json:"source_url,omitempty"`
}

// Valid reports whether the item satisfies the data model's invariants:
// display duration > 0 and a known media type.
func (p PlaylistItem) Valid() bool {
	if p.DisplayDurationMS <= 0 {
		return false
	}
	switch p.MediaType {
	case MediaImage, MediaVideo, MediaDocument, MediaURL:
		return true
	default:
		return false
	}
}

// Snapshot is the entire "what to show" decision as of fetched-at.
type Snapshot struct {
	SnapshotID   string         `json:"snapshot_id"`
	ScheduleID   string         `json:"schedule_id"`
	Version      string         `json:"version"`
	Items        []PlaylistItem `json:"items"`
	Emergency    *PlaylistItem  `json:"emergency,omitempty"`
	Default      *PlaylistItem  `json:"default,omitempty"`
	FetchedAtUTC string         `json:"fetched_at_utc"`
	// Degraded is true when this snapshot is a stale last-known-good
	// being served because the control plane was unreachable or has
	// not yet implemented the snapshot endpoint.
	Degraded bool `json:"-"`
}

// Active returns the items the scheduler should actually present,
// having applied emergency/default supersession: an active emergency
// item pre-empts the schedule entirely; an empty schedule falls back
// to the default item, if any.
func (s *Snapshot) Active() []PlaylistItem {
	if s.Emergency != nil {
		return []PlaylistItem{*s.Emergency}
	}
	if len(s.Items) == 0 && s.Default != nil {
		return []PlaylistItem{*s.Default}
	}
	return s.Items
}

// validate checks structural requirements: schedule id, version, and
// every item's required fields and known media type.
func validate(s *Snapshot) error {
	if s.ScheduleID == "" {
		return fmt.Errorf("snapshot: missing schedule_id")
	}
	if s.Version == "" {
		return fmt.Errorf("snapshot: missing version")
	}
	for i, item := range s.Items {
		if !item.Valid() {
			return fmt.Errorf("snapshot: item %d invalid (duration=%d, media_type=%q)", i, item.DisplayDurationMS, item.MediaType)
		}
	}
	if s.Emergency != nil && !s.Emergency.Valid() {
		return fmt.Errorf("snapshot: emergency item invalid")
	}
	if s.Default != nil && !s.Default.Valid() {
		return fmt.Errorf("snapshot: default item invalid")
	}
	return nil
}

// Fetcher fetches the current snapshot for deviceID. Implemented by a
// thin adapter over *transport.Client.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, deviceID string) (*Snapshot, error)
}

// TransportFetcher adapts a *transport.Client to Fetcher.
type TransportFetcher struct {
	Client *transport.Client
}

func (f *TransportFetcher) FetchSnapshot(ctx context.Context, deviceID string) (*Snapshot, error) {
	resp, err := f.Client.Do(ctx, http.MethodGet, "/device/"+deviceID+"/snapshot", nil)
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
		return nil, errEndpointUnavailable
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(resp.Body, &s); err != nil {
		return nil, agenterr.Protocol("snapshot", "decode", err)
	}
	return &s, nil
}

var errEndpointUnavailable = fmt.Errorf("snapshot: endpoint not available (404/501)")

// Subscriber is notified when a new snapshot supersedes the current one.
type Subscriber func(*Snapshot)

// Manager owns the current snapshot and its last-known-good persistence.
type Manager struct {
	deviceID string
	fetcher  Fetcher
	path     string

	mu          sync.Mutex
	refreshing  bool
	current     *Snapshot

	subMu sync.Mutex
	subs  []Subscriber
}

// NewManager builds a Manager persisting last-known-good at
// cacheDir/last-snapshot.json, loading it (if present) as the boot-time
// current snapshot.
func NewManager(deviceID string, fetcher Fetcher, cacheDir string) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, agenterr.Resource("snapshot", "mkdir", err)
	}
	m := &Manager{
		deviceID: deviceID,
		fetcher:  fetcher,
		path:     filepath.Join(cacheDir, "last-snapshot.json"),
	}
	if s, err := loadLastKnownGood(m.path); err == nil && s != nil {
		s.Degraded = true
		m.current = s
	}
	return m, nil
}

// Subscribe registers fn to be called whenever a newly fetched snapshot
// supersedes the current one (schedule id or version changed).
func (m *Manager) Subscribe(fn Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Current returns the manager's current snapshot, or nil before the
// first successful fetch or load.
func (m *Manager) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Refresh fetches the current snapshot. Only one refresh may be in
// flight at a time (serialised per spec.md §5's ordering guarantee); a
// concurrent caller does not wait for it and returns the current
// snapshot with a nil error.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return m.Current(), nil
	}
	m.refreshing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	fetched, err := m.fetcher.FetchSnapshot(ctx, m.deviceID)
	if err != nil {
		if err == errEndpointUnavailable || agenterr.Is(err, agenterr.KindTransport) {
			logging.Warn().Err(err).Msg("snapshot refresh degraded: serving last-known-good")
			return m.markDegraded(), nil
		}
		return nil, agenterr.Protocol("snapshot", "refresh", err)
	}

	if err := validate(fetched); err != nil {
		logging.Warn().Err(err).Msg("snapshot refresh rejected: invalid structure, serving last-known-good")
		return m.markDegraded(), nil
	}

	changed := m.setIfChanged(fetched)
	if changed {
		if err := saveLastKnownGood(m.path, fetched); err != nil {
			logging.Warn().Err(err).Msg("failed to persist last-known-good snapshot")
		}
		m.notify(fetched)
	}
	return m.Current(), nil
}

func (m *Manager) markDegraded() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Degraded = true
	}
	return m.current
}

func (m *Manager) setIfChanged(fetched *Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ScheduleID == fetched.ScheduleID && m.current.Version == fetched.Version {
		return false
	}
	fetched.Degraded = false
	m.current = fetched
	return true
}

func (m *Manager) notify(s *Snapshot) {
	m.subMu.Lock()
	subs := append([]Subscriber{}, m.subs...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// loadLastKnownGood reads the persisted snapshot, or returns (nil, nil)
// if absent.
func loadLastKnownGood(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil // corrupt state: start fresh rather than hard-failing
	}
	return &s, nil
}

// saveLastKnownGood writes s to path via a temp file in the same
// directory followed by an atomic rename.
func saveLastKnownGood(path string, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".last-snapshot-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(name)
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
	return os.Rename(name, path)
}
