// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package cache implements the content-addressed media cache:
// digest-verified downloads landing in objects/<media-id>, a badger
// index tracking status and last-use, LRU eviction that respects a pin
// set, and startup repair of any state a crash could have left
// inconsistent. Downloads always start at offset 0: the Fetcher accepts
// a byte offset, but a partial download is not resumed; the next
// Install fetches the whole object again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
)

// Status is a CacheEntry's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusQuarantined Status = "quarantined"
	StatusError       Status = "error"
)

// Entry is one cache index row.
type Entry struct {
	MediaID        string    `json:"media_id"`
	ExpectedDigest string    `json:"expected_digest"`
	ByteLength     int64     `json:"byte_length"`
	LocalPath      string    `json:"local_path"`
	LastUsed       time.Time `json:"last_used"`
	Status         Status    `json:"status"`
	ETag           string    `json:"etag,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Fetcher retrieves media bytes, supporting resumable range requests
// validated by entity tag.
type Fetcher interface {
	// Fetch streams source starting at offset, returning the stream
	// and its entity tag (if the server provided one). The caller
	// closes the returned ReadCloser.
	Fetch(ctx context.Context, source string, offset int64, etag string) (body io.ReadCloser, respETag string, err error)
}

// Cache is the content-addressed media store.
type Cache struct {
	root    string
	maxSize int64
	db      *badger.DB
	fetcher Fetcher

	mu       sync.Mutex
	inFlight map[string]*sync.WaitGroup
	pinned   map[string]bool
}

// Stats summarizes the cache's current occupancy.
type Stats struct {
	ReadyBytes  int64
	ReadyCount  int
	PendingCount int
	QuarantinedCount int
}

// Open opens or creates a cache rooted at root, with index state in
// root/index.badger and objects in root/objects.
func Open(root string, maxSize int64, fetcher Fetcher) (*Cache, error) {
	objDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objDir, 0o750); err != nil {
		return nil, agenterr.Resource("cache", "mkdir_objects", err)
	}

	opts := badger.DefaultOptions(filepath.Join(root, "index.badger")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, agenterr.Resource("cache", "open_index", err)
	}

	c := &Cache{
		root:     root,
		maxSize:  maxSize,
		db:       db,
		fetcher:  fetcher,
		inFlight: make(map[string]*sync.WaitGroup),
		pinned:   make(map[string]bool),
	}
	if err := c.repair(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the index store.
func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) objectPath(mediaID string) string {
	return filepath.Join(c.root, "objects", mediaID)
}

func (c *Cache) tempPath(mediaID string) string {
	return filepath.Join(c.root, "objects", "."+mediaID+".downloading")
}

func (c *Cache) quarantinePath(mediaID string) string {
	return filepath.Join(c.root, "objects", "."+mediaID+".quarantined")
}

// repair removes orphan files (on disk, not in the index) and demotes
// orphan rows (status=ready but file missing) to pending, per the data
// model's crash-recovery invariant.
func (c *Cache) repair() error {
	indexed := make(map[string]bool)
	var demote []string

	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			mediaID := string(item.Key())
			indexed[mediaID] = true
			var e Entry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			if e.Status == StatusReady {
				if _, statErr := os.Stat(e.LocalPath); statErr != nil {
					demote = append(demote, mediaID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return agenterr.Resource("cache", "repair_scan", err)
	}

	if len(demote) > 0 {
		err = c.db.Update(func(txn *badger.Txn) error {
			for _, mediaID := range demote {
				item, err := txn.Get([]byte(mediaID))
				if err != nil {
					continue
				}
				var e Entry
				if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
					continue
				}
				e.Status = StatusPending
				data, _ := json.Marshal(e)
				if err := txn.Set([]byte(mediaID), data); err != nil {
					return err
				}
				logging.Warn().Str("media_id", mediaID).Msg("cache entry demoted to pending: file missing at boot")
			}
			return nil
		})
		if err != nil {
			return agenterr.Resource("cache", "repair_demote", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(c.root, "objects"))
	if err != nil {
		return agenterr.Resource("cache", "repair_readdir", err)
	}
	for _, de := range entries {
		name := de.Name()
		if len(name) > 0 && name[0] == '.' {
			continue // in-flight temp/quarantine files, not orphans
		}
		if !indexed[name] {
			logging.Warn().Str("file", name).Msg("cache orphan file removed: no index row")
			_ = os.Remove(filepath.Join(c.root, "objects", name))
		}
	}
	return nil
}

// Get returns the local path of a ready entry, or ok=false on miss.
func (c *Cache) Get(mediaID string) (path string, ok bool) {
	e, found := c.lookup(mediaID)
	if !found || e.Status != StatusReady {
		return "", false
	}
	e.LastUsed = time.Now()
	_ = c.put(e)
	return e.LocalPath, true
}

func (c *Cache) lookup(mediaID string) (Entry, bool) {
	var e Entry
	found := false
	_ = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(mediaID))
		if err != nil {
			return nil
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
	})
	return e, found
}

func (c *Cache) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(e.MediaID), data)
	})
}

// Pin marks mediaID as currently in the pin set (now-playing, or within
// the prefetch horizon); pinned entries are never evicted.
func (c *Cache) Pin(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[mediaID] = true
}

// Unpin removes mediaID from the pin set.
func (c *Cache) Unpin(mediaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, mediaID)
}

func (c *Cache) isPinned(mediaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned[mediaID]
}

// Install downloads source into the cache under mediaID, verifying its
// SHA-256 digest against expectedDigest. A second concurrent Install for
// the same media id joins the first caller's in-flight work rather than
// downloading twice.
func (c *Cache) Install(ctx context.Context, mediaID, expectedDigest, source string) (Status, error) {
	c.mu.Lock()
	if wg, inFlight := c.inFlight[mediaID]; inFlight {
		c.mu.Unlock()
		wg.Wait()
		e, _ := c.lookup(mediaID)
		return e.Status, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[mediaID] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, mediaID)
		c.mu.Unlock()
		wg.Done()
	}()

	return c.install(ctx, mediaID, expectedDigest, source)
}

func (c *Cache) install(ctx context.Context, mediaID, expectedDigest, source string) (Status, error) {
	existing, _ := c.lookup(mediaID)
	etag := existing.ETag

	if err := c.evictForBudget(mediaID, 0); err != nil {
		logging.Warn().Err(err).Str("media_id", mediaID).Msg("cache eviction pass failed before install")
	}

	entry := Entry{MediaID: mediaID, ExpectedDigest: expectedDigest, Status: StatusDownloading, ETag: etag}
	if err := c.put(entry); err != nil {
		return StatusError, agenterr.Resource("cache", "mark_downloading", err)
	}
	c.reportStats()

	body, respETag, err := c.fetcher.Fetch(ctx, source, 0, etag)
	if err != nil {
		entry.Status = StatusError
		entry.Error = err.Error()
		_ = c.put(entry)
		return StatusError, agenterr.Transport("cache", "fetch", err)
	}
	defer body.Close()

	tmp := c.tempPath(mediaID)
	f, err := os.Create(tmp)
	if err != nil {
		return StatusError, agenterr.Resource("cache", "create_temp", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmp)
		if isDiskFull(err) {
			entry.Status = StatusError
			entry.Error = "cache-full"
			_ = c.put(entry)
			return StatusError, agenterr.Resource("cache", "install", err)
		}
		entry.Status = StatusError
		_ = c.put(entry)
		return StatusError, agenterr.Transport("cache", "download", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != expectedDigest {
		qpath := c.quarantinePath(mediaID)
		os.Remove(qpath)
		if err := os.Rename(tmp, qpath); err != nil {
			os.Remove(tmp)
		}
		entry.Status = StatusQuarantined
		entry.Error = "digest mismatch"
		entry.LocalPath = qpath
		_ = c.put(entry)
		metrics.CacheIntegrityFailures.Inc()
		c.reportStats()
		return StatusQuarantined, agenterr.Integrity("cache", "verify", nil)
	}

	if err := c.evictForBudget(mediaID, written); err != nil {
		logging.Warn().Err(err).Str("media_id", mediaID).Msg("cache eviction pass failed before admitting downloaded bytes")
	}
	stats, statsErr := c.Stats()
	if statsErr == nil && stats.ReadyBytes+written > c.maxSize {
		os.Remove(tmp)
		entry.Status = StatusError
		entry.Error = "cache-full"
		_ = c.put(entry)
		c.reportStats()
		return StatusError, agenterr.Resource("cache", "install", errCacheFull)
	}

	final := c.objectPath(mediaID)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return StatusError, agenterr.Resource("cache", "rename", err)
	}

	entry.Status = StatusReady
	entry.LocalPath = final
	entry.ByteLength = written
	entry.ETag = respETag
	entry.LastUsed = time.Now()
	entry.Error = ""
	if err := c.put(entry); err != nil {
		return StatusError, agenterr.Resource("cache", "mark_ready", err)
	}
	c.reportStats()
	return StatusReady, nil
}

func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full")
}

// errCacheFull is returned wrapped in a ResourceError when an install
// cannot be admitted within maxSize after unpinned eviction.
var errCacheFull = errors.New("cache-full")

// evictForBudget removes least-recently-used, unpinned, ready entries
// until admitting incomingMediaID's next `needed` bytes would not push
// total ready occupancy past maxSize, or until no unpinned candidates
// remain. needed is 0 for the pre-download pass (size not yet known)
// and the downloaded byte count for the post-download pass; pinned
// entries are never touched, so this may legitimately leave the cache
// over budget for the caller to reject as cache-full.
func (c *Cache) evictForBudget(incomingMediaID string, needed int64) error {
	var candidates []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e Entry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			if e.Status == StatusReady && e.MediaID != incomingMediaID && !c.isPinned(e.MediaID) {
				candidates = append(candidates, e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastUsed.Before(candidates[j].LastUsed) })

	stats, err := c.Stats()
	if err != nil {
		return err
	}
	used := stats.ReadyBytes
	for used+needed > c.maxSize && len(candidates) > 0 {
		victim := candidates[0]
		candidates = candidates[1:]
		if err := os.Remove(victim.LocalPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := c.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(victim.MediaID)) }); err != nil {
			return err
		}
		used -= victim.ByteLength
		logging.Info().Str("media_id", victim.MediaID).Msg("cache entry evicted under size budget")
	}
	c.reportStats()
	return nil
}

// Clear removes all entries; when force is false, pinned entries are
// preserved.
func (c *Cache) Clear(force bool) error {
	var toRemove []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			if force || !c.isPinned(e.MediaID) {
				toRemove = append(toRemove, e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range toRemove {
		if e.LocalPath != "" {
			_ = os.Remove(e.LocalPath)
		}
		if err := c.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(e.MediaID)) }); err != nil {
			return err
		}
	}
	c.reportStats()
	return nil
}

// Stats summarizes current ready-entry occupancy.
func (c *Cache) Stats() (Stats, error) {
	var s Stats
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			switch e.Status {
			case StatusReady:
				s.ReadyBytes += e.ByteLength
				s.ReadyCount++
			case StatusPending, StatusDownloading:
				s.PendingCount++
			case StatusQuarantined:
				s.QuarantinedCount++
			}
		}
		return nil
	})
	return s, err
}

// reportStats refreshes the occupancy gauges from current index state.
// Errors are logged, not returned: a stale metric is not worth failing
// the caller's operation.
func (c *Cache) reportStats() {
	s, err := c.Stats()
	if err != nil {
		logging.Warn().Err(err).Msg("cache stats metric refresh failed")
		return
	}
	metrics.CacheBytesUsed.Set(float64(s.ReadyBytes))
	metrics.CacheEntriesByStatus.WithLabelValues(string(StatusReady)).Set(float64(s.ReadyCount))
	metrics.CacheEntriesByStatus.WithLabelValues("pending_or_downloading").Set(float64(s.PendingCount))
	metrics.CacheEntriesByStatus.WithLabelValues(string(StatusQuarantined)).Set(float64(s.QuarantinedCount))
}

// httpFetcher is the production Fetcher, issuing conditional
// range-aware GETs.
type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a Fetcher backed by an *http.Client (typically
// one configured with the transport package's mTLS round tripper).
func NewHTTPFetcher(client *http.Client) Fetcher {
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, source string, offset int64, etag string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, "", agenterr.Transport("cache", "fetch_status", nil)
	}
	return resp.Body, resp.Header.Get("ETag"), nil
}
