// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package prefetch drives the content cache towards the next items of
// the active schedule under a bounded concurrency cap and a rolling
// bandwidth budget.
package prefetch

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/beaconsignal/beacon-agent/internal/cache"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/snapshot"
)

// MediaResolver looks up the expected digest and fetch source for a
// media id. The snapshot's PlaylistItem only carries an optional
// source URL (e.g. for the url media type); for image/video/document
// items the planner resolves the authoritative digest and download
// location from the control plane's media metadata.
type MediaResolver interface {
	Resolve(ctx context.Context, mediaID string) (expectedDigest, sourceURL string, err error)
}

// Planner watches the scheduler's current position and asks the cache
// to install the next Depth items, pinning {now-playing} ∪ {next Depth
// items} so the eviction pass never reclaims them mid-window.
type Planner struct {
	cache    *cache.Cache
	resolver MediaResolver
	depth    int
	sem      chan struct{}

	mu     sync.Mutex
	pinned map[string]struct{}
}

// New builds a Planner. concurrency bounds simultaneous downloads.
// bandwidthBytesPerSec is not used by the Planner; the aggregate
// transfer rate is bounded by wrapping the cache's fetcher with
// WrapFetcher.
func New(c *cache.Cache, resolver MediaResolver, depth, concurrency int, bandwidthBytesPerSec float64) *Planner {
	if depth < 0 {
		depth = 0
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Planner{
		cache:    c,
		resolver: resolver,
		depth:    depth,
		sem:      make(chan struct{}, concurrency),
		pinned:   make(map[string]struct{}),
	}
}

// WrapFetcher wraps a cache.Fetcher so every byte it reads is
// accounted against a shared bandwidth budget, windowed over roughly
// the last second via a token bucket.
func WrapFetcher(inner cache.Fetcher, bandwidthBytesPerSec float64) cache.Fetcher {
	if bandwidthBytesPerSec <= 0 {
		return inner
	}
	burst := int(bandwidthBytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return &budgetedFetcher{inner: inner, limiter: rate.NewLimiter(rate.Limit(bandwidthBytesPerSec), burst)}
}

type budgetedFetcher struct {
	inner   cache.Fetcher
	limiter *rate.Limiter
}

func (f *budgetedFetcher) Fetch(ctx context.Context, source string, offset int64, etag string) (io.ReadCloser, string, error) {
	rc, newEtag, err := f.inner.Fetch(ctx, source, offset, etag)
	if err != nil {
		return nil, "", err
	}
	return &budgetedReader{ReadCloser: rc, ctx: ctx, limiter: f.limiter}, newEtag, nil
}

type budgetedReader struct {
	io.ReadCloser
	ctx     context.Context
	limiter *rate.Limiter
}

func (r *budgetedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// Plan recomputes the pin set and dispatches downloads for every item
// in the window [nowIndex, nowIndex+depth] (wrapping, since the
// timeline loops) that is not already cached. Items already cached are
// skipped without contacting the network or the resolver.
func (p *Planner) Plan(ctx context.Context, items []snapshot.PlaylistItem, nowIndex int) {
	if len(items) == 0 {
		return
	}

	window := make([]snapshot.PlaylistItem, 0, p.depth+1)
	seen := make(map[string]struct{}, p.depth+1)
	for i := 0; i <= p.depth && i < len(items); i++ {
		idx := (nowIndex + i) % len(items)
		item := items[idx]
		if _, dup := seen[item.MediaID]; dup {
			continue
		}
		seen[item.MediaID] = struct{}{}
		window = append(window, item)
	}

	p.repin(window)

	for priority, item := range window {
		if _, ok := p.cache.Get(item.MediaID); ok {
			continue
		}
		p.dispatch(ctx, item, priority)
	}
}

func (p *Planner) repin(window []snapshot.PlaylistItem) {
	want := make(map[string]struct{}, len(window))
	for _, item := range window {
		want[item.MediaID] = struct{}{}
	}

	p.mu.Lock()
	prev := p.pinned
	p.pinned = want
	p.mu.Unlock()

	for id := range want {
		p.cache.Pin(id)
	}
	for id := range prev {
		if _, stillWanted := want[id]; !stillWanted {
			p.cache.Unpin(id)
		}
	}
}

// dispatch resolves and installs item in a worker goroutine bounded by
// the concurrency semaphore. priority is the playback index distance
// from now, used only for logging: the semaphore already serialises
// excess work, and window order (closest-first) determines which
// items acquire a worker slot first.
func (p *Planner) dispatch(ctx context.Context, item snapshot.PlaylistItem, priority int) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-p.sem }()

		digest, source := "", item.SourceURL
		if p.resolver != nil {
			var err error
			digest, source, err = p.resolver.Resolve(ctx, item.MediaID)
			if err != nil {
				logging.Warn().Err(err).Str("media_id", item.MediaID).Msg("prefetch: media metadata resolution failed")
				return
			}
		}
		if source == "" {
			logging.Warn().Str("media_id", item.MediaID).Msg("prefetch: no source available, skipping")
			return
		}

		status, err := p.cache.Install(ctx, item.MediaID, digest, source)
		if err != nil {
			logging.Warn().Err(err).Str("media_id", item.MediaID).Int("priority", priority).Msg("prefetch: install failed")
			return
		}
		logging.Info().Str("media_id", item.MediaID).Str("status", string(status)).Int("priority", priority).Msg("prefetch: install complete")
	}()
}
