// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package outbound implements the durable, crash-safe outbound queue:
// every remote side-effect (heartbeat, proof-of-play batch, command
// acknowledgement, log bundle upload) is appended here before being
// attempted, so a crash mid-delivery loses nothing. Records are grouped
// by kind, FIFO within a kind, drained with cross-kind alternation to
// avoid one busy kind starving the others.
package outbound

import (
	"context"
	"net/http"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
	"github.com/beaconsignal/beacon-agent/internal/logging"
	"github.com/beaconsignal/beacon-agent/internal/metrics"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

// Kind enumerates the record kinds the queue carries.
type Kind string

const (
	KindHeartbeat   Kind = "heartbeat"
	KindPoP         Kind = "pop"
	KindCommandAck  Kind = "command-ack"
	KindLogBundle   Kind = "log-bundle"
)

// Record is a durable intent to perform one remote side-effect.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Body        any       `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	seq         uint64
}

// allKinds lists every kind for round-robin drain ordering.
var allKinds = []Kind{KindHeartbeat, KindPoP, KindCommandAck, KindLogBundle}

// Queue is a badger-backed durable queue. Mutations go exclusively
// through Queue's methods — it is the single writer for its spool
// directory, per the ownership rule of the data model.
type Queue struct {
	db          *badger.DB
	maxSize     int
	drainMu     sync.Mutex // single in-flight drain
	seqMu       sync.Mutex
	nextSeq     map[Kind]uint64
}

// Open opens (creating if absent) a durable queue rooted at dir.
func Open(dir string, maxSize int) (*Queue, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, agenterr.Resource("outbound", "open", err)
	}
	q := &Queue{db: db, maxSize: maxSize, nextSeq: make(map[Kind]uint64)}
	if err := q.loadSequences(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the underlying store.
func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) loadSequences() error {
	return q.db.View(func(txn *badger.Txn) error {
		for _, kind := range allKinds {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = keyPrefix(kind)
			opts.Reverse = true
			it := txn.NewIterator(opts)
			defer it.Close()

			seekKey := append(append([]byte{}, keyPrefix(kind)...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
			it.Seek(seekKey)
			if it.ValidForPrefix(keyPrefix(kind)) {
				_, seq := splitKey(it.Item().KeyCopy(nil))
				q.nextSeq[kind] = seq + 1
			}
		}
		return nil
	})
}

// keyPrefix builds the badger key prefix for a kind: "<kind>\x00".
func keyPrefix(kind Kind) []byte {
	return append([]byte(kind), 0x00)
}

// key builds the full badger key "<kind>\x00<big-endian seq>".
func key(kind Kind, seq uint64) []byte {
	k := keyPrefix(kind)
	for shift := 56; shift >= 0; shift -= 8 {
		k = append(k, byte(seq>>uint(shift)))
	}
	return k
}

func splitKey(k []byte) (Kind, uint64) {
	i := len(k) - 8
	kind := Kind(k[:i-1])
	var seq uint64
	for _, b := range k[i:] {
		seq = seq<<8 | uint64(b)
	}
	return kind, seq
}

// Enqueue appends record durably. If at capacity, the oldest record of
// the same kind is discarded first (hard cap, oldest-same-kind
// eviction).
func (q *Queue) Enqueue(kind Kind, method, path string, body any, maxAttempts int) (string, error) {
	q.seqMu.Lock()
	seq := q.nextSeq[kind]
	q.nextSeq[kind] = seq + 1
	q.seqMu.Unlock()

	rec := Record{
		ID:          uuid.NewString(),
		Kind:        kind,
		Method:      method,
		Path:        path,
		Body:        body,
		CreatedAt:   time.Now(),
		MaxAttempts: maxAttempts,
		seq:         seq,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", agenterr.Protocol("outbound", "marshal", err)
	}

	if err := q.evictIfOverCap(kind); err != nil {
		logging.Warn().Err(err).Msg("outbound queue eviction failed")
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(kind, seq), data)
	})
	if err != nil {
		return "", agenterr.Resource("outbound", "enqueue", err)
	}
	q.reportQueueSize(kind)
	return rec.ID, nil
}

// reportQueueSize refreshes the per-kind gauge. Errors are logged, not
// returned: a stale metric is not worth failing the caller's operation.
func (q *Queue) reportQueueSize(kind Kind) {
	n, err := q.sizeOfKind(kind)
	if err != nil {
		logging.Warn().Err(err).Str("kind", string(kind)).Msg("outbound queue size metric refresh failed")
		return
	}
	metrics.OutboundQueueSize.WithLabelValues(string(kind)).Set(float64(n))
}

func (q *Queue) sizeOfKind(kind Kind) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix(kind)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(keyPrefix(kind)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *Queue) evictIfOverCap(kind Kind) error {
	total, err := q.Size()
	if err != nil {
		return err
	}
	if total < q.maxSize {
		return nil
	}
	return q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix(kind)
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.ValidForPrefix(keyPrefix(kind)) {
			return nil
		}
		oldest := it.Item().KeyCopy(nil)
		logging.Warn().Str("kind", string(kind)).Msg("outbound queue at capacity, evicting oldest record")
		return txn.Delete(oldest)
	})
}

func (q *Queue) removeAndReport(kind Kind, seq uint64) error {
	if err := q.remove(kind, seq); err != nil {
		return err
	}
	q.reportQueueSize(kind)
	return nil
}

// Size returns the total number of records currently spooled.
func (q *Queue) Size() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Clear removes every record. Used only for explicit operator reset.
func (q *Queue) Clear() error {
	return q.db.DropAll()
}

// Deliverer performs one HTTP round trip; implemented by
// *transport.Client in production and a fake in tests.
type Deliverer interface {
	Do(ctx context.Context, method, path string, body any) (*transport.Response, error)
}

// Drain attempts delivery of every spooled record, alternating across
// kinds so no single busy kind starves the others, until the queue is
// empty, ctx is cancelled, or a record fails with a retryable error (in
// which case drain stops for that record's kind this pass and resumes
// next call). Only one drain may be in flight at a time.
func (q *Queue) Drain(ctx context.Context, d Deliverer) error {
	if !q.drainMu.TryLock() {
		return nil // reentrant-safe: a drain is already in flight
	}
	defer q.drainMu.Unlock()

	failed := make(map[Kind]bool)
	for {
		progressed := false
		for _, kind := range allKinds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failed[kind] {
				continue
			}
			rec, ok, err := q.peekOldest(kind)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			resp, err := d.Do(ctx, rec.Method, rec.Path, rec.Body)
			switch {
			case err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300:
				if err := q.removeAndReport(kind, rec.seq); err != nil {
					return err
				}
				progressed = true

			case resp != nil && rec.Kind == KindPoP && resp.StatusCode == http.StatusConflict:
				// PoP is idempotency-critical: 409 means the server
				// already recorded this event, which is success.
				if err := q.removeAndReport(kind, rec.seq); err != nil {
					return err
				}
				progressed = true

			case resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500:
				logging.Warn().Str("record_id", rec.ID).Int("status", resp.StatusCode).
					Msg("outbound record dropped on non-retryable client error")
				metrics.OutboundDrainFailures.WithLabelValues(string(kind)).Inc()
				if err := q.removeAndReport(kind, rec.seq); err != nil {
					return err
				}
				progressed = true

			default:
				metrics.OutboundDrainFailures.WithLabelValues(string(kind)).Inc()
				if incErr := q.incrementAttempts(kind, rec); incErr != nil {
					return incErr
				}
				if rec.Attempts+1 >= rec.MaxAttempts {
					logging.Warn().Str("record_id", rec.ID).Msg("outbound record dropped after exhausting max attempts")
					if err := q.removeAndReport(kind, rec.seq); err != nil {
						return err
					}
				}
				// Leave this kind for the next Drain call; other kinds
				// still get their turns in this one.
				failed[kind] = true
			}
		}
		if !progressed {
			return nil
		}
	}
}

func (q *Queue) peekOldest(kind Kind) (Record, bool, error) {
	var rec Record
	found := false
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix(kind)
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.ValidForPrefix(keyPrefix(kind)) {
			return nil
		}
		item := it.Item()
		_, seq := splitKey(item.KeyCopy(nil))
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			rec.seq = seq
			found = true
			return nil
		})
	})
	return rec, found, err
}

func (q *Queue) remove(kind Kind, seq uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(kind, seq))
	})
}

func (q *Queue) incrementAttempts(kind Kind, rec Record) error {
	rec.Attempts++
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(kind, rec.seq), data)
	})
}
