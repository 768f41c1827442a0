// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/kvstore"
)

// BadgerSink persists entries in a BadgerDB store keyed by
// "audit/<trace_id>/<unix_nanos>-<seq>", so a full trail can be read back
// in write order with one prefix scan.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSink struct {
	store *kvstore.Store
	seq   atomic.Uint64
	owned bool
}

// NewBadgerSink opens a store at dir and returns a sink that owns it.
func NewBadgerSink(dir string) (*BadgerSink, error) {
	store, err := kvstore.Open(kvstore.DefaultConfig(dir))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return &BadgerSink{store: store, owned: true}, nil
}

// NewBadgerSinkFromStore wraps an already-open store. Close leaves the
// store open.
func NewBadgerSinkFromStore(store *kvstore.Store) *BadgerSink {
	return &BadgerSink{store: store}
}

const auditPrefix = "audit/"

func trailPrefix(traceID string) []byte {
	return []byte(auditPrefix + traceID + "/")
}

// Write implements Sink.
func (s *BadgerSink) Write(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d-%010d", trailPrefix(entry.TraceID), entry.Timestamp.UnixNano(), s.seq.Add(1))
	if err := s.store.Put([]byte(key), data); err != nil {
		return fmt.Errorf("persist audit entry: %w", err)
	}
	return nil
}

// ReadTrail returns every stored entry for traceID ordered by timestamp.
func (s *BadgerSink) ReadTrail(traceID string) ([]Entry, error) {
	var out []Entry
	err := s.store.ScanPrefix(trailPrefix(traceID), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes entries written before cutoff and returns how many were
// removed. The timestamp is read from the key, so values are not decoded.
func (s *BadgerSink) Prune(before time.Time) (int, error) {
	cutoff := before.UnixNano()
	var stale [][]byte
	err := s.store.ScanPrefix([]byte(auditPrefix), func(key, _ []byte) error {
		ts, ok := keyTimestamp(key)
		if ok && ts < cutoff {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan audit store: %w", err)
	}
	if err := s.store.DeleteKeys(stale); err != nil {
		return 0, fmt.Errorf("prune audit store: %w", err)
	}
	return len(stale), nil
}

// keyTimestamp parses "audit/<trace>/<nanos>-<seq>".
func keyTimestamp(key []byte) (int64, bool) {
	k := string(key)
	slash := strings.LastIndexByte(k, '/')
	if slash < 0 {
		return 0, false
	}
	tail := k[slash+1:]
	dash := strings.IndexByte(tail, '-')
	if dash < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(tail[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Close implements Sink.
func (s *BadgerSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.store.Close()
}

var (
	_ Sink        = (*BadgerSink)(nil)
	_ TrailReader = (*BadgerSink)(nil)
	_ Pruner      = (*BadgerSink)(nil)
)
