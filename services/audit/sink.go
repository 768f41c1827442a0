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
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Sink Interface
// =============================================================================

// Sink receives audit entries.
//
// # Description
//
// Write is called synchronously before the audited operation returns to
// its caller. Every implementation validates the mandatory field set and
// returns ErrMalformedEntry (wrapped) instead of writing a partial record.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one sink is shared by
// every request served by the process.
type Sink interface {
	Write(entry Entry) error
	Close() error
}

// auditFileMode restricts audit files to the owner. Entries describe what
// was asked and by whom.
const auditFileMode = 0600

// =============================================================================
// Writer / Stdout Sink
// =============================================================================

// WriterSink writes newline-delimited JSON to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing NDJSON to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewStdoutSink returns a sink writing NDJSON to standard output.
func NewStdoutSink() *WriterSink {
	return NewWriterSink(os.Stdout)
}

// Write implements Sink.
func (s *WriterSink) Write(entry Entry) error {
	line, err := encodeLine(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close implements Sink. The underlying writer is not closed.
func (s *WriterSink) Close() error { return nil }

// =============================================================================
// File Sink (append-only, size-based rotation)
// =============================================================================

// FileSink appends NDJSON entries to a file and rotates it when the next
// write would exceed MaxBytes. Rotated files are named path.1 (newest)
// through path.N (oldest); older ones are removed.
//
// # Limitations
//
//   - Rotation is size-based only.
//   - A single entry larger than MaxBytes is still written whole to a
//     fresh file.
type FileSink struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
}

// NewFileSink opens (or creates) path in append mode.
//
// # Inputs
//
//   - path: Audit file location. Parent directory must exist.
//   - maxBytes: Rotation threshold. Zero or negative disables rotation.
//   - maxBackups: Rotated files to keep. Values below 1 keep one.
func NewFileSink(path string, maxBytes int64, maxBackups int) (*FileSink, error) {
	if maxBackups < 1 {
		maxBackups = 1
	}
	s := &FileSink{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(entry Entry) error {
	line, err := encodeLine(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("audit file sink is closed")
	}
	if s.maxBytes > 0 && s.size > 0 && s.size+int64(len(line)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N-1 -> path.N ... path -> path.1 and reopens path.
// Caller holds s.mu.
func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close audit file for rotation: %w", err)
	}
	s.file = nil

	oldest := fmt.Sprintf("%s.%d", s.path, s.maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove oldest audit backup: %w", err)
	}
	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift audit backup %s: %w", from, err)
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("rotate audit file: %w", err)
	}
	return s.open()
}

// Path returns the active file path.
func (s *FileSink) Path() string { return s.path }

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// =============================================================================
// Null / Memory / Multi Sinks
// =============================================================================

// NullSink validates and discards entries.
type NullSink struct{}

// Write implements Sink.
func (NullSink) Write(entry Entry) error { return entry.Validate() }

// Close implements Sink.
func (NullSink) Close() error { return nil }

// MemorySink keeps entries in memory. Used by tests and by the HTTP
// layer's trail lookup when no durable store is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewMemorySink returns a sink retaining at most limit entries (oldest
// dropped first). limit <= 0 means unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Write implements Sink.
func (s *MemorySink) Write(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry.clone())
	if s.limit > 0 && len(s.entries) > s.limit {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.limit:]...)
	}
	return nil
}

// Entries returns a copy of everything written so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

// ByOperation returns the retained entries of one operation type.
func (s *MemorySink) ByOperation(op Operation) []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

// ReadTrail returns the retained entries for traceID in write order.
func (s *MemorySink) ReadTrail(traceID string) ([]Entry, error) {
	var out []Entry
	for _, e := range s.Entries() {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune drops entries with a timestamp before cutoff.
func (s *MemorySink) Prune(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.Timestamp.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	clear(s.entries[len(kept):])
	s.entries = kept
	return removed, nil
}

// Reset discards retained entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Close implements Sink.
func (s *MemorySink) Close() error { return nil }

// MultiSink fans entries out to several sinks. Every sink is attempted;
// errors are joined.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, s := range m {
		if err := s.Write(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TrailReader is implemented by sinks that can return a stored trail.
type TrailReader interface {
	ReadTrail(traceID string) ([]Entry, error)
}

// Pruner is implemented by sinks that can drop entries older than a
// retention cutoff.
type Pruner interface {
	Prune(before time.Time) (int, error)
}

// ReadTrail returns the trail from the first member sink that can read one.
func (m MultiSink) ReadTrail(traceID string) ([]Entry, error) {
	for _, s := range m {
		if r, ok := s.(TrailReader); ok {
			return r.ReadTrail(traceID)
		}
	}
	return nil, errors.New("no sink supports trail lookup")
}

func encodeLine(entry Entry) ([]byte, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return append(data, '\n'), nil
}

var (
	_ Sink        = (*WriterSink)(nil)
	_ Sink        = (*FileSink)(nil)
	_ Sink        = NullSink{}
	_ Sink        = (*MemorySink)(nil)
	_ Sink        = MultiSink(nil)
	_ TrailReader = (*MemorySink)(nil)
	_ TrailReader = MultiSink(nil)
	_ Pruner      = (*MemorySink)(nil)
)
