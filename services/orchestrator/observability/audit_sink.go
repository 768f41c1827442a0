// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
)

// MeteredSink counts audit writes through an OpenTelemetry meter.
//
// # Description
//
// Every Write increments curator.audit.entries with the entry's operation
// and whether the inner sink accepted it. Failed writes also increment
// curator.audit.write_errors. The inner sink's error is returned
// unchanged.
//
// # Thread Safety
//
// Safe for concurrent use when the inner sink is.
type MeteredSink struct {
	inner   audit.Sink
	entries metric.Int64Counter
	errors  metric.Int64Counter
}

// NewMeteredSink wraps inner with counters from meter.
func NewMeteredSink(inner audit.Sink, meter metric.Meter) (*MeteredSink, error) {
	entries, err := meter.Int64Counter("curator.audit.entries",
		metric.WithDescription("Audit entries written by operation and outcome"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create audit entries counter: %w", err)
	}
	errs, err := meter.Int64Counter("curator.audit.write_errors",
		metric.WithDescription("Audit entries the sink rejected"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create audit error counter: %w", err)
	}
	return &MeteredSink{inner: inner, entries: entries, errors: errs}, nil
}

// Write forwards entry and records the outcome.
func (s *MeteredSink) Write(entry audit.Entry) error {
	err := s.inner.Write(entry)
	attrs := metric.WithAttributes(
		attribute.String("operation", string(entry.Operation)),
		attribute.Bool("written", err == nil),
	)
	s.entries.Add(context.Background(), 1, attrs)
	if err != nil {
		s.errors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("operation", string(entry.Operation))))
	}
	return err
}

// Close closes the inner sink.
func (s *MeteredSink) Close() error { return s.inner.Close() }

// Trails returns the inner sink as a TrailReader, or nil when it cannot
// be read back.
func (s *MeteredSink) Trails() audit.TrailReader {
	if r, ok := s.inner.(audit.TrailReader); ok {
		return r
	}
	return nil
}

// Pruner returns the inner sink as a Pruner, or nil when it cannot drop
// old entries.
func (s *MeteredSink) Pruner() audit.Pruner {
	if p, ok := s.inner.(audit.Pruner); ok {
		return p
	}
	return nil
}

var _ audit.Sink = (*MeteredSink)(nil)
