// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the curation server.
//
// # Description
//
// Metrics cover three layers:
//   - Model gateway: calls by model/outcome/operation, latency, retries,
//     circuit breaker state
//   - Curation workflow: runs by pipeline/confidence/status, per-stage
//     latency, verification pass rate, revision count
//   - HTTP surface: requests by route and status class, latency
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "curator"

const (
	gatewaySubsystem  = "gateway"
	curationSubsystem = "curation"
	httpSubsystem     = "http"
)

// circuitStates lists every label value the breaker gauge can take.
var circuitStates = []string{"closed", "open", "half_open"}

// Metrics holds all Prometheus collectors for the curation server.
//
// # Description
//
// Create once per registry via NewMetrics. Methods take primitive types so
// the gateway and curation packages can depend on small interfaces instead
// of this package.
//
// # Fields
//
//   - ModelCallsTotal: Logical model calls by model, outcome, operation
//   - ModelCallDurationSeconds: Logical call latency including retries
//   - ModelRetriesTotal: Extra attempts made by the retry loop
//   - CircuitState: 1 for the breaker's current state, 0 otherwise
//   - CurationsTotal: Completed runs by pipeline, confidence, status
//   - StageDurationSeconds: Per-stage latency
//   - VerificationPassRate: verified / attempted per run
//   - RevisionsTotal: Revision loops taken
//   - HTTPRequestsTotal / HTTPRequestDurationSeconds: Inbound requests
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	ModelCallsTotal          *prometheus.CounterVec
	ModelCallDurationSeconds *prometheus.HistogramVec
	ModelRetriesTotal        *prometheus.CounterVec
	CircuitState             *prometheus.GaugeVec

	CurationsTotal       *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	VerificationPassRate prometheus.Histogram
	RevisionsTotal       prometheus.Counter

	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Tests pass prometheus.NewRegistry();
//     the server passes prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ModelCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "calls_total",
				Help:      "Logical model calls by model, outcome and budget operation",
			},
			[]string{"model", "outcome", "operation"},
		),

		ModelCallDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "call_duration_seconds",
				Help:      "Logical model call duration in seconds, retries included",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model", "outcome"},
		),

		ModelRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "retries_total",
				Help:      "Extra attempts made by the gateway retry loop",
			},
			[]string{"model"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "circuit_state",
				Help:      "1 for the circuit breaker's current state, 0 otherwise",
			},
			[]string{"state"},
		),

		CurationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: curationSubsystem,
				Name:      "runs_total",
				Help:      "Completed curation runs by pipeline, confidence and status",
			},
			[]string{"pipeline", "confidence", "status"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: curationSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Curation stage duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"stage", "status"},
		),

		VerificationPassRate: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: curationSubsystem,
				Name:      "verification_pass_rate",
				Help:      "Fraction of extracted requirements that passed grounding verification",
				Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
			},
		),

		RevisionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: curationSubsystem,
				Name:      "revisions_total",
				Help:      "Revision loops taken after quality review",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),

		HTTPRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// =============================================================================
// Gateway
// =============================================================================

// ObserveModelCall records one logical model call.
//
// # Inputs
//
//   - model: Model label reported by the provider.
//   - outcome: "success" or the gateway error kind.
//   - operation: Budget operation tag, "" when untagged.
//   - latency: Total call latency, retries included.
//   - retries: Attempts minus one.
func (m *Metrics) ObserveModelCall(model, outcome, operation string, latency time.Duration, retries int) {
	if operation == "" {
		operation = "untagged"
	}
	m.ModelCallsTotal.WithLabelValues(model, outcome, operation).Inc()
	m.ModelCallDurationSeconds.WithLabelValues(model, outcome).Observe(latency.Seconds())
	if retries > 0 {
		m.ModelRetriesTotal.WithLabelValues(model).Add(float64(retries))
	}
}

// SetCircuitState marks state as the breaker's current state.
func (m *Metrics) SetCircuitState(state string) {
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CircuitState.WithLabelValues(s).Set(v)
	}
}

// =============================================================================
// Curation
// =============================================================================

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, latency time.Duration, success bool) {
	m.StageDurationSeconds.WithLabelValues(stage, statusLabel(success)).Observe(latency.Seconds())
}

// ObserveCuration records a finished run.
//
// # Inputs
//
//   - pipeline: "evidence_first" or "legacy".
//   - confidence: Confidence level, "" for legacy runs.
//   - success: Whether the run produced a final response without error.
//   - revisions: Revision loops taken.
func (m *Metrics) ObserveCuration(pipeline, confidence string, success bool, revisions int) {
	if confidence == "" {
		confidence = "none"
	}
	m.CurationsTotal.WithLabelValues(pipeline, confidence, statusLabel(success)).Inc()
	if revisions > 0 {
		m.RevisionsTotal.Add(float64(revisions))
	}
}

// ObservePassRate records a run's verification pass rate.
func (m *Metrics) ObservePassRate(rate float64) {
	m.VerificationPassRate.Observe(rate)
}

// =============================================================================
// HTTP
// =============================================================================

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route, method string, code int, latency time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(route).Observe(latency.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
