// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMetrics registers on an isolated registry so tests can run in
// parallel without duplicate registration panics.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.ObserveModelCall("m", "success", "", time.Second, 0)
	m.SetCircuitState("closed")
	m.ObserveCuration("evidence_first", "high", true, 0)
	m.ObserveStage("retrieval", time.Second, true)
	m.ObservePassRate(1)
	m.RecordRequest("/health", "GET", 200, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"curator_gateway_calls_total",
		"curator_gateway_call_duration_seconds",
		"curator_gateway_circuit_state",
		"curator_curation_runs_total",
		"curator_curation_stage_duration_seconds",
		"curator_curation_verification_pass_rate",
		"curator_http_requests_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestObserveModelCall(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveModelCall("gpt-4o", "success", "extraction", 2*time.Second, 0)
	m.ObserveModelCall("gpt-4o", "success", "extraction", time.Second, 2)
	m.ObserveModelCall("gpt-4o", "timeout", "", time.Second, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("gpt-4o", "success", "extraction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("gpt-4o", "timeout", "untagged")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ModelRetriesTotal.WithLabelValues("gpt-4o")))
}

func TestSetCircuitState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitState("open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("closed")))

	m.SetCircuitState("half_open")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("half_open")))
}

func TestObserveCuration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveCuration("evidence_first", "medium", true, 2)
	m.ObserveCuration("legacy", "", false, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CurationsTotal.WithLabelValues("evidence_first", "medium", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CurationsTotal.WithLabelValues("legacy", "none", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RevisionsTotal))
}

func TestObserveStageAndPassRate(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveStage("verification", 3*time.Second, true)
	m.ObserveStage("verification", time.Second, false)
	m.ObservePassRate(0.5)

	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDurationSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(m.VerificationPassRate))
}

func TestRecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest("/curation/process", "POST", 200, time.Second)
	m.RecordRequest("", "GET", 404, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/curation/process", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404")))
}
