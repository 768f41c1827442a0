// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/extensions"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/datatypes"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/middleware"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/observability"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCurator records one workflow step through the request's audit
// context and fails questions starting with "fail".
type fakeCurator struct {
	pipeline string
	calls    atomic.Int32
}

func (f *fakeCurator) Pipeline() string { return f.pipeline }

func (f *fakeCurator) Execute(ctx context.Context, req curation.Request) *curation.Response {
	f.calls.Add(1)
	ac := audit.Current(ctx)
	ac.LogWorkflowStep(audit.WorkflowStep{StepName: "retrieval", InputSummary: req.Question, Success: true})
	if strings.HasPrefix(req.Question, "fail") {
		return &curation.Response{
			Success:       false,
			Error:         "model gateway: auth",
			FinalResponse: curation.ErrorResponsePrefix + "model gateway: auth",
			TraceID:       ac.TraceID(),
			Pipeline:      f.pipeline,
		}
	}
	return &curation.Response{
		Success:       true,
		FinalResponse: "Counties shall operate a crisis line [REQ-S001].",
		TraceID:       ac.TraceID(),
		Pipeline:      f.pipeline,
	}
}

type fakeGateway struct {
	state string
	kill  bool
}

func (g fakeGateway) BreakerStats() gateway.CircuitBreakerStats {
	return gateway.CircuitBreakerStats{State: g.state}
}

func (g fakeGateway) KillSwitchActive() bool { return g.kill }

type fixture struct {
	router  *gin.Engine
	curator *fakeCurator
	sink    *audit.MemorySink
	kill    *atomic.Bool
}

func newFixture(t *testing.T, mutate ...func(*Dependencies)) *fixture {
	t.Helper()
	f := &fixture{
		router:  gin.New(),
		curator: &fakeCurator{pipeline: curation.PipelineEvidenceFirst},
		sink:    audit.NewMemorySink(0),
		kill:    &atomic.Bool{},
	}
	reg := prometheus.NewRegistry()
	deps := Dependencies{
		Curator:      f.curator,
		Gateway:      fakeGateway{state: "closed"},
		Trails:       f.sink,
		Recorder:     observability.NewMetrics(reg),
		Gatherer:     reg,
		KillSwitch:   f.kill.Load,
		AuditOptions: []audit.Option{audit.WithSink(f.sink)},
		Options:      extensions.DefaultOptions(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	SetupRoutes(f.router, deps)
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	f.router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Curation
// ============================================================================

func TestCurationProcess_Success(t *testing.T) {
	f := newFixture(t)

	w := f.do("POST", "/curation/process", `{"question": "What must counties do?", "topic": "Crisis"}`,
		middleware.HeaderTraceID, "trace-abc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp curation.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "trace-abc", resp.TraceID)
	assert.Equal(t, "trace-abc", w.Header().Get(middleware.HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	trail, err := f.sink.ReadTrail("trace-abc")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.OpWorkflowStep, trail[0].Operation)
	assert.Equal(t, audit.OpAPIRequest, trail[1].Operation)
	assert.Equal(t, curation.WorkflowEvidenceCuration, trail[1].WorkflowID)
	assert.Equal(t, http.StatusOK, trail[1].StatusCode)
}

func TestCurationProcess_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name, body string
	}{
		{"malformed json", `{"question": `},
		{"missing question", `{"topic": "Crisis"}`},
		{"blank question", `{"question": "   "}`},
		{"bad priority", `{"question": "q", "priority": "urgent"}`},
		{"top_k out of range", `{"question": "q", "top_k": 500}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/curation/process", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.NotEmpty(t, resp.FinalResponse)
		})
	}
	assert.Zero(t, f.curator.calls.Load())
}

func TestCurationProcess_FailureEnvelope(t *testing.T) {
	f := newFixture(t)

	w := f.do("POST", "/curation/process", `{"question": "fail please"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp curation.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "model gateway: auth", resp.Error)
	assert.True(t, strings.HasPrefix(resp.FinalResponse, curation.ErrorResponsePrefix))

	entries := f.sink.ByOperation(audit.OpAPIRequest)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestCurationProcess_KillSwitchSkipsRequestAudit(t *testing.T) {
	f := newFixture(t)
	f.kill.Store(true)

	w := f.do("POST", "/curation/process", `{"question": "What must counties do?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, f.sink.ByOperation(audit.OpAPIRequest))
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderTraceID), "trace id comes from the pipeline's own context")
}

func TestCurationProcess_LegacyWorkflow(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Curator = &fakeCurator{pipeline: curation.PipelineLegacy}
	})

	w := f.do("POST", "/curation/process", `{"question": "q"}`)
	require.Equal(t, http.StatusOK, w.Code)
	entries := f.sink.ByOperation(audit.OpAPIRequest)
	require.Len(t, entries, 1)
	assert.Equal(t, curation.WorkflowLegacyCuration, entries[0].WorkflowID)
}

func TestCurationProcess_TenantFromAPIKey(t *testing.T) {
	keys, err := extensions.ParseAPIKeys("k1:ana:county-9:analyst")
	require.NoError(t, err)
	f := newFixture(t, func(d *Dependencies) {
		d.Options = extensions.ServiceOptions{
			AuthProvider:  extensions.NewStaticTokenProvider(keys),
			AuthzProvider: extensions.NewRoleAuthzProvider(extensions.DefaultRoleRules()),
		}
	})

	assert.Equal(t, http.StatusUnauthorized, f.do("POST", "/curation/process", `{"question": "q"}`).Code)

	w := f.do("POST", "/curation/process", `{"question": "q"}`, "Authorization", "Bearer k1")
	require.Equal(t, http.StatusOK, w.Code)
	for _, e := range f.sink.Entries() {
		assert.Equal(t, "county-9", e.TenantID)
	}

	assert.Equal(t, http.StatusForbidden, f.do("GET", "/audit/anything", "", "Authorization", "Bearer k1").Code)
}

// ============================================================================
// Audit trail
// ============================================================================

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	f.do("POST", "/curation/process", `{"question": "q"}`, middleware.HeaderTraceID, "trace-1")

	w := f.do("GET", "/audit/trace-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trail datatypes.AuditTrailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trail))
	assert.Equal(t, "trace-1", trail.TraceID)
	assert.Equal(t, 2, trail.Count)
	assert.Len(t, trail.Entries, 2)

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/audit/unknown-trace", "").Code)

	reads := 0
	for _, e := range f.sink.ByOperation(audit.OpAPIRequest) {
		if e.WorkflowID == WorkflowAuditRead {
			reads++
		}
	}
	assert.Equal(t, 2, reads, "trail reads are themselves audited")
}

func TestAuditTrail_UnreadableSink(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Trails = nil })
	assert.Equal(t, http.StatusNotImplemented, f.do("GET", "/audit/t", "").Code)
}

// ============================================================================
// Health and metrics
// ============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		gw   fakeGateway
		want string
	}{
		{fakeGateway{state: "closed"}, datatypes.StatusOK},
		{fakeGateway{state: "half_open"}, datatypes.StatusOK},
		{fakeGateway{state: "open", kill: true}, datatypes.StatusDegraded},
	}
	for _, tt := range tests {
		f := newFixture(t, func(d *Dependencies) { d.Gateway = tt.gw })
		w := f.do("GET", "/health", "")
		require.Equal(t, http.StatusOK, w.Code)

		var h datatypes.HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
		assert.Equal(t, tt.want, h.Status)
		assert.Equal(t, tt.gw.kill, h.KillSwitch)
		assert.Equal(t, tt.gw.state, h.CircuitBreaker.State)
		assert.Equal(t, curation.PipelineEvidenceFirst, h.Pipeline)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do("GET", "/health", "")

	w := f.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `curator_http_requests_total{code="200",method="GET",route="/health"} 1`)

	g := newFixture(t, func(d *Dependencies) { d.Gatherer = nil })
	assert.Equal(t, http.StatusNotFound, g.do("GET", "/metrics", "").Code)
}

func TestRateLimitedAPI(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Limiter = middleware.NewLimiter(1, 1) })

	assert.Equal(t, http.StatusOK, f.do("POST", "/curation/process", `{"question": "q"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do("POST", "/curation/process", `{"question": "q"}`).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", "").Code, "health is not rate limited")
}
