// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/extensions"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
)

func killSwitch(on *atomic.Bool) KillSwitch {
	return on.Load
}

// =============================================================================
// AuditContext Tests
// =============================================================================

func TestAuditContext_RecordsRequest(t *testing.T) {
	sink := audit.NewMemorySink(0)
	provider := &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "u", TenantID: "county-7"}}

	var handlerTrace string
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.POST("/curation/process", AuditContext("evidence_curation", nil, audit.WithSink(sink)),
		func(c *gin.Context) {
			ac, ok := audit.FromContext(c.Request.Context())
			require.True(t, ok)
			handlerTrace = ac.TraceID()
			c.Status(http.StatusAccepted)
		})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/curation/process", nil)
	req.Header.Set(HeaderTraceID, "upstream-trace")
	req.Header.Set(HeaderRequestID, "req-42")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "upstream-trace", w.Header().Get(HeaderTraceID))
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "upstream-trace", handlerTrace)

	entries := sink.ByOperation(audit.OpAPIRequest)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "upstream-trace", e.TraceID)
	assert.Equal(t, "req-42", e.RequestID)
	assert.Equal(t, "evidence_curation", e.WorkflowID)
	assert.Equal(t, "county-7", e.TenantID)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, "/curation/process", e.Path)
	assert.Equal(t, http.StatusAccepted, e.StatusCode)
	assert.True(t, e.Success)
}

func TestAuditContext_GeneratesIDsAndFlagsFailures(t *testing.T) {
	sink := audit.NewMemorySink(0)
	router := gin.New()
	router.GET("/boom", AuditContext("api", nil, audit.WithSink(sink)), func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))

	assert.NotEmpty(t, w.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	entries := sink.ByOperation(audit.OpAPIRequest)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, w.Header().Get(HeaderTraceID), entries[0].TraceID)
}

func TestAuditContext_MalformedCorrelationHeaders(t *testing.T) {
	tests := []struct {
		name    string
		traceID string
		adopted bool
	}{
		{"uuid", "3f2b8c1e-9d4a-4b7e-a1c2-5e6f7a8b9c0d", true},
		{"w3c style", "00:4bf92f3577b34da6.a3ce929d0e0e4736", true},
		{"at length cap", strings.Repeat("a", MaxCorrelationIDLength), true},
		{"over length cap", strings.Repeat("a", MaxCorrelationIDLength+1), false},
		{"log injection", "trace\nlevel=error msg=forged", false},
		{"json breakout", `trace","tenant_id":"other`, false},
		{"spaces", "upstream trace", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := audit.NewMemorySink(0)
			router := gin.New()
			router.GET("/x", AuditContext("api", nil, audit.WithSink(sink)), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/x", nil)
			req.Header.Set(HeaderTraceID, tt.traceID)
			req.Header.Set(HeaderRequestID, tt.traceID)
			router.ServeHTTP(w, req)

			got := w.Header().Get(HeaderTraceID)
			require.NotEmpty(t, got)
			entries := sink.ByOperation(audit.OpAPIRequest)
			require.Len(t, entries, 1)
			assert.Equal(t, got, entries[0].TraceID)
			if tt.adopted {
				assert.Equal(t, tt.traceID, got)
				assert.Equal(t, tt.traceID, w.Header().Get(HeaderRequestID))
				return
			}
			assert.NotEqual(t, tt.traceID, got)
			assert.NotEqual(t, tt.traceID, w.Header().Get(HeaderRequestID))
			assert.LessOrEqual(t, len(got), MaxCorrelationIDLength)
		})
	}
}

func TestAuditContext_KillSwitchPassesThrough(t *testing.T) {
	var on atomic.Bool
	on.Store(true)
	sink := audit.NewMemorySink(0)

	router := gin.New()
	router.GET("/x", AuditContext("api", killSwitch(&on), audit.WithSink(sink)), func(c *gin.Context) {
		_, ok := audit.FromContext(c.Request.Context())
		assert.False(t, ok)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(HeaderTraceID))
	assert.Empty(t, sink.Entries())
}

// =============================================================================
// RateLimit Tests
// =============================================================================

func TestRateLimit(t *testing.T) {
	var on atomic.Bool
	router := gin.New()
	router.Use(RateLimit(NewLimiter(1, 1), killSwitch(&on)))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, "GET", "/x", "").Code)
	w := serve(router, "GET", "/x", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	on.Store(true)
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/x", "").Code)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))
	assert.Nil(t, NewLimiter(-1, 10))

	l := NewLimiter(2.5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 3, l.Burst())

	assert.Equal(t, 7, NewLimiter(1, 7).Burst())

	router := gin.New()
	router.Use(RateLimit(nil, nil))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	for range 5 {
		assert.Equal(t, http.StatusOK, serve(router, "GET", "/x", "").Code)
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

type recorded struct {
	route, method string
	code          int
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (f *fakeRecorder) RecordRequest(route, method string, code int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recorded{route, method, code})
}

func TestMetrics(t *testing.T) {
	var on atomic.Bool
	rec := &fakeRecorder{}
	router := gin.New()
	router.Use(Metrics(rec, killSwitch(&on)))
	router.GET("/audit/:trace_id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(router, "GET", "/audit/abc", "")
	serve(router, "GET", "/nowhere", "")
	on.Store(true)
	serve(router, "GET", "/audit/def", "")

	assert.Equal(t, []recorded{
		{"/audit/:trace_id", "GET", http.StatusNotFound},
		{"", "GET", http.StatusNotFound},
	}, rec.seen)
}
