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
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
)

// Correlation headers read from requests and echoed on responses.
const (
	HeaderTraceID   = "X-Trace-ID"
	HeaderRequestID = "X-Request-ID"
)

// MaxCorrelationIDLength caps an adopted X-Trace-ID or X-Request-ID.
const MaxCorrelationIDLength = 128

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// correlationID returns the header value when it is a usable id, or ""
// so the audit context generates one. Rejected values are not logged.
func correlationID(c *gin.Context, header string) string {
	v := c.GetHeader(header)
	if v == "" {
		return ""
	}
	if len(v) > MaxCorrelationIDLength || !correlationIDPattern.MatchString(v) {
		slog.Warn("Ignoring malformed correlation header", "header", header, "length", len(v))
		return ""
	}
	return v
}

// AuditContext opens an audit context for the request.
//
// # Description
//
// The context is created for workflowID with base options plus:
//   - the caller's tenant, when AuthMiddleware ran first
//   - the inbound X-Trace-ID as the parent trace
//   - the inbound X-Request-ID as the request id
//
// An inbound id longer than MaxCorrelationIDLength or containing anything
// other than letters, digits and ._:- is ignored and a fresh id generated.
//
// Both ids are set as response headers before the handler runs, so they are
// present even on error responses. After the handler returns one
// api_request entry is logged and the context is closed.
//
// # Inputs
//
//   - workflowID: Workflow recorded on every entry of the request.
//   - kill: While active the middleware only calls c.Next().
//   - base: Sink, privacy and redaction options shared by the server.
//
// # Assumptions
//
//   - Handlers read the context with audit.FromContext(c.Request.Context()).
func AuditContext(workflowID string, kill KillSwitch, base ...audit.Option) gin.HandlerFunc {
	return func(c *gin.Context) {
		if kill.active() {
			c.Next()
			return
		}

		opts := append([]audit.Option{}, base...)
		if info := GetAuthInfo(c); info != nil && info.TenantID != "" {
			opts = append(opts, audit.WithTenant(info.TenantID))
		}
		opts = append(opts,
			audit.WithParentTrace(correlationID(c, HeaderTraceID)),
			audit.WithRequestID(correlationID(c, HeaderRequestID)),
		)

		ctx, ac, end := audit.Begin(c.Request.Context(), workflowID, opts...)
		defer end()
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderTraceID, ac.TraceID())
		c.Header(HeaderRequestID, ac.RequestID())

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ac.LogAPIRequest(audit.APIRequest{
			Method:     c.Request.Method,
			Path:       path,
			StatusCode: status,
			Success:    status < http.StatusBadRequest,
			LatencyMS:  float64(time.Since(start).Microseconds()) / 1000,
		})
	}
}
