// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the curation server's HTTP endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/datatypes"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/middleware"
)

var curationTracer = otel.Tracer("curator.orchestrator.handlers")

// Curator runs one curation. Implemented by curation.Orchestrator.
type Curator interface {
	Execute(ctx context.Context, req curation.Request) *curation.Response
	Pipeline() string
}

// HandleCurationProcess serves POST /curation/process.
//
// # Description
//
// Binds and validates a curation.Request, runs it, and returns the
// curation envelope. The audit context opened by middleware.AuditContext
// is reused by the pipeline, so every entry of the run shares the
// response's trace id.
//
// # Outputs
//
//   - 200: Envelope with success true.
//   - 400: ErrorResponse for malformed JSON or failed validation.
//   - 500: Envelope with success false. The error field names the failure
//     and final_response carries the apology text.
func HandleCurationProcess(curator Curator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := curationTracer.Start(c.Request.Context(), "HandleCurationProcess")
		defer span.End()

		var req curation.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("Failed to bind curation request JSON", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request body"))
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("invalid request",
				datatypes.ValidationDetails(err)...))
			return
		}
		span.SetAttributes(
			attribute.String("curation.pipeline", curator.Pipeline()),
			attribute.String("curation.topic", req.Topic),
			attribute.Int("curation.question_length", len(req.Question)),
		)

		resp := curator.Execute(ctx, req)
		if c.Writer.Header().Get(middleware.HeaderTraceID) == "" {
			c.Header(middleware.HeaderTraceID, resp.TraceID)
		}
		if !resp.Success {
			span.SetStatus(codes.Error, resp.Error)
			c.JSON(http.StatusInternalServerError, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
