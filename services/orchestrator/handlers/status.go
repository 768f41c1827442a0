// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/datatypes"
)

// GatewayStatus is the part of the model gateway health reports on.
type GatewayStatus interface {
	BreakerStats() gateway.CircuitBreakerStats
	KillSwitchActive() bool
}

// HealthCheck serves GET /health. The status is "degraded" while the
// circuit breaker is open; the endpoint itself always answers 200.
func HealthCheck(gw GatewayStatus, pipeline string) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := gw.BreakerStats()
		status := datatypes.StatusOK
		if stats.State == gateway.CircuitOpen.String() {
			status = datatypes.StatusDegraded
		}
		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:         status,
			Pipeline:       pipeline,
			KillSwitch:     gw.KillSwitchActive(),
			CircuitBreaker: stats,
			Timestamp:      time.Now().UTC(),
		})
	}
}

// GetAuditTrail serves GET /audit/:trace_id from reader.
//
// # Outputs
//
//   - 200: AuditTrailResponse with entries in write order.
//   - 404: No entries for the trace.
//   - 501: The configured sink cannot be read back (reader is nil).
//   - 500: The sink failed.
func GetAuditTrail(reader audit.TrailReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reader == nil {
			c.JSON(http.StatusNotImplemented, datatypes.NewErrorResponse("audit sink does not support trail reads"))
			return
		}
		traceID := strings.TrimSpace(c.Param("trace_id"))
		if traceID == "" {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse("trace_id is required"))
			return
		}
		entries, err := reader.ReadTrail(traceID)
		if err != nil {
			slog.Error("Failed to read audit trail", "trace_id", traceID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse("audit trail unavailable"))
			return
		}
		if len(entries) == 0 {
			c.JSON(http.StatusNotFound, datatypes.NewErrorResponse("no audit entries for trace"))
			return
		}
		c.JSON(http.StatusOK, datatypes.AuditTrailResponse{
			TraceID: traceID,
			Count:   len(entries),
			Entries: entries,
		})
	}
}
