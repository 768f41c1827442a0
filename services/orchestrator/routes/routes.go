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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/extensions"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/handlers"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/middleware"
)

// WorkflowAuditRead is the workflow recorded for audit trail reads.
const WorkflowAuditRead = "audit_read"

// Dependencies are the collaborators the routes are wired to.
//
// Curator and Gateway are required. Trails, Recorder, Gatherer and Limiter
// may be nil, which disables trail reads (501), request metrics, the
// /metrics endpoint and rate limiting respectively.
type Dependencies struct {
	Curator      handlers.Curator
	Gateway      handlers.GatewayStatus
	Trails       audit.TrailReader
	Recorder     middleware.RequestRecorder
	Gatherer     prometheus.Gatherer
	Limiter      *rate.Limiter
	KillSwitch   middleware.KillSwitch
	AuditOptions []audit.Option
	Options      extensions.ServiceOptions
}

// SetupRoutes registers every endpoint on router.
//
//	GET  /health              breaker and kill switch state, no auth
//	GET  /metrics             Prometheus exposition, no auth
//	POST /curation/process    run the pipeline (action "curate")
//	GET  /audit/:trace_id     read a persisted trail (action "read_audit")
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	opts := deps.Options.Normalize()
	kill := deps.KillSwitch

	router.Use(middleware.Metrics(deps.Recorder, kill))

	router.GET("/health", handlers.HealthCheck(deps.Gateway, deps.Curator.Pipeline()))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("")
	api.Use(middleware.RateLimit(deps.Limiter, kill))
	api.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		api.POST("/curation/process",
			middleware.Authorize(opts.AuthzProvider, extensions.ActionCurate, "curation", ""),
			middleware.AuditContext(workflowFor(deps.Curator.Pipeline()), kill, deps.AuditOptions...),
			handlers.HandleCurationProcess(deps.Curator),
		)
		api.GET("/audit/:trace_id",
			middleware.Authorize(opts.AuthzProvider, extensions.ActionReadAudit, "audit_trail", "trace_id"),
			middleware.AuditContext(WorkflowAuditRead, kill, deps.AuditOptions...),
			handlers.GetAuditTrail(deps.Trails),
		)
	}
}

func workflowFor(pipeline string) string {
	if pipeline == curation.PipelineLegacy {
		return curation.WorkflowLegacyCuration
	}
	return curation.WorkflowEvidenceCuration
}
