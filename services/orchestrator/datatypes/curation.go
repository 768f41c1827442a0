// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the JSON bodies of the curation server.
//
// The curation request and success envelope are curation.Request and
// curation.Response; this package covers everything around them.
package datatypes

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ErrorResponse is returned for requests rejected before the pipeline
// runs. It keeps the success/error/final_response shape of the curation
// envelope so clients parse one format.
type ErrorResponse struct {
	Success       bool     `json:"success"`
	Error         string   `json:"error"`
	FinalResponse string   `json:"final_response,omitempty"`
	Details       []string `json:"details,omitempty"`
}

// NewErrorResponse builds a failed envelope with a human-readable apology.
func NewErrorResponse(msg string, details ...string) ErrorResponse {
	return ErrorResponse{
		Success:       false,
		Error:         msg,
		FinalResponse: "The request could not be processed: " + msg + ".",
		Details:       details,
	}
}

// ValidationDetails flattens validator errors into "field: rule" strings.
// Errors that are not validator errors yield their message.
func ValidationDetails(err error) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return out
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string                      `json:"status"`
	Pipeline       string                      `json:"pipeline"`
	KillSwitch     bool                        `json:"kill_switch"`
	CircuitBreaker gateway.CircuitBreakerStats `json:"circuit_breaker"`
	Timestamp      time.Time                   `json:"timestamp"`
}

// AuditTrailResponse is the body of GET /audit/:trace_id.
type AuditTrailResponse struct {
	TraceID string        `json:"trace_id"`
	Count   int           `json:"count"`
	Entries []audit.Entry `json:"entries"`
}
