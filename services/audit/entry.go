// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records a causally-linked, privacy-respecting trail of
// every LLM call, retrieval, workflow step, and API request made while
// serving one curation request.
//
// # Description
//
// A Context carries trace_id, request_id, workflow_id and tenant_id. Its
// typed Log* methods build normalized Entry values, append them to an
// in-memory trail, and forward them synchronously to a pluggable Sink
// (stdout, rotating file, BadgerDB, memory, or null). Sink failures are
// logged and never interrupt the operation being described.
//
// Contexts travel explicitly through context.Context (WithContext /
// FromContext). Attaching a new Context replaces the previous one for
// downstream code; entries are never merged into a parent trail.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Operation classifies an audit entry.
type Operation string

const (
	OpLLMCall      Operation = "llm_call"
	OpRetrieval    Operation = "retrieval"
	OpWorkflowStep Operation = "workflow_step"
	OpAPIRequest   Operation = "api_request"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpLLMCall, OpRetrieval, OpWorkflowStep, OpAPIRequest:
		return true
	}
	return false
}

// ErrMalformedEntry is returned by sinks when an entry lacks a mandatory
// field. It indicates a programming error in the caller.
var ErrMalformedEntry = errors.New("malformed audit entry")

// Entry is one immutable audit record.
//
// The mandatory fields (trace_id, request_id, workflow_id, operation,
// timestamp, success, latency_ms) are present on every entry. The rest are
// populated according to Operation and serialized only for that operation.
type Entry struct {
	TraceID    string    `json:"trace_id"`
	RequestID  string    `json:"request_id"`
	WorkflowID string    `json:"workflow_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Operation  Operation `json:"operation"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	LatencyMS  float64   `json:"latency_ms"`

	// llm_call
	Model          string `json:"model,omitempty"`
	TokensEstimate int    `json:"tokens_estimate,omitempty"`
	Retries        int    `json:"retries,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	PromptLength   int    `json:"prompt_length,omitempty"`
	ResponseLength int    `json:"response_length,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Response       string `json:"response,omitempty"`

	// retrieval
	QueryLength int    `json:"query_length,omitempty"`
	NResults    int    `json:"n_results,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	CacheHit    bool   `json:"cache_hit,omitempty"`

	// workflow_step
	StepName      string `json:"step_name,omitempty"`
	InputSummary  string `json:"input_summary,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`

	// api_request
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// Metadata carries step details and budget tags.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the mandatory field set.
func (e Entry) Validate() error {
	var missing []string
	if e.TraceID == "" {
		missing = append(missing, "trace_id")
	}
	if e.RequestID == "" {
		missing = append(missing, "request_id")
	}
	if e.WorkflowID == "" {
		missing = append(missing, "workflow_id")
	}
	if !e.Operation.Valid() {
		missing = append(missing, "operation")
	}
	if e.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if e.LatencyMS < 0 {
		missing = append(missing, "latency_ms")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid %v", ErrMalformedEntry, missing)
	}
	return nil
}

// MarshalJSON emits the mandatory fields plus only the fields that belong
// to the entry's operation. For llm_call, retries and token counts are
// always present even when zero.
func (e Entry) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"trace_id":    e.TraceID,
		"request_id":  e.RequestID,
		"workflow_id": e.WorkflowID,
		"operation":   e.Operation,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"success":     e.Success,
		"latency_ms":  e.LatencyMS,
	}
	if e.TenantID != "" {
		m["tenant_id"] = e.TenantID
	}

	switch e.Operation {
	case OpLLMCall:
		m["model"] = e.Model
		m["tokens_estimate"] = e.TokensEstimate
		m["retries"] = e.Retries
		m["prompt_length"] = e.PromptLength
		m["response_length"] = e.ResponseLength
		if e.ErrorType != "" {
			m["error_type"] = e.ErrorType
		}
		if e.Prompt != "" {
			m["prompt"] = e.Prompt
		}
		if e.Response != "" {
			m["response"] = e.Response
		}
	case OpRetrieval:
		m["query_length"] = e.QueryLength
		m["n_results"] = e.NResults
		m["strategy"] = e.Strategy
		m["cache_hit"] = e.CacheHit
	case OpWorkflowStep:
		m["step_name"] = e.StepName
		m["input_summary"] = e.InputSummary
		m["output_summary"] = e.OutputSummary
	case OpAPIRequest:
		m["method"] = e.Method
		m["path"] = e.Path
		m["status_code"] = e.StatusCode
	}
	if len(e.Metadata) > 0 {
		m["metadata"] = e.Metadata
	}
	return json.Marshal(m)
}

// clone returns a copy that shares no mutable state with e.
func (e Entry) clone() Entry {
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	return e
}
