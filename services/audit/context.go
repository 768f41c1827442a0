// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// UnknownWorkflow is the workflow_id of a context synthesized for callers
// that did not attach one.
const UnknownWorkflow = "unknown"

// Privacy controls whether full prompt and response text is recorded.
// Both default to false: only lengths are logged.
type Privacy struct {
	LogPrompts   bool
	LogResponses bool
}

// Context is the request-scoped audit handle.
//
// # Description
//
// Identifiers are fixed at creation. Every Log* call builds one Entry,
// appends a copy to the in-memory trail, then writes it to the sink before
// returning. A sink error is logged through slog and swallowed.
//
// # Thread Safety
//
// Safe for concurrent use, although one curation run logs sequentially.
type Context struct {
	traceID    string
	requestID  string
	workflowID string
	tenantID   string

	sink    Sink
	privacy Privacy
	now     func() time.Time
	redact  func(string) string

	mu     sync.Mutex
	trail  []Entry
	closed atomic.Bool
}

// Option configures a Context.
type Option func(*Context)

// WithTenant sets tenant_id.
func WithTenant(tenantID string) Option {
	return func(c *Context) { c.tenantID = tenantID }
}

// WithParentTrace adopts an upstream trace id verbatim. Empty is ignored.
func WithParentTrace(traceID string) Option {
	return func(c *Context) {
		if traceID != "" {
			c.traceID = traceID
		}
	}
}

// WithRequestID sets request_id. Empty is ignored.
func WithRequestID(requestID string) Option {
	return func(c *Context) {
		if requestID != "" {
			c.requestID = requestID
		}
	}
}

// WithSink overrides the process default sink.
func WithSink(sink Sink) Option {
	return func(c *Context) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithPrivacy overrides the process default privacy settings.
func WithPrivacy(p Privacy) Option {
	return func(c *Context) { c.privacy = p }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRedactor filters workflow step summaries before they are recorded.
func WithRedactor(redact func(string) string) Option {
	return func(c *Context) { c.redact = redact }
}

// New creates a Context for workflowID.
//
// # Inputs
//
//   - workflowID: Logical workflow name, e.g. "evidence_curation".
//     Empty becomes UnknownWorkflow.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Context: Fresh context with a new trace_id and request_id unless
//     WithParentTrace / WithRequestID supplied them.
func New(workflowID string, opts ...Option) *Context {
	if workflowID == "" {
		workflowID = UnknownWorkflow
	}
	sink, privacy, redact := defaults()
	c := &Context{
		traceID:    uuid.NewString(),
		requestID:  uuid.NewString(),
		workflowID: workflowID,
		sink:       sink,
		privacy:    privacy,
		redact:     redact,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TraceID returns trace_id.
func (c *Context) TraceID() string { return c.traceID }

// RequestID returns request_id.
func (c *Context) RequestID() string { return c.requestID }

// WorkflowID returns workflow_id.
func (c *Context) WorkflowID() string { return c.workflowID }

// TenantID returns tenant_id.
func (c *Context) TenantID() string { return c.tenantID }

// Privacy returns the active privacy settings.
func (c *Context) Privacy() Privacy { return c.privacy }

// =============================================================================
// Typed logging
// =============================================================================

// LLMCall describes one logical model invocation.
type LLMCall struct {
	Model          string
	Prompt         string
	Response       string
	TokensEstimate int
	Retries        int
	Success        bool
	LatencyMS      float64
	ErrorType      string
	Metadata       map[string]any
}

// Retrieval describes one document-index query.
type Retrieval struct {
	QueryLength int
	NResults    int
	Strategy    string
	CacheHit    bool
	Success     bool
	LatencyMS   float64
	Metadata    map[string]any
}

// MaxSummaryRunes bounds workflow_step summaries. Longer summaries are
// cut after redaction.
const MaxSummaryRunes = 200

// WorkflowStep describes one pipeline stage. Summaries may be given in
// full; LogWorkflowStep redacts them and then shortens them.
type WorkflowStep struct {
	StepName      string
	InputSummary  string
	OutputSummary string
	Success       bool
	LatencyMS     float64
	Metadata      map[string]any
}

// APIRequest describes one inbound HTTP request.
type APIRequest struct {
	Method     string
	Path       string
	StatusCode int
	Success    bool
	LatencyMS  float64
}

// LogLLMCall records an llm_call entry. Prompt and response text are kept
// only when the matching Privacy flag is set; lengths are always kept.
func (c *Context) LogLLMCall(call LLMCall) Entry {
	e := c.base(OpLLMCall, call.Success, call.LatencyMS)
	e.Model = call.Model
	e.TokensEstimate = call.TokensEstimate
	e.Retries = call.Retries
	e.ErrorType = call.ErrorType
	e.PromptLength = len(call.Prompt)
	e.ResponseLength = len(call.Response)
	if c.privacy.LogPrompts {
		e.Prompt = call.Prompt
	}
	if c.privacy.LogResponses {
		e.Response = call.Response
	}
	e.Metadata = maps.Clone(call.Metadata)
	return c.record(e)
}

// LogRetrieval records a retrieval entry.
func (c *Context) LogRetrieval(r Retrieval) Entry {
	e := c.base(OpRetrieval, r.Success, r.LatencyMS)
	e.QueryLength = r.QueryLength
	e.NResults = r.NResults
	e.Strategy = r.Strategy
	e.CacheHit = r.CacheHit
	e.Metadata = maps.Clone(r.Metadata)
	return c.record(e)
}

// LogWorkflowStep records a workflow_step entry. Summaries pass through
// the configured redactor.
func (c *Context) LogWorkflowStep(step WorkflowStep) Entry {
	e := c.base(OpWorkflowStep, step.Success, step.LatencyMS)
	e.StepName = step.StepName
	e.InputSummary = summarize(c.applyRedaction(step.InputSummary))
	e.OutputSummary = summarize(c.applyRedaction(step.OutputSummary))
	e.Metadata = maps.Clone(step.Metadata)
	return c.record(e)
}

// LogAPIRequest records an api_request entry.
func (c *Context) LogAPIRequest(r APIRequest) Entry {
	e := c.base(OpAPIRequest, r.Success, r.LatencyMS)
	e.Method = r.Method
	e.Path = r.Path
	e.StatusCode = r.StatusCode
	return c.record(e)
}

// AuditTrail returns a copy of every entry logged through this context,
// in order. Mutating the result does not affect the context.
func (c *Context) AuditTrail() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.trail))
	for i, e := range c.trail {
		out[i] = e.clone()
	}
	return out
}

// Close marks the context finished. FromContext no longer returns it.
// The sink is shared and stays open.
func (c *Context) Close() {
	c.closed.Store(true)
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

func (c *Context) base(op Operation, success bool, latencyMS float64) Entry {
	if latencyMS < 0 {
		latencyMS = 0
	}
	return Entry{
		TraceID:    c.traceID,
		RequestID:  c.requestID,
		WorkflowID: c.workflowID,
		TenantID:   c.tenantID,
		Operation:  op,
		Timestamp:  c.now().UTC(),
		Success:    success,
		LatencyMS:  latencyMS,
	}
}

func (c *Context) record(e Entry) Entry {
	c.mu.Lock()
	c.trail = append(c.trail, e.clone())
	c.mu.Unlock()

	if err := c.sink.Write(e); err != nil {
		slog.Warn("Audit sink write failed",
			"trace_id", e.TraceID,
			"operation", e.Operation,
			"error", err,
		)
	}
	return e
}

// summarize cuts s to MaxSummaryRunes on a rune boundary.
func summarize(s string) string {
	if utf8.RuneCountInString(s) <= MaxSummaryRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxSummaryRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

func (c *Context) applyRedaction(s string) string {
	if c.redact == nil || s == "" {
		return s
	}
	return c.redact(s)
}
