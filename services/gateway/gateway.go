// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the single choke-point for every LLM invocation.
//
// # Description
//
// Agents depend on the LLMClient interface and never construct a provider
// client. The Gateway adds, each behind its own flag and each disabled by
// default: a per-attempt timeout, retry with exponential backoff and
// jitter, and a shared circuit breaker. Every logical call, successful or
// not, writes exactly one llm_call audit entry before returning.
//
// # Thread Safety
//
// A Gateway is safe for concurrent use. The circuit breaker is the only
// cross-request mutable state and is mutex-protected.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

var tracer = otel.Tracer("curator.gateway")

// =============================================================================
// Public types
// =============================================================================

// BudgetTags attribute a call's cost to a tenant, workflow and operation.
// They never influence the prompt.
type BudgetTags struct {
	Tenant    string `json:"tenant,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func (b BudgetTags) metadata() map[string]any {
	m := map[string]any{}
	if b.Tenant != "" {
		m["budget_tenant"] = b.Tenant
	}
	if b.Workflow != "" {
		m["budget_workflow"] = b.Workflow
	}
	if b.Operation != "" {
		m["budget_operation"] = b.Operation
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// InvocationResult is returned by Invoke.
type InvocationResult struct {
	Content        string  `json:"content"`
	ModelUsed      string  `json:"model_used"`
	LatencyMS      float64 `json:"latency_ms"`
	TokensEstimate int     `json:"tokens_estimate"`
	TraceID        string  `json:"trace_id"`
	Success        bool    `json:"success"`
	// Retries is attempts made minus one.
	Retries int `json:"retries"`
}

// LLMClient is the interface every agent depends on.
type LLMClient interface {
	// Invoke returns a metadata-rich result or a *GatewayError.
	Invoke(ctx context.Context, in Input, opts ...InvokeOption) (*InvocationResult, error)

	// InvokeRaw returns the provider's native response under the same
	// audit, timeout, retry and breaker contract as Invoke.
	InvokeRaw(ctx context.Context, in Input, opts ...InvokeOption) (*llm.Response, error)
}

// Metrics receives per-call observations. Implemented by the
// observability package; nil disables metrics.
type Metrics interface {
	ObserveModelCall(model, outcome, operation string, latency time.Duration, retries int)
	SetCircuitState(state string)
}

// =============================================================================
// Per-call options
// =============================================================================

type invokeOptions struct {
	tags    BudgetTags
	timeout time.Duration
	params  *llm.GenerationParams
	audit   *audit.Context
}

// InvokeOption customizes a single call.
type InvokeOption func(*invokeOptions)

// WithBudgetTags attaches cost attribution tags.
func WithBudgetTags(tags BudgetTags) InvokeOption {
	return func(o *invokeOptions) { o.tags = tags }
}

// WithTimeout overrides DefaultTimeout for this call. It only takes effect
// when the timeout feature is enabled.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// WithParams sets generation parameters.
func WithParams(p llm.GenerationParams) InvokeOption {
	return func(o *invokeOptions) { o.params = &p }
}

// WithAuditContext logs to ac instead of the context found in ctx.
func WithAuditContext(ac *audit.Context) InvokeOption {
	return func(o *invokeOptions) { o.audit = ac }
}

// =============================================================================
// Gateway
// =============================================================================

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces time.Now for latency and breaker timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSleeper replaces the blocking backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sleep = s
		}
	}
}

// WithRandom replaces the jitter source; it must return values in [0,1).
func WithRandom(r func() float64) Option {
	return func(g *Gateway) { g.random = r }
}

// WithKillSwitch installs a dynamic master switch. When it reports true,
// the gateway skips timeout, retry and breaker and makes one raw attempt.
// The call is still audited.
func WithKillSwitch(active func() bool) Option {
	return func(g *Gateway) { g.killSwitch = active }
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway implements LLMClient over one provider client.
type Gateway struct {
	cfg        Config
	client     llm.ChatClient
	breaker    *CircuitBreaker
	now        func() time.Time
	sleep      Sleeper
	random     func() float64
	killSwitch func() bool
	metrics    Metrics

	// direct skips audit and reliability; set by NewClient when the
	// centralized gateway is disabled.
	direct bool
}

// New creates a Gateway.
//
// # Inputs
//
//   - cfg: Gateway configuration. Zero numeric fields take defaults.
//   - client: Provider client. Required.
//   - opts: Clock, sleeper, kill switch, metrics.
//
// # Outputs
//
//   - *Gateway: Ready gateway with a closed circuit.
//   - error: Non-nil when client is nil.
func New(cfg Config, client llm.ChatClient, opts ...Option) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("gateway requires a provider client")
	}
	g := &Gateway{
		cfg:    applyConfigDefaults(cfg),
		client: client,
		now:    time.Now,
		sleep:  contextSleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: g.cfg.CircuitBreakerThreshold,
		RecoveryTimeout:  g.cfg.CircuitBreakerRecovery,
		HalfOpenMax:      g.cfg.CircuitBreakerHalfOpenMax,
	}, g.now)
	if g.metrics != nil {
		m := g.metrics
		g.breaker.onChange = func(s CircuitState) { m.SetCircuitState(s.String()) }
		m.SetCircuitState(CircuitClosed.String())
	}

	slog.Info("Model gateway initialized",
		"model", g.modelLabel(),
		"timeout_enabled", g.cfg.TimeoutEnabled,
		"retry_enabled", g.cfg.RetryEnabled,
		"circuit_breaker_enabled", g.cfg.CircuitBreakerEnabled,
	)
	return g, nil
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

// BreakerStats returns the circuit breaker snapshot.
func (g *Gateway) BreakerStats() CircuitBreakerStats { return g.breaker.Stats() }

// KillSwitchActive reports whether the master switch is on.
func (g *Gateway) KillSwitchActive() bool {
	if g.cfg.KillSwitch {
		return true
	}
	return g.killSwitch != nil && g.killSwitch()
}

// Invoke implements LLMClient.
func (g *Gateway) Invoke(ctx context.Context, in Input, opts ...InvokeOption) (*InvocationResult, error) {
	res, _, err := g.invoke(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// InvokeRaw implements LLMClient.
func (g *Gateway) InvokeRaw(ctx context.Context, in Input, opts ...InvokeOption) (*llm.Response, error) {
	_, raw, err := g.invoke(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// callOutcome is the folded result of one logical call.
type callOutcome struct {
	resp     *llm.Response
	err      *GatewayError
	attempts int
}

func (g *Gateway) invoke(ctx context.Context, in Input, opts []InvokeOption) (*InvocationResult, *llm.Response, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	ac := o.audit
	if ac == nil {
		ac = audit.Current(ctx)
	}

	ctx, span := tracer.Start(ctx, "gateway.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", g.modelLabel()),
		attribute.String("budget.tenant", o.tags.Tenant),
		attribute.String("budget.workflow", o.tags.Workflow),
		attribute.String("budget.operation", o.tags.Operation),
		attribute.String("audit.trace_id", ac.TraceID()),
	)

	start := g.now()
	messages, inErr := in.Messages()
	params := g.params(o.params)

	var out callOutcome
	switch {
	case inErr != nil:
		out = callOutcome{err: classify(inErr)}
	case g.direct || g.KillSwitchActive():
		resp, gerr := g.attempt(ctx, messages, params, 0)
		out = callOutcome{resp: resp, err: gerr, attempts: 1}
	default:
		out = g.reliableCall(ctx, messages, params, o.timeout)
	}
	latency := g.now().Sub(start)

	prompt := promptText(messages)
	model := g.modelLabel()
	content := ""
	if out.resp != nil {
		content = out.resp.Content
		if out.resp.Model != "" {
			model = out.resp.Model
		}
	}
	retries := out.attempts - 1
	if retries < 0 {
		retries = 0
	}
	tokens := estimateTokens(prompt, out.resp)
	latencyMS := float64(latency.Microseconds()) / 1000.0

	errType := ""
	outcome := "success"
	if out.err != nil {
		errType = string(out.err.Kind)
		outcome = errType
	}

	if !g.direct {
		ac.LogLLMCall(audit.LLMCall{
			Model:          model,
			Prompt:         prompt,
			Response:       content,
			TokensEstimate: tokens,
			Retries:        retries,
			Success:        out.err == nil,
			LatencyMS:      latencyMS,
			ErrorType:      errType,
			Metadata:       o.tags.metadata(),
		})
	}
	if g.metrics != nil {
		g.metrics.ObserveModelCall(model, outcome, o.tags.Operation, latency, retries)
	}
	span.SetAttributes(attribute.Int("llm.retries", retries), attribute.Int("llm.tokens_estimate", tokens))

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		slog.Warn("Model invocation failed",
			"trace_id", ac.TraceID(),
			"error_type", errType,
			"retries", retries,
			"error", out.err,
		)
		return nil, nil, out.err
	}

	slog.Debug("Model invocation succeeded",
		"trace_id", ac.TraceID(),
		"model", model,
		"latency_ms", latencyMS,
		"prompt_length", len(prompt),
		"response_length", len(content),
	)
	return &InvocationResult{
		Content:        content,
		ModelUsed:      model,
		LatencyMS:      latencyMS,
		TokensEstimate: tokens,
		TraceID:        ac.TraceID(),
		Success:        true,
		Retries:        retries,
	}, out.resp, nil
}

// reliableCall applies breaker, retry and timeout according to config.
func (g *Gateway) reliableCall(ctx context.Context, messages []llm.Message, params llm.GenerationParams, timeoutOverride time.Duration) callOutcome {
	if g.cfg.CircuitBreakerEnabled {
		allowed, release := g.breaker.Allow()
		if !allowed {
			return callOutcome{err: NewCircuitOpenError()}
		}
		if release != nil {
			defer release()
		}
	}

	var timeout time.Duration
	if g.cfg.TimeoutEnabled {
		timeout = g.cfg.DefaultTimeout
		if timeoutOverride > 0 {
			timeout = timeoutOverride
		}
	}
	maxAttempts := 1
	if g.cfg.RetryEnabled {
		maxAttempts = g.cfg.MaxRetries
	}

	var resp *llm.Response
	result := g.retryLoop(ctx, maxAttempts, func(ctx context.Context, _ int) *GatewayError {
		r, gerr := g.attempt(ctx, messages, params, timeout)
		if gerr == nil {
			resp = r
		}
		return gerr
	})
	out := callOutcome{resp: resp, err: result.LastErr, attempts: result.Attempts}

	if g.cfg.CircuitBreakerEnabled {
		if out.err == nil {
			g.breaker.RecordSuccess()
		} else {
			g.breaker.RecordFailure()
		}
	}
	if out.err != nil && g.cfg.RetryEnabled && out.err.Retryable() {
		out.err = NewRetryExhaustedError(out.attempts, out.err)
	}
	return out
}

// attempt makes one provider call, bounded by timeout when positive.
func (g *Gateway) attempt(ctx context.Context, messages []llm.Message, params llm.GenerationParams, timeout time.Duration) (*llm.Response, *GatewayError) {
	if timeout <= 0 {
		return checkResponse(g.client.Chat(ctx, messages, params))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *llm.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.client.Chat(callCtx, messages, params)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && callCtx.Err() != nil {
			return nil, timeoutError(timeout)
		}
		return checkResponse(r.resp, r.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, classify(ctx.Err())
		}
		return nil, timeoutError(timeout)
	}
}

func timeoutError(timeout time.Duration) *GatewayError {
	return &GatewayError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("no response within %s", timeout),
		Err:     context.DeadlineExceeded,
	}
}

func checkResponse(resp *llm.Response, err error) (*llm.Response, *GatewayError) {
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil {
		return nil, &GatewayError{Kind: KindProvider, Message: "provider returned no response"}
	}
	return resp, nil
}

func (g *Gateway) params(p *llm.GenerationParams) llm.GenerationParams {
	var out llm.GenerationParams
	if p != nil {
		out = *p
	}
	if out.Temperature == nil && g.cfg.Temperature != nil {
		t := *g.cfg.Temperature
		out.Temperature = &t
	}
	return out
}

func (g *Gateway) modelLabel() string {
	if g.cfg.Model != "" {
		return g.cfg.Model
	}
	return g.client.Model()
}

// estimateTokens prefers provider usage and falls back to four characters
// per token.
func estimateTokens(prompt string, resp *llm.Response) int {
	if resp != nil && resp.InputTokens+resp.OutputTokens > 0 {
		return resp.InputTokens + resp.OutputTokens
	}
	n := len(prompt)
	if resp != nil {
		n += len(resp.Content)
	}
	return n / 4
}

var _ LLMClient = (*Gateway)(nil)
