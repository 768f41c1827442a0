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
	"context"
	"sync"
)

// =============================================================================
// Process defaults
// =============================================================================

var (
	defaultMu       sync.RWMutex
	defaultSink     Sink = NullSink{}
	defaultPrivacy  Privacy
	defaultRedactor func(string) string
)

// SetDefaults installs the sink, privacy settings, and redactor used by
// contexts created without explicit overrides. Called once at startup.
func SetDefaults(sink Sink, privacy Privacy, redact func(string) string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if sink == nil {
		sink = NullSink{}
	}
	defaultSink = sink
	defaultPrivacy = privacy
	defaultRedactor = redact
}

// ResetDefaults restores the null sink and privacy-preserving settings.
// Tests call it in cleanup.
func ResetDefaults() {
	SetDefaults(NullSink{}, Privacy{}, nil)
}

// DefaultSink returns the process default sink.
func DefaultSink() Sink {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSink
}

func defaults() (Sink, Privacy, func(string) string) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSink, defaultPrivacy, defaultRedactor
}

// =============================================================================
// context.Context propagation
// =============================================================================

type ctxKey struct{}

// WithContext returns a child of ctx carrying ac. Downstream calls see ac
// instead of any context attached further up; the parent trail is not
// touched and nothing is restored when the child goes out of scope.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the audit context attached to ctx, if it is still
// open.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	ac, ok := ctx.Value(ctxKey{}).(*Context)
	if !ok || ac == nil || ac.Closed() {
		return nil, false
	}
	return ac, true
}

// Current returns the active audit context or synthesizes one with
// workflow_id "unknown" and a fresh trace_id. It never returns nil.
func Current(ctx context.Context) *Context {
	if ac, ok := FromContext(ctx); ok {
		return ac
	}
	return New(UnknownWorkflow)
}

// Begin creates a context for workflowID, attaches it to ctx, and returns
// an end function that closes it. Call end with defer so the context is
// cleared on every exit path, panics included.
//
// # Examples
//
//	ctx, ac, end := audit.Begin(ctx, "evidence_curation", audit.WithTenant(tenant))
//	defer end()
func Begin(ctx context.Context, workflowID string, opts ...Option) (context.Context, *Context, func()) {
	ac := New(workflowID, opts...)
	return WithContext(ctx, ac), ac, ac.Close
}
