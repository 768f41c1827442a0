// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTransient      ErrorKind = "transient"
	KindRetryExhausted ErrorKind = "retry_exhausted"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindUnavailable    ErrorKind = "unavailable"
	KindAuth           ErrorKind = "auth"
	KindProvider       ErrorKind = "provider"
	KindInvalidInput   ErrorKind = "invalid_input"
	KindCanceled       ErrorKind = "canceled"
)

// Sentinel errors for errors.Is. Every *GatewayError matches ErrGateway
// plus the sentinel of its kind.
var (
	ErrGateway          = errors.New("model gateway error")
	ErrModelTimeout     = errors.New("model call timed out")
	ErrRateLimited      = errors.New("model rate limited")
	ErrTransient        = errors.New("transient model failure")
	ErrRetryExhausted   = errors.New("model retries exhausted")
	ErrCircuitOpen      = errors.New("model circuit breaker is open")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrAuth             = errors.New("model authentication failed")
	ErrProvider         = errors.New("model provider error")
	ErrInvalidInput     = errors.New("invalid model input")
	ErrCanceled         = errors.New("model call canceled")
)

var sentinelByKind = map[ErrorKind]error{
	KindTimeout:        ErrModelTimeout,
	KindRateLimit:      ErrRateLimited,
	KindTransient:      ErrTransient,
	KindRetryExhausted: ErrRetryExhausted,
	KindCircuitOpen:    ErrCircuitOpen,
	KindUnavailable:    ErrModelUnavailable,
	KindAuth:           ErrAuth,
	KindProvider:       ErrProvider,
	KindInvalidInput:   ErrInvalidInput,
	KindCanceled:       ErrCanceled,
}

// GatewayError is the only error type Invoke returns. Raw provider errors
// are wrapped in Err and never returned bare.
type GatewayError struct {
	Kind    ErrorKind
	Message string

	// Attempts is set on retry exhaustion.
	Attempts int
	// LastError is the final underlying failure text on retry exhaustion.
	LastError string

	Err error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Kind == KindRetryExhausted:
		return fmt.Sprintf("model gateway %s after %d attempts: %s", e.Kind, e.Attempts, e.LastError)
	case e.Message != "":
		return fmt.Sprintf("model gateway %s: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("model gateway %s", e.Kind)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches ErrGateway and the sentinel for e.Kind.
func (e *GatewayError) Is(target error) bool {
	if target == ErrGateway {
		return true
	}
	s, ok := sentinelByKind[e.Kind]
	return ok && target == s
}

// Retryable reports whether another attempt may succeed.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindTransient:
		return true
	}
	return false
}

// Recoverable reports whether the condition clears on its own given time.
// Auth, unavailable and input problems need an operator.
func (e *GatewayError) Recoverable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindTransient, KindRetryExhausted, KindCircuitOpen:
		return true
	}
	return false
}

// IsTerminal reports whether err is a gateway failure that agents must
// propagate instead of degrading: auth, exhausted retries, open circuit,
// unavailable model, cancellation, or invalid input.
func IsTerminal(err error) bool {
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Kind {
	case KindAuth, KindRetryExhausted, KindCircuitOpen, KindUnavailable, KindCanceled, KindInvalidInput:
		return true
	}
	return false
}

// KindOf returns the kind of a gateway error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// NewCircuitOpenError reports a call rejected by the breaker.
func NewCircuitOpenError() *GatewayError {
	return &GatewayError{Kind: KindCircuitOpen, Message: "provider not called"}
}

// NewRetryExhaustedError reports the final failure after attempts tries.
func NewRetryExhaustedError(attempts int, last error) *GatewayError {
	lastText := ""
	if last != nil {
		lastText = last.Error()
	}
	return &GatewayError{Kind: KindRetryExhausted, Attempts: attempts, LastError: lastText, Err: last}
}

// =============================================================================
// Classification
// =============================================================================

var (
	authPatterns = []string{
		"unauthorized", "forbidden", "invalid api key", "invalid x-api-key",
		"authentication", "permission denied", "permission",
	}
	rateLimitPatterns = []string{
		"rate limit", "rate_limit", "too many requests", "quota exceeded", "overloaded",
	}
	timeoutPatterns = []string{
		"timeout", "timed out", "deadline exceeded",
	}
	transientPatterns = []string{
		"connection refused", "connection reset", "temporary failure",
		"service unavailable", "internal server error", "bad gateway",
		"network", "broken pipe", "unexpected eof", "temporarily",
	}
)

// classify maps any error from a provider call onto a GatewayError.
func classify(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &GatewayError{Kind: KindCanceled, Message: err.Error(), Err: err}
	}

	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return &GatewayError{Kind: kindForStatus(perr.StatusCode, perr.Message), Message: perr.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GatewayError{Kind: KindTimeout, Message: err.Error(), Err: err}
	}

	return &GatewayError{Kind: kindForText(err.Error()), Message: err.Error(), Err: err}
}

func kindForStatus(status int, message string) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusNotFound:
		return KindUnavailable
	case status >= 500:
		return KindTransient
	case status == 0:
		return kindForText(message)
	default:
		return KindProvider
	}
}

func kindForText(text string) ErrorKind {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, authPatterns):
		return KindAuth
	case containsAny(lower, rateLimitPatterns):
		return KindRateLimit
	case containsAny(lower, timeoutPatterns):
		return KindTimeout
	case containsAny(lower, transientPatterns):
		return KindTransient
	default:
		return KindProvider
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
