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
	"errors"
	"log/slog"
	"sync"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

// ErrNoDefaultGateway is returned by Default before SetDefault is called.
var ErrNoDefaultGateway = errors.New("no default model gateway configured")

// The process-wide holder is a convenience for call sites that cannot take
// an injected client. Constructors remain the source of truth; tests use
// ResetDefault to isolate themselves.
var (
	defaultMu     sync.RWMutex
	defaultClient LLMClient
)

// SetDefault installs the process-wide client.
func SetDefault(c LLMClient) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultClient = c
}

// Default returns the process-wide client.
func Default() (LLMClient, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultClient == nil {
		return nil, ErrNoDefaultGateway
	}
	return defaultClient, nil
}

// ResetDefault clears the process-wide client.
func ResetDefault() {
	SetDefault(nil)
}

// NewClient builds the LLMClient call sites should use. When
// cfg.UseCentralizedGateway is false it returns a gateway in direct mode:
// one attempt, no timeout, no breaker, and no audit entry.
func NewClient(cfg Config, client llm.ChatClient, opts ...Option) (*Gateway, error) {
	g, err := New(cfg, client, opts...)
	if err != nil {
		return nil, err
	}
	if !cfg.UseCentralizedGateway {
		slog.Warn("Centralized model gateway disabled; calls bypass audit and reliability features")
		g.direct = true
	}
	return g, nil
}
