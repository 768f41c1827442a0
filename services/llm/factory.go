// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by LLM_BACKEND_TYPE.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendClaude    = "claude"
	BackendOllama    = "ollama"
	BackendStub      = "stub"
)

// NewClientFromBackend constructs the provider client named by backend.
//
// # Description
//
// This is the single place a concrete provider type is instantiated. The
// stub backend answers every call with an empty JSON array, which drives
// the curation pipeline down its no-evidence path; it exists for local
// smoke tests without credentials.
//
// # Inputs
//
//   - backend: One of openai, anthropic (alias claude), ollama, stub.
//
// # Outputs
//
//   - ChatClient: Ready client.
//   - error: Non-nil for unknown backends or missing credentials.
func NewClientFromBackend(backend string) (ChatClient, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendOpenAI:
		return NewOpenAIClient()
	case BackendAnthropic, BackendClaude:
		return NewAnthropicClient()
	case BackendOllama:
		return NewOllamaClient()
	case BackendStub:
		slog.Warn("Using stub LLM backend; answers are canned")
		return NewStubHandlerClient("stub", func(context.Context, []Message) (string, error) {
			return "[]", nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend type: %q", backend)
	}
}
