// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the provider clients that sit behind the model gateway.
//
// Nothing outside services/gateway should construct these directly; agents
// depend on gateway.LLMClient instead.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Response is a provider's native chat completion, reduced to the fields
// every backend can report. Token counts are zero when the provider does
// not return usage.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ChatClient defines the standard interface for any LLM backend.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (*Response, error)
	Model() string
}

// ProviderError is a non-2xx answer from a provider API. The gateway uses
// StatusCode to classify retryability.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// readAPIKey returns envKey's value or, failing that, the contents of the
// container secret file.
func readAPIKey(envKey, secretPath string) string {
	if key := strings.TrimSpace(os.Getenv(envKey)); key != "" {
		return key
	}
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read API key from container secrets", "path", secretPath)
	return strings.TrimSpace(string(content))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// truncate shortens provider error bodies before they land in errors.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
