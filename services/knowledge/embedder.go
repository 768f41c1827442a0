// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embedder converts text into vectors.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbeddingResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Model   string      `json:"model"`
	Dim     int         `json:"dim"`
}

// HTTPEmbedder calls an embedding service exposing POST /embed and
// POST /batch_embed.
type HTTPEmbedder struct {
	embedURL      string
	batchEmbedURL string
	client        *http.Client
	batchClient   *http.Client
	maxLength     int
}

// NewHTTPEmbedder creates an embedder for the service at url. url may be
// the service root or its /embed endpoint.
func NewHTTPEmbedder(url string) *HTTPEmbedder {
	base := strings.TrimSuffix(strings.TrimSuffix(url, "/"), "/embed")
	return &HTTPEmbedder{
		embedURL:      base + "/embed",
		batchEmbedURL: base + "/batch_embed",
		client:        &http.Client{Timeout: 30 * time.Second},
		batchClient:   &http.Client{Timeout: 5 * time.Minute},
		maxLength:     8000,
	}
}

// Embed implements Embedder. Queries longer than the model limit are
// truncated.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > e.maxLength {
		text = text[:e.maxLength]
	}
	var resp embeddingResponse
	if err := e.post(ctx, e.client, e.embedURL, embeddingRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return resp.Vector, nil
}

// EmbedBatch implements Embedder.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp batchEmbeddingResponse
	if err := e.post(ctx, e.batchClient, e.batchEmbedURL, batchEmbeddingRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, client *http.Client, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: embedding service: %v", ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to parse embedding response: %w", err)
	}
	return nil
}

var _ Embedder = (*HTTPEmbedder)(nil)
