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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("curator.knowledge")

// DefaultClassName is the Weaviate class holding compliance chunks.
const DefaultClassName = "ComplianceChunk"

// NewWeaviateClient connects to the Weaviate instance at rawURL.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// WeaviateIndex implements DocumentIndex and Writer over a Weaviate class.
//
// # Description
//
// Search embeds the query, runs a nearVector query with an optional where
// filter on source_type and section_type, and reports Weaviate's certainty
// as the similarity score (always in [0, 1]).
//
// # Thread Safety
//
// Safe for concurrent use. The Weaviate client handles connection pooling.
type WeaviateIndex struct {
	client    *weaviate.Client
	embedder  Embedder
	className string
}

// NewWeaviateIndex creates an index over className ("" uses
// DefaultClassName).
func NewWeaviateIndex(client *weaviate.Client, embedder Embedder, className string) *WeaviateIndex {
	if className == "" {
		className = DefaultClassName
	}
	return &WeaviateIndex{client: client, embedder: embedder, className: className}
}

// Schema returns the class definition for compliance chunks.
func Schema(className string) *models.Class {
	if className == "" {
		className = DefaultClassName
	}
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: "A chunk of a statute or policy manual.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			{
				Name:            MetaSourceType,
				DataType:        []string{"text"},
				Description:     "statute or policy.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            MetaDocumentID,
				DataType:        []string{"text"},
				Description:     "Citation of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            MetaSectionType,
				DataType:        []string{"text"},
				Description:     "content, toc, or another non-content marker.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        MetaSectionHeading,
				DataType:    []string{"text"},
				Description: "Section heading detected at ingest.",
			},
			{
				Name:            MetaChunkIndex,
				DataType:        []string{"int"},
				Description:     "Position of the chunk within its document.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            MetaDataClassification,
				DataType:        []string{"text"},
				Description:     "Data classification assigned at ingest, e.g. public or pii.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the class when it does not exist.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.className).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", w.className)
		return nil
	}
	slog.Info("Schema not found, creating it", "class", w.className)
	if err := w.client.Schema().ClassCreator().WithClass(Schema(w.className)).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", w.className, err)
	}
	return nil
}

// Search implements DocumentIndex.
func (w *WeaviateIndex) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("search.top_k", req.TopK), attribute.Bool("search.filtered", req.Filter != nil))

	vector, err := w.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fields := []graphql.Field{{Name: "content"}}
	for _, name := range []string{MetaSourceType, MetaDocumentID, MetaSectionType, MetaSectionHeading, MetaChunkIndex, MetaDataClassification} {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}})

	query := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(req.TopK)
	if where := buildWhere(req.Filter); where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		if req.Filter != nil {
			return nil, fmt.Errorf("%w: %s", ErrFilterUnsupported, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("weaviate search failed: %s", strings.Join(msgs, "; "))
	}

	chunks, err := parseSearchResponse(resp, w.className)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.results", len(chunks)))
	return chunks, nil
}

// Insert implements Writer with a single batch request.
func (w *WeaviateIndex) Insert(ctx context.Context, chunks []IndexedChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		props := map[string]interface{}{"content": c.Content}
		for k, v := range c.Metadata {
			props[k] = v
		}
		objects[i] = &models.Object{
			Class:      w.className,
			ID:         strfmt.UUID(c.ID),
			Vector:     c.Vector,
			Properties: props,
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "class", w.className, "error", e.Message)
			}
		}
	}
	if stored < len(chunks) {
		slog.Warn("Errors encountered during Weaviate batch import", "stored", stored, "submitted", len(chunks))
	}
	return stored, nil
}

// buildWhere converts a Filter into a Weaviate where clause.
func buildWhere(f *Filter) *filters.WhereBuilder {
	if f == nil {
		return nil
	}
	var operands []*filters.WhereBuilder
	if f.SourceType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{MetaSourceType}).
			WithOperator(filters.Equal).
			WithValueString(f.SourceType))
	}
	for _, st := range f.ExcludeSectionTypes {
		operands = append(operands, filters.Where().
			WithPath([]string{MetaSectionType}).
			WithOperator(filters.NotEqual).
			WithValueString(st))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

// chunkResult is one object in a Get response.
type chunkResult struct {
	Content        string `json:"content"`
	SourceType     string `json:"source_type"`
	DocumentID     string `json:"document_id"`
	SectionType    string `json:"section_type"`
	SectionHeading string `json:"section_heading"`
	ChunkIndex     *int   `json:"chunk_index"`
	Classification string `json:"data_classification"`
	Additional     struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// parseSearchResponse converts Weaviate's dynamic response into chunks.
func parseSearchResponse(resp *models.GraphQLResponse, className string) ([]Chunk, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]chunkResult `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search response: %w", err)
	}

	results := parsed.Get[className]
	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		meta := map[string]any{
			MetaSourceType: r.SourceType,
			MetaDocumentID: r.DocumentID,
		}
		if r.SectionType != "" {
			meta[MetaSectionType] = r.SectionType
		}
		if r.SectionHeading != "" {
			meta[MetaSectionHeading] = r.SectionHeading
		}
		if r.ChunkIndex != nil {
			meta[MetaChunkIndex] = *r.ChunkIndex
		}
		if r.Classification != "" {
			meta[MetaDataClassification] = r.Classification
		}
		score := 0.0
		if r.Additional.Certainty != nil {
			score = *r.Additional.Certainty
		}
		chunks = append(chunks, Chunk{Content: r.Content, Metadata: meta, SimilarityScore: score})
	}
	return chunks, nil
}

var (
	_ DocumentIndex = (*WeaviateIndex)(nil)
	_ Writer        = (*WeaviateIndex)(nil)
)
