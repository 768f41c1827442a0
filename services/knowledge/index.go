// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge is the document index the retrieval agent searches.
//
// # Description
//
// The index holds chunks of two document classes, statutes and policy
// manuals, each tagged with metadata used for filtering. WeaviateIndex is
// the production implementation; StaticIndex is an in-memory index for
// tests and offline runs. Ingestor splits documents into chunks, embeds
// them and writes them to either.
package knowledge

import (
	"context"
	"errors"
	"slices"
)

// Source types stored under MetaSourceType.
const (
	SourceStatute = "statute"
	SourcePolicy  = "policy"
)

// SectionTOC tags table-of-contents chunks; retrieval excludes them.
const SectionTOC = "toc"

// Metadata keys written at ingest time. MetaDataClassification is set
// only when the ingestor has a Classifier.
const (
	MetaSourceType         = "source_type"
	MetaDocumentID         = "document_id"
	MetaSectionType        = "section_type"
	MetaSectionHeading     = "section_heading"
	MetaChunkIndex         = "chunk_index"
	MetaDataClassification = "data_classification"
)

// ErrIndexUnavailable reports that the index could not be reached.
var ErrIndexUnavailable = errors.New("document index unavailable")

// ErrFilterUnsupported reports that the index rejected a metadata filter.
// Callers fall back to an unfiltered search.
var ErrFilterUnsupported = errors.New("document index rejected filter")

// Chunk is one retrieved passage.
type Chunk struct {
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata"`
	SimilarityScore float64        `json:"similarity_score"`
}

// MetaString returns a string metadata value or "".
func (c Chunk) MetaString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	if v, ok := c.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SourceType returns the chunk's source_type metadata.
func (c Chunk) SourceType() string { return c.MetaString(MetaSourceType) }

// DocumentID returns the chunk's document_id metadata.
func (c Chunk) DocumentID() string { return c.MetaString(MetaDocumentID) }

// Filter narrows a search by metadata.
type Filter struct {
	SourceType          string
	ExcludeSectionTypes []string
}

// Matches reports whether c passes the filter. A nil filter matches all.
func (f *Filter) Matches(c Chunk) bool {
	if f == nil {
		return true
	}
	if f.SourceType != "" && c.SourceType() != f.SourceType {
		return false
	}
	if st := c.MetaString(MetaSectionType); st != "" && slices.Contains(f.ExcludeSectionTypes, st) {
		return false
	}
	return true
}

// SearchRequest is one similarity query.
type SearchRequest struct {
	Query  string
	TopK   int
	Filter *Filter
}

// DocumentIndex is searched by the retrieval agent.
//
// # Description
//
// Search returns at most TopK chunks ordered by descending similarity.
// SimilarityScore is in [0, 1]. An empty result is not an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DocumentIndex interface {
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// IndexedChunk is a chunk ready to be written, with its vector.
type IndexedChunk struct {
	ID       string
	Content  string
	Metadata map[string]any
	Vector   []float32
}

// Writer persists indexed chunks and returns how many were stored.
type Writer interface {
	Insert(ctx context.Context, chunks []IndexedChunk) (int, error)
}
