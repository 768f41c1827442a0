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
	"maps"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// StaticIndex is an in-memory DocumentIndex scored by token overlap.
//
// # Description
//
// Similarity is the fraction of distinct query tokens present in the
// chunk, so a chunk containing every query word scores 1.0. It implements
// Writer so the ingestion path can target it offline.
//
// # Thread Safety
//
// Safe for concurrent use.
type StaticIndex struct {
	mu        sync.RWMutex
	chunks    []Chunk
	filterErr error
	searchErr error
	searches  []SearchRequest
}

// NewStaticIndex creates an index holding chunks.
func NewStaticIndex(chunks ...Chunk) *StaticIndex {
	s := &StaticIndex{}
	s.Add(chunks...)
	return s
}

// Add appends chunks.
func (s *StaticIndex) Add(chunks ...Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		c.Metadata = maps.Clone(c.Metadata)
		s.chunks = append(s.chunks, c)
	}
}

// FailFilteredSearches makes every filtered search return err, simulating
// an index that does not support metadata filters.
func (s *StaticIndex) FailFilteredSearches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterErr = err
}

// FailAllSearches makes every search return err.
func (s *StaticIndex) FailAllSearches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

// Searches returns the requests received so far.
func (s *StaticIndex) Searches() []SearchRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SearchRequest(nil), s.searches...)
}

// Len returns the number of stored chunks.
func (s *StaticIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Search implements DocumentIndex.
func (s *StaticIndex) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.searches = append(s.searches, req)
	searchErr, filterErr := s.searchErr, s.filterErr
	s.mu.Unlock()

	if searchErr != nil {
		return nil, searchErr
	}
	if req.Filter != nil && filterErr != nil {
		return nil, filterErr
	}

	queryTokens := tokenize(req.Query)

	s.mu.RLock()
	scored := make([]Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !req.Filter.Matches(c) {
			continue
		}
		out := c
		out.Metadata = maps.Clone(c.Metadata)
		out.SimilarityScore = overlap(queryTokens, tokenize(c.Content))
		scored = append(scored, out)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].SimilarityScore > scored[j].SimilarityScore
	})
	if req.TopK > 0 && len(scored) > req.TopK {
		scored = scored[:req.TopK]
	}
	return scored, nil
}

// Insert implements Writer. Vectors are discarded.
func (s *StaticIndex) Insert(ctx context.Context, chunks []IndexedChunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, c := range chunks {
		s.Add(Chunk{Content: c.Content, Metadata: c.Metadata})
	}
	return len(chunks), nil
}

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var (
	_ DocumentIndex = (*StaticIndex)(nil)
	_ Writer        = (*StaticIndex)(nil)
)
