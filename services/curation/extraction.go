// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package curation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/jsonutil"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
)

// Quote length bounds, in words.
const (
	MinQuoteWords = 10
	MaxQuoteWords = 40
)

// obligationPattern matches the fixed obligation keyword set.
var obligationPattern = regexp.MustCompile(`(?i)\b(must|shall|required|prohibited|mandated|obligations?)\b`)

// Discard reasons for candidates that fail local validation.
const (
	discardEmptyQuote   = "empty_quote"
	discardWordCount    = "word_count"
	discardNoObligation = "no_obligation_language"
	discardNotVerbatim  = "not_verbatim"
	discardDuplicate    = "duplicate"
)

// ExtractionInput is the extraction stage input.
type ExtractionInput struct {
	Question      string
	StatuteChunks []knowledge.Chunk
	PolicyChunks  []knowledge.Chunk
}

// ExtractionMetadata summarizes an extraction run.
type ExtractionMetadata struct {
	StatuteChunksProcessed int            `json:"statute_chunks_processed"`
	PolicyChunksProcessed  int            `json:"policy_chunks_processed"`
	StatuteExtracted       int            `json:"statute_extracted"`
	PolicyExtracted        int            `json:"policy_extracted"`
	TotalExtracted         int            `json:"total_extracted"`
	CandidatesDiscarded    int            `json:"candidates_discarded"`
	DiscardReasons         map[string]int `json:"discard_reasons,omitempty"`
	Errors                 []string       `json:"errors,omitempty"`
}

// ExtractionResult holds the extracted requirements, statute first.
type ExtractionResult struct {
	Requirements []Requirement     `json:"extracted_requirements"`
	Metadata     ExtractionMetadata `json:"extraction_metadata"`
}

// ExtractionAgent pulls verbatim obligation quotes from retrieved chunks.
//
// # Description
//
// One model call per source type. The model returns a JSON array of
// candidates; each candidate is checked locally for length, obligation
// language and that the quote appears verbatim in the chunk it names.
// Candidates that fail are discarded and counted.
//
// # Thread Safety
//
// Safe for concurrent use.
type ExtractionAgent struct {
	llm gateway.LLMClient
}

// NewExtractionAgent creates an extraction agent.
func NewExtractionAgent(llm gateway.LLMClient) *ExtractionAgent {
	return &ExtractionAgent{llm: llm}
}

// Execute extracts requirements from both source types.
//
// It never fails. A gateway error or unparseable reply for a source type
// counts as zero extractions and is recorded in Metadata.Errors.
func (a *ExtractionAgent) Execute(ctx context.Context, in ExtractionInput) *ExtractionResult {
	meta := ExtractionMetadata{
		StatuteChunksProcessed: len(in.StatuteChunks),
		PolicyChunksProcessed:  len(in.PolicyChunks),
		DiscardReasons:         map[string]int{},
	}

	statute := a.extractSource(ctx, in.Question, SourceStatute, in.StatuteChunks, &meta)
	policy := a.extractSource(ctx, in.Question, SourcePolicy, in.PolicyChunks, &meta)

	meta.StatuteExtracted = len(statute)
	meta.PolicyExtracted = len(policy)
	meta.TotalExtracted = len(statute) + len(policy)

	reqs := make([]Requirement, 0, meta.TotalExtracted)
	reqs = append(reqs, statute...)
	reqs = append(reqs, policy...)
	return &ExtractionResult{Requirements: reqs, Metadata: meta}
}

type extractionCandidate struct {
	ChunkIndex     any    `json:"chunk_index"`
	DocumentID     string `json:"document_id"`
	SectionHeading string `json:"section_heading"`
	ExactQuote     string `json:"exact_quote"`
	Confidence     string `json:"extraction_confidence"`
}

func (a *ExtractionAgent) extractSource(ctx context.Context, question string, source SourceType, chunks []knowledge.Chunk, meta *ExtractionMetadata) []Requirement {
	if len(chunks) == 0 {
		return nil
	}

	resp, err := a.llm.InvokeRaw(ctx,
		gateway.Conversation(systemMessage(extractionSystemPrompt), userMessage(extractionPrompt(question, source, chunks))),
		budgetTags(ctx, "extraction_"+string(source)),
		deterministic(),
	)
	if err != nil {
		slog.Warn("Extraction call failed, treating as zero extracted",
			"source_type", source, "error", err)
		meta.Errors = append(meta.Errors, fmt.Sprintf("%s: %v", source, err))
		return nil
	}

	candidates, err := jsonutil.DecodeFirstArray[extractionCandidate](resp.Content)
	if err != nil {
		slog.Warn("Extraction reply had no usable JSON array, treating as zero extracted",
			"source_type", source, "error", err, "response_length", len(resp.Content))
		meta.Errors = append(meta.Errors, fmt.Sprintf("%s: parse: %v", source, err))
		return nil
	}

	seen := make(map[string]bool, len(candidates))
	var out []Requirement
	for _, c := range candidates {
		req, reason := buildRequirement(c, source, chunks)
		if reason == "" && seen[normalizeSpace(req.ExactQuote)] {
			reason = discardDuplicate
		}
		if reason != "" {
			meta.CandidatesDiscarded++
			meta.DiscardReasons[reason]++
			slog.Debug("Discarded extraction candidate", "source_type", source, "reason", reason)
			continue
		}
		seen[normalizeSpace(req.ExactQuote)] = true
		req.RequirementID = requirementID(source, len(out)+1)
		out = append(out, req)
	}
	return out
}

// buildRequirement validates a candidate against its chunks. A non-empty
// reason means the candidate is discarded.
func buildRequirement(c extractionCandidate, source SourceType, chunks []knowledge.Chunk) (Requirement, string) {
	quote := strings.TrimSpace(c.ExactQuote)
	if quote == "" {
		return Requirement{}, discardEmptyQuote
	}
	if n := len(strings.Fields(quote)); n < MinQuoteWords || n > MaxQuoteWords {
		return Requirement{}, discardWordCount
	}
	if !obligationPattern.MatchString(quote) {
		return Requirement{}, discardNoObligation
	}

	chunk, ok := locateQuote(quote, chunkIndex(c.ChunkIndex), chunks)
	if !ok {
		return Requirement{}, discardNotVerbatim
	}

	docID := chunk.DocumentID()
	if docID == "" {
		docID = strings.TrimSpace(c.DocumentID)
	}
	if docID == "" {
		docID = "unknown source"
	}
	heading := chunk.MetaString(knowledge.MetaSectionHeading)
	if heading == "" {
		heading = strings.TrimSpace(c.SectionHeading)
	}

	return Requirement{
		SourceType:           source,
		DocumentID:           docID,
		SectionHeading:       heading,
		ExactQuote:           quote,
		ExtractionConfidence: parseExtractionConfidence(c.Confidence),
	}, ""
}

// locateQuote finds the chunk that contains quote verbatim, up to
// whitespace. The chunk the model named (1-based) is tried first.
func locateQuote(quote string, index int, chunks []knowledge.Chunk) (knowledge.Chunk, bool) {
	needle := normalizeSpace(quote)
	if index >= 1 && index <= len(chunks) {
		if strings.Contains(normalizeSpace(chunks[index-1].Content), needle) {
			return chunks[index-1], true
		}
	}
	for _, ch := range chunks {
		if strings.Contains(normalizeSpace(ch.Content), needle) {
			return ch, true
		}
	}
	return knowledge.Chunk{}, false
}

// chunkIndex accepts the numeric or string forms models produce.
func chunkIndex(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// =============================================================================
// Prompts
// =============================================================================

const extractionSystemPrompt = `You extract regulatory requirements as exact quotations.

Rules:
1. Copy text VERBATIM from the chunk. Do not paraphrase, summarize, merge or fix wording.
2. Each quote must be 10 to 40 words.
3. Each quote must contain at least one of: must, shall, required, prohibited, mandated, obligation.
4. Skip chunks that contain no obligation language.
5. Only extract text relevant to the question.

Respond with a JSON array only:
[{"chunk_index": 1, "document_id": "...", "section_heading": "...", "exact_quote": "...", "extraction_confidence": "high|medium|low"}]
Return [] when nothing qualifies.`

func extractionPrompt(question string, source SourceType, chunks []knowledge.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	fmt.Fprintf(&b, "Source type: %s\n\n", source)
	for i, ch := range chunks {
		fmt.Fprintf(&b, "[Chunk %d] (document_id: %s", i+1, ch.DocumentID())
		if h := ch.MetaString(knowledge.MetaSectionHeading); h != "" {
			fmt.Fprintf(&b, ", section: %s", h)
		}
		b.WriteString(")\n")
		b.WriteString(ch.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Extract the requirements as a JSON array.")
	return b.String()
}
