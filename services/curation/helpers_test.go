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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

// =============================================================================
// Fixtures
// =============================================================================

func statuteChunk(doc, content string) knowledge.Chunk {
	return knowledge.Chunk{
		Content:         content,
		SimilarityScore: 0.9,
		Metadata: map[string]any{
			knowledge.MetaSourceType:     knowledge.SourceStatute,
			knowledge.MetaDocumentID:     doc,
			knowledge.MetaSectionHeading: "§ " + strings.TrimPrefix(doc, "WIC "),
		},
	}
}

func policyChunk(doc, content string) knowledge.Chunk {
	return knowledge.Chunk{
		Content:         content,
		SimilarityScore: 0.8,
		Metadata: map[string]any{
			knowledge.MetaSourceType: knowledge.SourcePolicy,
			knowledge.MetaDocumentID: doc,
		},
	}
}

var (
	statuteChunks = []knowledge.Chunk{
		statuteChunk("WIC 5600.1", "Each county shall provide crisis stabilization services to all eligible residents within its jurisdiction at all times."),
		statuteChunk("WIC 5600.2", "The county mental health plan must submit an annual crisis services report to the department by July first."),
		statuteChunk("WIC 5600.3", "Counties are required to maintain a mobile crisis team that responds to calls within sixty minutes in urban areas."),
	}
	policyChunks = []knowledge.Chunk{
		policyChunk("BHSA Policy 3.1", "Counties must document every crisis contact in the state reporting system within thirty days of the contact."),
		policyChunk("BHSA Policy 3.2", "Providers shall complete crisis intervention training before delivering mobile crisis services to any county resident."),
	}
)

type candidate struct {
	ChunkIndex int    `json:"chunk_index"`
	DocumentID string `json:"document_id"`
	ExactQuote string `json:"exact_quote"`
	Confidence string `json:"extraction_confidence"`
}

// candidates renders an extraction reply quoting each chunk in full.
func candidates(chunks []knowledge.Chunk) string {
	out := make([]candidate, len(chunks))
	for i, c := range chunks {
		out[i] = candidate{ChunkIndex: i + 1, DocumentID: c.DocumentID(), ExactQuote: c.Content, Confidence: "high"}
	}
	b, _ := json.Marshal(out)
	return "Here are the requirements:\n" + string(b)
}

const (
	verifiedReply = `{"addresses_question": true, "fully_supported": true, "self_contained": true, "verdict": "VERIFIED", "rationale": "States the duty directly."}`
	rejectedReply = `{"addresses_question": false, "fully_supported": true, "self_contained": true, "verdict": "REJECTED", "rejection_reason": "does_not_address_question", "rationale": "Different topic."}`
)

// citingReply renders a composition reply with one sentence per ID.
func citingReply(ids ...string) string {
	var sentences []string
	for _, id := range ids {
		sentences = append(sentences, fmt.Sprintf("The sources impose this duty [%s].", id))
	}
	b, _ := json.Marshal(map[string]any{"final_answer": strings.Join(sentences, " "), "requirement_references": ids})
	return string(b)
}

func reviewReply(score float64, issues ...string) string {
	if issues == nil {
		issues = []string{}
	}
	b, _ := json.Marshal(map[string]any{"quality_score": score, "issues": issues, "suggestions": []string{"cite more"}})
	return string(b)
}

// =============================================================================
// Scripted model
// =============================================================================

// scriptedModel answers each agent's prompt with its own function. The
// call number (1-based) per agent is passed along.
type scriptedModel struct {
	mu    sync.Mutex
	calls map[string]int

	extraction   func(user string) (string, error)
	verification func(user string) (string, error)
	composition  func(n int, user string) (string, error)
	review       func(n int) (string, error)
	analysis     func(user string) (string, error)
	synthesis    func(n int, user string) (string, error)
}

func (m *scriptedModel) handle(_ context.Context, msgs []llm.Message) (string, error) {
	system, user := msgs[0].Content, msgs[len(msgs)-1].Content
	kind := "unknown"
	switch system {
	case extractionSystemPrompt:
		kind = "extraction"
	case verificationSystemPrompt:
		kind = "verification"
	case compositionSystemPrompt:
		kind = "composition"
	case qualitySystemPrompt:
		kind = "review"
	case analysisSystemPrompt(SourceStatute), analysisSystemPrompt(SourcePolicy):
		kind = "analysis"
	case synthesisSystemPrompt:
		kind = "synthesis"
	}

	m.mu.Lock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[kind]++
	n := m.calls[kind]
	m.mu.Unlock()

	switch {
	case kind == "extraction" && m.extraction != nil:
		return m.extraction(user)
	case kind == "verification" && m.verification != nil:
		return m.verification(user)
	case kind == "composition" && m.composition != nil:
		return m.composition(n, user)
	case kind == "review" && m.review != nil:
		return m.review(n)
	case kind == "analysis" && m.analysis != nil:
		return m.analysis(user)
	case kind == "synthesis" && m.synthesis != nil:
		return m.synthesis(n, user)
	}
	return "", fmt.Errorf("unexpected %s call", kind)
}

func (m *scriptedModel) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// happyModel extracts every chunk, verifies everything, cites every ID and
// passes review.
func happyModel() *scriptedModel {
	return &scriptedModel{
		extraction: func(user string) (string, error) {
			if strings.Contains(user, "Source type: statute") {
				return candidates(statuteChunks), nil
			}
			return candidates(policyChunks), nil
		},
		verification: func(string) (string, error) { return verifiedReply, nil },
		composition: func(int, string) (string, error) {
			return citingReply("REQ-S001", "REQ-S002", "REQ-S003", "REQ-P001", "REQ-P002"), nil
		},
		review: func(int) (string, error) { return reviewReply(8.5), nil },
	}
}

func newGateway(t *testing.T, m *scriptedModel) *gateway.Gateway {
	t.Helper()
	return newGatewayFor(t, llm.NewStubHandlerClient("stub-model", m.handle))
}

func newGatewayFor(t *testing.T, client llm.ChatClient) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(gateway.DefaultConfig(), client)
	require.NoError(t, err)
	return g
}

func auditCtx(t *testing.T) (context.Context, *audit.Context, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink(0)
	ctx, ac, end := audit.Begin(context.Background(), "curation_test", audit.WithSink(sink))
	t.Cleanup(end)
	return ctx, ac, sink
}

// =============================================================================
// Fakes
// =============================================================================

type fakeRetriever struct {
	result *retrieval.Result
	err    error
	panic  string
	calls  atomic.Int32
}

func (f *fakeRetriever) Execute(_ context.Context, req retrieval.Request) (*retrieval.Result, error) {
	f.calls.Add(1)
	if f.panic != "" {
		panic(f.panic)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func retrieverWith(statute, policy []knowledge.Chunk) *fakeRetriever {
	return &fakeRetriever{result: &retrieval.Result{
		StatuteChunks: statute,
		PolicyChunks:  policy,
		Metadata: retrieval.Metadata{
			StatuteCount:    len(statute),
			PolicyCount:     len(policy),
			StatuteStrategy: retrieval.StrategyFiltered,
			PolicyStrategy:  retrieval.StrategyFiltered,
		},
	}}
}

type recordingMetrics struct {
	mu        sync.Mutex
	stages    []string
	outcomes  []string
	passRates []float64
}

func (r *recordingMetrics) ObserveStage(stage string, _ time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, fmt.Sprintf("%s:%t", stage, success))
}

func (r *recordingMetrics) ObserveCuration(pipeline, confidence string, success bool, revisions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, fmt.Sprintf("%s:%s:%t:%d", pipeline, confidence, success, revisions))
}

func (r *recordingMetrics) ObservePassRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passRates = append(r.passRates, rate)
}

func stepNames(sink *audit.MemorySink) []string {
	var names []string
	for _, e := range sink.ByOperation(audit.OpWorkflowStep) {
		names = append(names, e.StepName)
	}
	return names
}

// verifiedSet builds n verified requirements of one source type.
func verifiedSet(source SourceType, n int) []Requirement {
	out := make([]Requirement, n)
	for i := range out {
		out[i] = Requirement{
			RequirementID:        requirementID(source, i+1),
			SourceType:           source,
			DocumentID:           fmt.Sprintf("DOC %d", i+1),
			ExactQuote:           fmt.Sprintf("Counties shall perform duty number %d for every eligible resident in the county.", i+1),
			ExtractionConfidence: ConfidenceHigh,
			Verified:             true,
		}
	}
	return out
}
