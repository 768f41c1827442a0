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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

var crisisRequest = Request{
	Question: "What must counties do to provide crisis services?",
	Topic:    "Crisis Services",
	Priority: "high",
}

func TestExecute_NoRetrievedChunksShortCircuits(t *testing.T) {
	ctx, ac, sink := auditCtx(t)
	m := happyModel()
	o := New(newGateway(t, m), retrieverWith(nil, nil))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Curation)
	s := resp.Curation

	assert.Empty(t, s.ExtractedRequirements)
	assert.False(t, s.HasSufficientEvidence)
	assert.NotEmpty(t, s.MissingEvidence)
	assert.Equal(t, NoEvidenceAnswer, s.FinalAnswer)
	assert.Equal(t, ConfidenceInsufficient, s.CompositionConfidence)
	assert.False(t, s.CompositionInvoked)
	assert.Equal(t, StageDone, s.CurrentStage)

	assert.Equal(t, 0, m.count("composition"))
	assert.Equal(t, 0, m.count("review"))
	assert.Empty(t, sink.ByOperation(audit.OpLLMCall))
	assert.Equal(t, []string{"retrieval", "extraction", "verification", "finalize"}, stepNames(sink))

	assert.True(t, strings.HasPrefix(resp.FinalResponse, BannerNoEvidence))
	assert.Contains(t, resp.FinalResponse, NoEvidenceAnswer)
	assert.Contains(t, resp.FinalResponse, MissingStatute)
	assert.Equal(t, ac.TraceID(), resp.TraceID)

	trail := s.EvidenceAuditTrail
	require.NotNil(t, trail)
	assert.Equal(t, StatusNoAuthoritativeEvidence, trail.Verification.Status)
	assert.False(t, trail.Composition.Invoked)
	assert.False(t, trail.Overall.HasSufficientEvidence)
}

func TestExecute_HappyPath(t *testing.T) {
	ctx, _, sink := auditCtx(t)
	m := happyModel()
	metrics := &recordingMetrics{}
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks), WithMetrics(metrics))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, PipelineEvidenceFirst, resp.Pipeline)
	s := resp.Curation

	assert.Len(t, s.ExtractedRequirements, 5)
	assert.Len(t, s.VerifiedRequirements, 5)
	assert.True(t, s.HasSufficientEvidence)
	assert.Equal(t, len(s.VerifiedRequirements) > 0, s.HasSufficientEvidence)
	assert.Equal(t, ConfidenceHigh, s.CompositionConfidence)
	assert.Equal(t, 8.5, s.QualityScore)
	assert.True(t, s.PassesReview)
	assert.Equal(t, 0, s.RevisionCount)

	for _, id := range citedIDs(s.FinalAnswer) {
		assert.Contains(t, requirementIDs(s.VerifiedRequirements), id)
	}

	assert.Equal(t,
		[]string{"retrieval", "extraction", "verification", "composition", "quality_review", "finalize"},
		stepNames(sink))
	assert.Len(t, sink.ByOperation(audit.OpLLMCall), 2+5+1+1)

	assert.True(t, strings.HasPrefix(resp.FinalResponse, BannerGood+" (8.5/10)"))
	assert.Contains(t, resp.FinalResponse, "Priority: high")
	assert.Contains(t, resp.FinalResponse, "Composition confidence: high")
	assert.Contains(t, resp.FinalResponse, "Extraction confidence: high 5")
	assert.Contains(t, resp.FinalResponse, "Statutes: WIC 5600.1, WIC 5600.2, WIC 5600.3")
	assert.Contains(t, resp.FinalResponse, "Revisions: 0")

	trail := s.EvidenceAuditTrail
	require.NotNil(t, trail)
	assert.Equal(t, 3, trail.Retrieval.StatuteChunks)
	assert.Equal(t, 2, trail.Retrieval.PolicyChunks)
	assert.Equal(t, 3, trail.Extraction.StatuteExtracted)
	assert.Equal(t, 5, trail.Verification.TotalVerified)
	assert.Equal(t, 1.0, trail.Verification.PassRate)
	assert.Equal(t, 5, trail.Composition.RequirementsCited)
	assert.True(t, trail.Composition.AllRequirementsValid)
	assert.True(t, trail.Overall.PassesReview)

	assert.Equal(t, []string{
		"retrieval:true", "extraction:true", "verification:true",
		"composition:true", "quality_review:true", "finalize:true",
	}, metrics.stages)
	assert.Equal(t, []string{"evidence_first:high:true:0"}, metrics.outcomes)
	assert.Equal(t, []float64{1.0}, metrics.passRates)

	_, err := json.Marshal(resp)
	assert.NoError(t, err)
}

func TestExecute_RevisionCapFinalizes(t *testing.T) {
	ctx, _, sink := auditCtx(t)
	m := happyModel()
	m.review = func(int) (string, error) { return reviewReply(5, "too vague"), nil }
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	s := resp.Curation

	assert.Equal(t, MaxRevisions, s.RevisionCount)
	assert.False(t, s.PassesReview)
	assert.Equal(t, MaxRevisions+1, m.count("composition"))
	assert.Equal(t, MaxRevisions+1, m.count("review"))
	assert.Equal(t, 5, m.count("verification"), "revision never repeats verification")

	assert.True(t, strings.HasPrefix(resp.FinalResponse, BannerReviewRecommended))
	assert.Contains(t, resp.FinalResponse, "Quality issues:\n- too vague")
	assert.Contains(t, resp.FinalResponse, "Revisions: 2")

	assert.Equal(t, []string{
		"retrieval", "extraction", "verification",
		"composition", "quality_review",
		"composition", "quality_review",
		"composition", "quality_review",
		"finalize",
	}, stepNames(sink))
}

func TestExecute_RevisionThenPass(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := happyModel()
	var prompts []string
	m.composition = func(_ int, user string) (string, error) {
		prompts = append(prompts, user)
		return citingReply("REQ-S001", "REQ-S002", "REQ-P001"), nil
	}
	m.review = func(n int) (string, error) {
		if n == 1 {
			return reviewReply(6, "missing deadline"), nil
		}
		return reviewReply(9.5), nil
	}
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)

	assert.Equal(t, 1, resp.Curation.RevisionCount)
	assert.True(t, resp.Curation.PassesReview)
	assert.False(t, resp.Curation.NeedsRevision)
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Issue:")
	assert.Contains(t, prompts[1], "Issue: missing deadline")
	assert.True(t, strings.HasPrefix(resp.FinalResponse, BannerExcellent))
}

func TestExecute_NothingVerifiedSkipsComposition(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := happyModel()
	m.verification = func(string) (string, error) { return rejectedReply, nil }
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	s := resp.Curation

	assert.Len(t, s.RejectedRequirements, 5)
	assert.Equal(t, NoEvidenceAnswer, s.FinalAnswer)
	assert.Contains(t, s.MissingEvidence, missingByReason[ReasonDoesNotAddressQuestion])
	assert.Equal(t, 0, m.count("composition"))
	assert.Equal(t, 0, m.count("review"))
}

func TestExecute_TerminalGatewayErrorBecomesEnvelope(t *testing.T) {
	ctx, _, sink := auditCtx(t)
	m := happyModel()
	m.verification = func(string) (string, error) {
		return "", &llm.ProviderError{Provider: "stub", StatusCode: 401, Message: "invalid api key"}
	}
	metrics := &recordingMetrics{}
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks), WithMetrics(metrics))

	resp := o.Execute(ctx, crisisRequest)
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Curation)
	assert.Contains(t, resp.Error, "verification")
	assert.Contains(t, resp.Error, "invalid api key")
	assert.Equal(t, ErrorResponsePrefix+resp.Error, resp.FinalResponse)

	steps := sink.ByOperation(audit.OpWorkflowStep)
	last := steps[len(steps)-1]
	assert.Equal(t, "verification", last.StepName)
	assert.False(t, last.Success)
	assert.Equal(t, []string{"evidence_first::false:0"}, metrics.outcomes)
}

func TestExecute_RetrievalFailureBecomesEnvelope(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	o := New(newGateway(t, happyModel()), &fakeRetriever{err: retrieval.ErrKnowledgeBaseUnavailable})

	resp := o.Execute(ctx, crisisRequest)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "knowledge base unavailable")
	assert.True(t, strings.HasPrefix(resp.FinalResponse, ErrorResponsePrefix))
}

func TestExecute_PanicBecomesEnvelope(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	o := New(newGateway(t, happyModel()), &fakeRetriever{panic: "index exploded"})

	var resp *Response
	require.NotPanics(t, func() { resp = o.Execute(ctx, crisisRequest) })
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "index exploded")
	assert.NotContains(t, resp.FinalResponse, "goroutine")
}

func TestExecute_EmptyQuestion(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	r := retrieverWith(nil, nil)
	o := New(newGateway(t, happyModel()), r)

	resp := o.Execute(ctx, Request{Question: "   "})
	assert.False(t, resp.Success)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestExecute_CreatesAuditContextWhenMissing(t *testing.T) {
	sink := audit.NewMemorySink(0)
	o := New(newGateway(t, happyModel()), retrieverWith(nil, nil),
		WithAuditOptions(audit.WithSink(sink), audit.WithTenant("county-7")))

	resp := o.Execute(context.Background(), crisisRequest)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.TraceID)

	trail, err := sink.ReadTrail(resp.TraceID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	for _, e := range trail {
		assert.Equal(t, WorkflowEvidenceCuration, e.WorkflowID)
		assert.Equal(t, "county-7", e.TenantID)
	}
}

func TestExecute_ConcurrentRunsAreIsolated(t *testing.T) {
	m := happyModel()
	g := newGateway(t, m)
	o := New(g, retrieverWith(statuteChunks, policyChunks))

	results := make(chan *Response, 4)
	for range 4 {
		go func() {
			sink := audit.NewMemorySink(0)
			ctx, _, end := audit.Begin(context.Background(), "parallel", audit.WithSink(sink))
			defer end()
			results <- o.Execute(ctx, crisisRequest)
		}()
	}
	traces := map[string]bool{}
	for range 4 {
		resp := <-results
		require.True(t, resp.Success, resp.Error)
		assert.Len(t, resp.Curation.VerifiedRequirements, 5)
		traces[resp.TraceID] = true
	}
	assert.Len(t, traces, 4)
}

// =============================================================================
// Legacy pipeline
// =============================================================================

func legacyModel() *scriptedModel {
	return &scriptedModel{
		analysis: func(user string) (string, error) {
			if strings.Contains(user, "WIC") {
				return "Statutes require crisis stabilization.", nil
			}
			return "Policy requires documentation.", nil
		},
		synthesis: func(int, string) (string, error) { return "Counties must stabilize and document.", nil },
		review:    func(int) (string, error) { return reviewReply(7.5), nil },
	}
}

func TestExecute_LegacyPipeline(t *testing.T) {
	ctx, _, sink := auditCtx(t)
	m := legacyModel()
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks), WithLegacyPipeline(true))
	assert.Equal(t, PipelineLegacy, o.Pipeline())

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, PipelineLegacy, resp.Pipeline)
	assert.Nil(t, resp.Curation)
	require.NotNil(t, resp.Legacy)

	s := resp.Legacy
	assert.Equal(t, "Statutes require crisis stabilization.", s.StatuteAnalysis)
	assert.Equal(t, "Policy requires documentation.", s.PolicyAnalysis)
	assert.Equal(t, "Counties must stabilize and document.", s.SynthesizedAnswer)
	assert.True(t, strings.HasPrefix(resp.FinalResponse, BannerGood))
	assert.Contains(t, resp.FinalResponse, "Sources: 3 statute, 2 policy")

	assert.Equal(t, []string{
		"retrieval", "statute_analysis", "policy_analysis", "synthesis", "quality_review", "finalize",
	}, stepNames(sink))
	assert.Equal(t, 0, m.count("extraction"))
}

func TestExecute_LegacyRevisionCap(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := legacyModel()
	m.review = func(int) (string, error) { return reviewReply(3), nil }
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks), WithLegacyPipeline(true))

	resp := o.Execute(ctx, crisisRequest)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, MaxRevisions, resp.Legacy.RevisionCount)
	assert.Equal(t, MaxRevisions+1, m.count("synthesis"))
	assert.Equal(t, 2, m.count("analysis"), "analyses run once")
}

func TestExecute_LegacyErrorBecomesEnvelope(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := legacyModel()
	m.synthesis = func(int, string) (string, error) { return "", errors.New("model refused") }
	o := New(newGateway(t, m), retrieverWith(statuteChunks, policyChunks), WithLegacyPipeline(true))

	resp := o.Execute(ctx, crisisRequest)
	assert.False(t, resp.Success)
	assert.Equal(t, PipelineLegacy, resp.Pipeline)
	assert.Contains(t, resp.Error, "synthesis")
}

// =============================================================================
// Routers and finalize
// =============================================================================

func TestNextAfterVerification(t *testing.T) {
	assert.Equal(t, StageComposition, NextAfterVerification(&CurationState{HasSufficientEvidence: true}))
	assert.Equal(t, StageFinalize, NextAfterVerification(&CurationState{}))
}

func TestShouldRevise(t *testing.T) {
	tests := []struct {
		passes    bool
		revisions int
		want      bool
	}{
		{false, 0, true},
		{false, 1, true},
		{false, 2, false},
		{false, 3, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRevise(tt.passes, tt.revisions), "%+v", tt)
	}
	assert.Equal(t, StageComposition, NextAfterReview(false, 0, StageComposition))
	assert.Equal(t, StageSynthesis, NextAfterReview(false, 1, StageSynthesis))
	assert.Equal(t, StageFinalize, NextAfterReview(false, MaxRevisions, StageComposition))
	assert.Equal(t, StageFinalize, NextAfterReview(true, 0, StageComposition))
}

func TestRevisionCountBoundedForAnyReviewSequence(t *testing.T) {
	// Walk the router the way the machine does for every failure pattern
	// of up to four reviews.
	for mask := 0; mask < 16; mask++ {
		revisions, steps := 0, 0
		stage := StageQualityReview
		for stage != StageFinalize {
			passes := mask&(1<<revisions) != 0
			stage = NextAfterReview(passes, revisions, StageComposition)
			if stage == StageComposition {
				revisions++
				stage = StageQualityReview
			}
			steps++
			require.Less(t, steps, 10)
		}
		assert.LessOrEqual(t, revisions, MaxRevisions)
	}
}

func TestQualityBanner(t *testing.T) {
	assert.Equal(t, BannerExcellent+" (9.0/10)", qualityBanner(9))
	assert.Equal(t, BannerGood+" (7.0/10)", qualityBanner(7))
	assert.Equal(t, BannerReviewRecommended+" (6.9/10)", qualityBanner(6.9))
	assert.Equal(t, BannerReviewRecommended+" (0.0/10)", qualityBanner(0))
}

func TestFinalizeEvidence_FooterDefaults(t *testing.T) {
	s := newCurationState(Request{Question: "q"})
	finalizeEvidence(s)
	assert.Contains(t, s.FinalResponse, "Priority: not specified")
	assert.Contains(t, s.FinalResponse, "Statutes: none")
	assert.NotContains(t, s.FinalResponse, "Extraction confidence:")
	assert.NotContains(t, s.FinalResponse, "Quality issues:")
}

func TestRetrievalRequestCarriesOverrides(t *testing.T) {
	r := Request{Question: "q", Topic: "t", SubSection: "s", Category: "c", TopK: 7, SimilarityThreshold: 0.7}
	got := r.retrievalRequest()
	assert.Equal(t, retrieval.Request{Question: "q", Topic: "t", SubSection: "s", Category: "c", TopK: 7, SimilarityThreshold: 0.7}, got)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, crisisRequest.Validate())

	err := Request{Question: "  \n"}.Validate()
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuestion)

	for name, r := range map[string]Request{
		"too long":       {Question: strings.Repeat("x", 4001)},
		"bad priority":   {Question: "q", Priority: "urgent"},
		"top_k too high": {Question: "q", TopK: 51},
		"threshold > 1":  {Question: "q", SimilarityThreshold: 1.5},
		"negative top_k": {Question: "q", TopK: -1},
	} {
		assert.Error(t, r.Validate(), name)
	}
}
