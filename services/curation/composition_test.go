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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

func verifiedFive() []Requirement {
	return append(verifiedSet(SourceStatute, 3), verifiedSet(SourcePolicy, 2)...)
}

func TestComposition_InsufficientNeverCallsModel(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := happyModel()
	agent := NewCompositionAgent(newGateway(t, m))

	for _, in := range []CompositionInput{
		{Question: "q", HasSufficientEvidence: false, Verified: verifiedFive()},
		{Question: "q", HasSufficientEvidence: true},
	} {
		res, err := agent.Execute(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, NoEvidenceAnswer, res.FinalAnswer)
		assert.Equal(t, ConfidenceInsufficient, res.Confidence)
		assert.Empty(t, res.RequirementReferences)
	}
	assert.Equal(t, 0, m.count("composition"))
}

func TestComposition_CitesVerifiedRequirements(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := &scriptedModel{composition: func(int, string) (string, error) {
		return citingReply("REQ-S001", "REQ-P001"), nil
	}}
	agent := NewCompositionAgent(newGateway(t, m))

	res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verifiedFive(), HasSufficientEvidence: true})
	require.NoError(t, err)

	assert.False(t, res.UsedFallback)
	assert.Equal(t, "The sources impose this duty [REQ-S001]. The sources impose this duty [REQ-P001].", res.FinalAnswer)
	assert.Equal(t, []string{"REQ-S001", "REQ-P001"}, res.RequirementReferences)
	assert.Equal(t, []string{"REQ-S002", "REQ-S003", "REQ-P002"}, res.UnusedRequirements)
	assert.True(t, res.Validation.AllRequirementsValid)
	assert.Equal(t, 2, res.Validation.CitationCount)
	assert.Empty(t, res.Validation.Critical)
	assert.Equal(t, ConfidenceMedium, res.Confidence, "5 verified but only 2 used")

	assert.Contains(t, res.StatuteSummary, "[REQ-S001]")
	assert.Contains(t, res.StatuteSummary, "Source: DOC 1")
	assert.NotContains(t, res.StatuteSummary, "REQ-P")
	assert.Contains(t, res.PolicySummary, "[REQ-P002]")
}

func TestComposition_ConfidenceBranches(t *testing.T) {
	for _, tt := range []struct {
		cited []string
		want  Confidence
	}{
		{[]string{"REQ-S001", "REQ-P001"}, ConfidenceMedium},
		{[]string{"REQ-S001", "REQ-S002", "REQ-P001"}, ConfidenceHigh},
		{[]string{"REQ-S001", "REQ-S002", "REQ-S003", "REQ-P001", "REQ-P002"}, ConfidenceHigh},
	} {
		t.Run(fmt.Sprintf("used %d", len(tt.cited)), func(t *testing.T) {
			ctx, _, _ := auditCtx(t)
			m := &scriptedModel{composition: func(int, string) (string, error) { return citingReply(tt.cited...), nil }}
			agent := NewCompositionAgent(newGateway(t, m))

			res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verifiedFive(), HasSufficientEvidence: true})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Confidence)
		})
	}
}

func TestCompositionConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, compositionConfidence(5, 3))
	assert.Equal(t, ConfidenceMedium, compositionConfidence(5, 2))
	assert.Equal(t, ConfidenceMedium, compositionConfidence(4, 4))
	assert.Equal(t, ConfidenceMedium, compositionConfidence(2, 0))
	assert.Equal(t, ConfidenceLow, compositionConfidence(1, 1))
	assert.Equal(t, ConfidenceInsufficient, compositionConfidence(0, 0))
}

func TestComposition_InvalidReferenceUsesTemplate(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := &scriptedModel{composition: func(int, string) (string, error) {
		return citingReply("REQ-S001", "REQ-S009"), nil
	}}
	agent := NewCompositionAgent(newGateway(t, m))
	verified := verifiedFive()

	res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verified, HasSufficientEvidence: true})
	require.NoError(t, err)

	assert.True(t, res.UsedFallback)
	assert.Contains(t, res.Error, "REQ-S009")
	assert.NotContains(t, res.FinalAnswer, "REQ-S009")
	assert.True(t, res.Validation.AllRequirementsValid)
	assert.Empty(t, res.Validation.InvalidReferences)
	assert.Equal(t, requirementIDs(verified), res.RequirementReferences)
	assert.Empty(t, res.UnusedRequirements)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestComposition_ParseFailureUsesTemplate(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := &scriptedModel{composition: func(int, string) (string, error) {
		return "Counties shall do many things.", nil
	}}
	agent := NewCompositionAgent(newGateway(t, m))
	verified := verifiedSet(SourceStatute, 2)

	res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verified, HasSufficientEvidence: true})
	require.NoError(t, err)

	assert.True(t, res.UsedFallback)
	for _, r := range verified {
		assert.Contains(t, res.FinalAnswer, "["+r.RequirementID+"]")
		assert.Contains(t, res.FinalAnswer, r.ExactQuote)
	}
	assert.Contains(t, res.FinalAnswer, "Statutory requirements:")
	assert.NotContains(t, res.FinalAnswer, "Policy requirements:")
	assert.Equal(t, noPolicySummary, res.PolicySummary)
}

func TestComposition_NonTerminalErrorUsesTemplate(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := &scriptedModel{composition: func(int, string) (string, error) { return "", errors.New("model refused") }}
	agent := NewCompositionAgent(newGateway(t, m))

	res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verifiedSet(SourcePolicy, 1), HasSufficientEvidence: true})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Contains(t, res.Error, "model refused")
	assert.Equal(t, ConfidenceLow, res.Confidence)
}

func TestComposition_TerminalErrorPropagates(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	stub := llm.NewStubClient("stub", llm.StubReply{Err: &llm.ProviderError{StatusCode: 401, Message: "unauthorized"}})
	agent := NewCompositionAgent(newGatewayFor(t, stub))

	_, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verifiedFive(), HasSufficientEvidence: true})
	assert.ErrorIs(t, err, gateway.ErrAuth)
}

func TestComposition_ZeroCitationsIsCritical(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	m := &scriptedModel{composition: func(int, string) (string, error) {
		return `{"final_answer": "Counties have crisis duties."}`, nil
	}}
	agent := NewCompositionAgent(newGateway(t, m))

	res, err := agent.Execute(ctx, CompositionInput{Question: "q", Verified: verifiedFive(), HasSufficientEvidence: true})
	require.NoError(t, err)

	assert.False(t, res.UsedFallback, "flagged, not blocked")
	assert.Equal(t, "Counties have crisis duties.", res.FinalAnswer)
	assert.Equal(t, []string{CriticalNoCitations}, res.Validation.Critical)
	assert.True(t, res.Validation.AllRequirementsValid)
	assert.Len(t, res.UnusedRequirements, 5)
	assert.Equal(t, ConfidenceMedium, res.Confidence)
}

func TestComposition_RevisionGuidanceInPrompt(t *testing.T) {
	ctx, _, _ := auditCtx(t)
	var prompt string
	m := &scriptedModel{composition: func(_ int, user string) (string, error) {
		prompt = user
		return citingReply("REQ-S001"), nil
	}}
	agent := NewCompositionAgent(newGateway(t, m))

	_, err := agent.Execute(ctx, CompositionInput{
		Question:              "q",
		Verified:              verifiedSet(SourceStatute, 1),
		HasSufficientEvidence: true,
		Revision: &RevisionGuidance{
			PreviousAnswer: "old answer",
			Issues:         []string{"too vague"},
			Suggestions:    []string{"name the deadline"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "old answer")
	assert.Contains(t, prompt, "Issue: too vague")
	assert.Contains(t, prompt, "Suggestion: name the deadline")
}

func TestCitedIDs(t *testing.T) {
	answer := "Counties shall act [REQ-S001, REQ-P002]. Also [REQ-S001]. See REQ-S003 and [note]. Bad [REQ-X001]."
	assert.Equal(t, []string{"REQ-S001", "REQ-P002"}, citedIDs(answer))

	v := validateCitations(answer, map[string]bool{"REQ-S001": true})
	assert.Equal(t, []string{"REQ-S001"}, v.CitedReferences)
	assert.Equal(t, []string{"REQ-P002"}, v.InvalidReferences)
	assert.False(t, v.AllRequirementsValid)
	assert.Equal(t, 3, v.CitationCount)
}

func TestValidateCitations_RejectsLookalikeIDs(t *testing.T) {
	known := map[string]bool{"REQ-S001": true, "REQ-P001": true}

	tests := []struct {
		name    string
		answer  string
		invalid []string
	}{
		{"extra digit", "Counties shall act [REQ-S0010].", []string{"REQ-S0010"}},
		{"letter suffix", "Counties shall act [REQ-S001a].", []string{}},
		{"prefixed", "Counties shall act [XREQ-P001].", []string{}},
		{"exact ids", "Counties shall act [REQ-S001] [REQ-P001].", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validateCitations(tt.answer, known)
			assert.Equal(t, tt.invalid, v.InvalidReferences)
			assert.NotContains(t, v.CitedReferences, "REQ-S001a")
		})
	}

	v := validateCitations("Counties shall act [REQ-S0010].", known)
	assert.False(t, v.AllRequirementsValid)
	assert.Empty(t, v.CitedReferences, "REQ-S0010 is not a citation of REQ-S001")
}

func TestTemplateAnswerCitesEverything(t *testing.T) {
	statute, policy := verifiedSet(SourceStatute, 2), verifiedSet(SourcePolicy, 1)
	answer := templateAnswer(statute, policy)
	assert.Equal(t, []string{"REQ-S001", "REQ-S002", "REQ-P001"}, citedIDs(answer))
	assert.True(t, strings.Index(answer, "Statutory") < strings.Index(answer, "Policy"))
}
