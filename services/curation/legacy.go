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
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
)

// =============================================================================
// Legacy free-form agents
// =============================================================================

// AnalysisAgent writes a free-form analysis of one source type's chunks.
// The legacy pipeline uses one for statutes and one for policy.
type AnalysisAgent struct {
	llm    gateway.LLMClient
	source SourceType
}

// NewStatuteAnalysisAgent analyzes statute chunks.
func NewStatuteAnalysisAgent(llm gateway.LLMClient) *AnalysisAgent {
	return &AnalysisAgent{llm: llm, source: SourceStatute}
}

// NewPolicyAnalysisAgent analyzes policy chunks.
func NewPolicyAnalysisAgent(llm gateway.LLMClient) *AnalysisAgent {
	return &AnalysisAgent{llm: llm, source: SourcePolicy}
}

// Execute returns the analysis text. Any gateway error is returned.
func (a *AnalysisAgent) Execute(ctx context.Context, question string, chunks []knowledge.Chunk) (string, error) {
	if len(chunks) == 0 {
		return fmt.Sprintf("No %s passages were retrieved for this question.", a.source), nil
	}
	res, err := a.llm.Invoke(ctx,
		gateway.Conversation(systemMessage(analysisSystemPrompt(a.source)), userMessage(analysisPrompt(question, chunks))),
		budgetTags(ctx, string(a.source)+"_analysis"),
		writing(),
	)
	if err != nil {
		return "", fmt.Errorf("%s analysis: %w", a.source, err)
	}
	return strings.TrimSpace(res.Content), nil
}

// SynthesisInput is the legacy synthesis input.
type SynthesisInput struct {
	Question        string
	StatuteAnalysis string
	PolicyAnalysis  string
	Revision        *RevisionGuidance
}

// SynthesisAgent merges the two analyses into one answer.
type SynthesisAgent struct {
	llm gateway.LLMClient
}

// NewSynthesisAgent creates a synthesis agent.
func NewSynthesisAgent(llm gateway.LLMClient) *SynthesisAgent {
	return &SynthesisAgent{llm: llm}
}

// Execute returns the synthesized answer. Any gateway error is returned.
func (a *SynthesisAgent) Execute(ctx context.Context, in SynthesisInput) (string, error) {
	res, err := a.llm.Invoke(ctx,
		gateway.Conversation(systemMessage(synthesisSystemPrompt), userMessage(synthesisPrompt(in))),
		budgetTags(ctx, "synthesis"),
		writing(),
	)
	if err != nil {
		return "", fmt.Errorf("synthesis: %w", err)
	}
	return strings.TrimSpace(res.Content), nil
}

func analysisSystemPrompt(source SourceType) string {
	if source == SourceStatute {
		return "You are a legal analyst. Summarize what the statutes below require on the question, citing code sections."
	}
	return "You are a policy analyst. Summarize what the policy manual below requires on the question, citing sections."
}

func analysisPrompt(question string, chunks []knowledge.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for i, ch := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, ch.DocumentID(), ch.Content)
	}
	return b.String()
}

const synthesisSystemPrompt = "You combine a statute analysis and a policy analysis into one clear answer for a county compliance officer."

func synthesisPrompt(in SynthesisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nStatute analysis:\n%s\n\nPolicy analysis:\n%s\n", in.Question, in.StatuteAnalysis, in.PolicyAnalysis)
	if rev := in.Revision; rev != nil {
		b.WriteString("\nA reviewer rejected the previous answer. Rewrite it.\n")
		for _, issue := range rev.Issues {
			fmt.Fprintf(&b, "Issue: %s\n", issue)
		}
		for _, s := range rev.Suggestions {
			fmt.Fprintf(&b, "Suggestion: %s\n", s)
		}
	}
	return b.String()
}
