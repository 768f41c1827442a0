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
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/jsonutil"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
)

// NoEvidenceAnswer is the answer for runs without verified evidence.
const NoEvidenceAnswer = "No authoritative requirement found in provided sources."

// Summary text for a source type without verified requirements.
const (
	noStatuteSummary = "No verified statutory requirements."
	noPolicySummary  = "No verified policy requirements."
)

// Critical validation flags.
const CriticalNoCitations = "final answer contains no requirement citations"

// reqIDPattern captures longer digit runs whole so they fail the
// verified-ID check instead of matching a real ID's prefix.
var (
	bracketPattern = regexp.MustCompile(`\[[^\[\]]*\]`)
	reqIDPattern   = regexp.MustCompile(`\bREQ-[SP]\d{3,}\b`)
)

// RevisionGuidance carries quality-review feedback into a rewrite.
type RevisionGuidance struct {
	PreviousAnswer string
	Issues         []string
	Suggestions    []string
}

// CompositionInput is the composition stage input.
type CompositionInput struct {
	Question              string
	Verified              []Requirement
	HasSufficientEvidence bool
	Revision              *RevisionGuidance
}

// CompositionValidation reports the citation check on the final answer.
type CompositionValidation struct {
	AllRequirementsValid bool     `json:"all_requirements_valid"`
	InvalidReferences    []string `json:"invalid_references"`
	CitedReferences      []string `json:"cited_references"`
	CitationCount        int      `json:"citation_count"`
	Critical             []string `json:"critical,omitempty"`
}

// CompositionResult is the composed answer.
type CompositionResult struct {
	FinalAnswer           string                `json:"final_answer"`
	StatuteSummary        string                `json:"statute_summary"`
	PolicySummary         string                `json:"policy_summary"`
	RequirementReferences []string              `json:"requirement_references"`
	UnusedRequirements    []string              `json:"unused_requirements"`
	Confidence            Confidence            `json:"composition_confidence"`
	Validation            CompositionValidation `json:"composition_validation"`
	// UsedFallback is true when the answer came from the bullet template.
	UsedFallback bool   `json:"used_fallback"`
	Error        string `json:"error,omitempty"`
}

// CompositionAgent writes an answer from verified requirements only.
//
// # Description
//
// Per-source summaries are rendered from a template. The unified answer is
// written by the model and then checked: a draft citing an ID outside the
// verified set, or a reply that cannot be parsed, is replaced by the
// bullet template, which cites every verified requirement.
//
// # Thread Safety
//
// Safe for concurrent use.
type CompositionAgent struct {
	llm gateway.LLMClient
}

// NewCompositionAgent creates a composition agent.
func NewCompositionAgent(llm gateway.LLMClient) *CompositionAgent {
	return &CompositionAgent{llm: llm}
}

// Execute composes an answer.
//
// # Outputs
//
//   - *CompositionResult: Always non-nil when err is nil.
//   - error: Only terminal gateway errors.
func (a *CompositionAgent) Execute(ctx context.Context, in CompositionInput) (*CompositionResult, error) {
	if !in.HasSufficientEvidence || len(in.Verified) == 0 {
		return insufficientComposition(), nil
	}

	statute, policy := partition(in.Verified)
	res := &CompositionResult{
		StatuteSummary: sourceSummary(statute, noStatuteSummary),
		PolicySummary:  sourceSummary(policy, noPolicySummary),
	}

	known := make(map[string]bool, len(in.Verified))
	for _, r := range in.Verified {
		known[r.RequirementID] = true
	}

	answer, err := a.draft(ctx, in)
	switch {
	case err != nil && gateway.IsTerminal(err):
		return nil, fmt.Errorf("compose answer: %w", err)
	case err != nil:
		slog.Warn("Composition failed, using template answer", "error", err)
		res.Error = err.Error()
		answer = ""
	default:
		if invalid := invalidReferences(answer, known); len(invalid) > 0 {
			slog.Warn("Composed answer cited unverified requirements, using template answer",
				"invalid_references", invalid)
			res.Error = "draft cited unverified requirements: " + strings.Join(invalid, ", ")
			answer = ""
		}
	}
	if answer == "" {
		answer = templateAnswer(statute, policy)
		res.UsedFallback = true
	}

	res.FinalAnswer = answer
	res.Validation = validateCitations(answer, known)
	res.RequirementReferences = res.Validation.CitedReferences
	res.UnusedRequirements = unused(in.Verified, res.RequirementReferences)
	res.Confidence = compositionConfidence(len(in.Verified), len(res.RequirementReferences))
	return res, nil
}

type compositionReply struct {
	FinalAnswer           string   `json:"final_answer"`
	RequirementReferences []string `json:"requirement_references"`
	UnusedRequirements    []string `json:"unused_requirements"`
}

// draft asks the model for the unified answer. An empty answer with a nil
// error means the reply was unusable.
func (a *CompositionAgent) draft(ctx context.Context, in CompositionInput) (string, error) {
	resp, err := a.llm.InvokeRaw(ctx,
		gateway.Conversation(systemMessage(compositionSystemPrompt), userMessage(compositionPrompt(in))),
		budgetTags(ctx, "composition"),
		writing(),
	)
	if err != nil {
		return "", err
	}
	reply, err := jsonutil.DecodeFirstObject(resp.Content, func(r *compositionReply) bool {
		return strings.TrimSpace(r.FinalAnswer) != ""
	})
	if err != nil {
		slog.Warn("Composition reply had no usable JSON object", "error", err)
		return "", nil
	}
	return strings.TrimSpace(reply.FinalAnswer), nil
}

func insufficientComposition() *CompositionResult {
	return &CompositionResult{
		FinalAnswer:           NoEvidenceAnswer,
		StatuteSummary:        noStatuteSummary,
		PolicySummary:         noPolicySummary,
		RequirementReferences: []string{},
		UnusedRequirements:    []string{},
		Confidence:            ConfidenceInsufficient,
		Validation: CompositionValidation{
			AllRequirementsValid: true,
			InvalidReferences:    []string{},
			CitedReferences:      []string{},
		},
	}
}

// sourceSummary renders one bullet per requirement.
func sourceSummary(reqs []Requirement, empty string) string {
	if len(reqs) == 0 {
		return empty
	}
	var b strings.Builder
	for i, r := range reqs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- \"%s\" [%s]\n  Source: %s", r.ExactQuote, r.RequirementID, r.citation())
	}
	return b.String()
}

// templateAnswer lists every verified requirement with its citation.
func templateAnswer(statute, policy []Requirement) string {
	var b strings.Builder
	b.WriteString("Based on the verified requirements in the provided sources:\n")
	write := func(title string, reqs []Requirement) {
		if len(reqs) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s\n", title)
		for _, r := range reqs {
			fmt.Fprintf(&b, "- %s: \"%s\" [%s]\n", r.citation(), r.ExactQuote, r.RequirementID)
		}
	}
	write("Statutory requirements:", statute)
	write("Policy requirements:", policy)
	return strings.TrimRight(b.String(), "\n")
}

// citedIDs returns requirement IDs cited in brackets, in order of first
// appearance. "[REQ-S001, REQ-P002]" cites both.
func citedIDs(answer string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, group := range bracketPattern.FindAllString(answer, -1) {
		for _, id := range reqIDPattern.FindAllString(group, -1) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func invalidReferences(answer string, known map[string]bool) []string {
	var invalid []string
	for _, id := range citedIDs(answer) {
		if !known[id] {
			invalid = append(invalid, id)
		}
	}
	return invalid
}

// validateCitations checks every cited ID against the verified set.
func validateCitations(answer string, known map[string]bool) CompositionValidation {
	v := CompositionValidation{InvalidReferences: []string{}, CitedReferences: []string{}}
	for _, id := range citedIDs(answer) {
		if known[id] {
			v.CitedReferences = append(v.CitedReferences, id)
		} else {
			v.InvalidReferences = append(v.InvalidReferences, id)
		}
	}
	for _, group := range bracketPattern.FindAllString(answer, -1) {
		v.CitationCount += len(reqIDPattern.FindAllString(group, -1))
	}
	v.AllRequirementsValid = len(v.InvalidReferences) == 0
	if v.CitationCount == 0 {
		v.Critical = append(v.Critical, CriticalNoCitations)
	}
	return v
}

func unused(verified []Requirement, cited []string) []string {
	used := make(map[string]bool, len(cited))
	for _, id := range cited {
		used[id] = true
	}
	out := []string{}
	for _, r := range verified {
		if !used[r.RequirementID] {
			out = append(out, r.RequirementID)
		}
	}
	return out
}

// compositionConfidence grades an answer by how much verified evidence it
// rests on.
func compositionConfidence(verified, used int) Confidence {
	switch {
	case verified >= 5 && used >= 3:
		return ConfidenceHigh
	case verified >= 2:
		return ConfidenceMedium
	case verified == 1:
		return ConfidenceLow
	default:
		return ConfidenceInsufficient
	}
}

// =============================================================================
// Prompts
// =============================================================================

const compositionSystemPrompt = `You write compliance answers using ONLY verified requirements.

Hard rules:
1. Every sentence must cite at least one requirement ID in brackets, e.g. [REQ-S001].
2. Use no facts beyond the verified quotes.
3. Cite only the IDs listed below.
4. When requirements conflict, present them side by side with their IDs. Do not resolve the conflict.

Respond with a JSON object only:
{"final_answer": "...", "requirement_references": ["REQ-S001"], "unused_requirements": ["REQ-P002"]}`

func compositionPrompt(in CompositionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nVerified requirements:\n", in.Question)
	for _, r := range in.Verified {
		fmt.Fprintf(&b, "[%s] (%s, %s) \"%s\"\n", r.RequirementID, r.SourceType, r.citation(), r.ExactQuote)
	}
	if rev := in.Revision; rev != nil {
		b.WriteString("\nA reviewer rejected the previous answer. Rewrite it.\n")
		if rev.PreviousAnswer != "" {
			fmt.Fprintf(&b, "Previous answer:\n%s\n", rev.PreviousAnswer)
		}
		for _, issue := range rev.Issues {
			fmt.Fprintf(&b, "Issue: %s\n", issue)
		}
		for _, s := range rev.Suggestions {
			fmt.Fprintf(&b, "Suggestion: %s\n", s)
		}
	}
	return b.String()
}
