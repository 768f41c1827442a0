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
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/jsonutil"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
)

// Verification statuses.
const (
	StatusVerified                = "VERIFIED"
	StatusNoAuthoritativeEvidence = "NO_AUTHORITATIVE_EVIDENCE"
)

// Missing-evidence statements.
const (
	MissingStatute = "No statutory requirement that directly answers the question was found in the retrieved statutes."
	MissingPolicy  = "No policy manual requirement that directly answers the question was found in the retrieved policy text."
	MissingNothing = "The retrieved passages contained no obligation language (must, shall, required) to evaluate."
)

// missingByReason maps the dominant rejection reason to a statement.
var missingByReason = map[RejectionReason]string{
	ReasonDoesNotAddressQuestion: "Retrieved requirements discuss related topics but do not answer the specific question asked.",
	ReasonRequiresInference:      "Candidate requirements would only answer the question through inference beyond their exact wording.",
	ReasonIncompleteQuote:        "Candidate quotes were incomplete or depended on surrounding context to be understood.",
	ReasonVerificationError:      "Candidate requirements could not be verified because the verification step failed.",
}

// VerificationInput is the verification stage input.
type VerificationInput struct {
	Question     string
	Requirements []Requirement
}

// VerificationMetadata summarizes a verification run.
type VerificationMetadata struct {
	TotalAttempted   int                     `json:"total_attempted"`
	TotalVerified    int                     `json:"total_verified"`
	TotalRejected    int                     `json:"total_rejected"`
	PassRate         float64                 `json:"verification_pass_rate"`
	RejectionReasons map[RejectionReason]int `json:"rejection_reasons"`
	Status           string                  `json:"status"`
}

// VerificationResult partitions requirements into verified and rejected.
type VerificationResult struct {
	Verified              []Requirement        `json:"verified_requirements"`
	Rejected              []Requirement        `json:"rejected_requirements"`
	Metadata              VerificationMetadata `json:"verification_metadata"`
	HasSufficientEvidence bool                 `json:"has_sufficient_evidence"`
	MissingEvidence       []string             `json:"missing_evidence"`
}

// VerificationAgent judges each requirement independently.
//
// # Description
//
// A requirement is verified only when the judge says it addresses the
// question, is fully supported by its own quote, and is self-contained,
// and the overall verdict agrees. Anything short of that is rejected,
// including malformed judge output.
//
// # Thread Safety
//
// Safe for concurrent use.
type VerificationAgent struct {
	llm gateway.LLMClient
}

// NewVerificationAgent creates a verification agent.
func NewVerificationAgent(llm gateway.LLMClient) *VerificationAgent {
	return &VerificationAgent{llm: llm}
}

// Execute verifies every requirement with one model call each.
//
// # Outputs
//
//   - *VerificationResult: Always non-nil when err is nil.
//   - error: Only terminal gateway errors. Other failures reject the
//     requirement with verification_error.
func (a *VerificationAgent) Execute(ctx context.Context, in VerificationInput) (*VerificationResult, error) {
	res := &VerificationResult{
		Verified: []Requirement{},
		Rejected: []Requirement{},
		Metadata: VerificationMetadata{
			TotalAttempted:   len(in.Requirements),
			RejectionReasons: map[RejectionReason]int{},
		},
	}

	for _, req := range in.Requirements {
		judged, err := a.judge(ctx, in.Question, req)
		if err != nil {
			return nil, err
		}
		if judged.Verified {
			res.Verified = append(res.Verified, judged)
		} else {
			res.Rejected = append(res.Rejected, judged)
			res.Metadata.RejectionReasons[judged.RejectionReason]++
		}
	}

	res.Metadata.TotalVerified = len(res.Verified)
	res.Metadata.TotalRejected = len(res.Rejected)
	if res.Metadata.TotalAttempted > 0 {
		res.Metadata.PassRate = float64(res.Metadata.TotalVerified) / float64(res.Metadata.TotalAttempted)
	}

	res.HasSufficientEvidence = len(res.Verified) > 0
	if res.HasSufficientEvidence {
		res.Metadata.Status = StatusVerified
		res.MissingEvidence = []string{}
	} else {
		res.Metadata.Status = StatusNoAuthoritativeEvidence
		res.MissingEvidence = missingEvidence(res)
	}

	slog.Info("Verification complete",
		"attempted", res.Metadata.TotalAttempted,
		"verified", res.Metadata.TotalVerified,
		"rejected", res.Metadata.TotalRejected,
		"status", res.Metadata.Status,
	)
	return res, nil
}

type judgeReply struct {
	AddressesQuestion *bool  `json:"addresses_question"`
	FullySupported    *bool  `json:"fully_supported"`
	SelfContained     *bool  `json:"self_contained"`
	Verdict           string `json:"verdict"`
	RejectionReason   string `json:"rejection_reason"`
	Rationale         string `json:"rationale"`
}

// complete reports whether all three criteria were answered.
func (r *judgeReply) complete() bool {
	return r.AddressesQuestion != nil && r.FullySupported != nil && r.SelfContained != nil
}

// judge returns a copy of req with its verdict filled in.
func (a *VerificationAgent) judge(ctx context.Context, question string, req Requirement) (Requirement, error) {
	resp, err := a.llm.InvokeRaw(ctx,
		gateway.Conversation(systemMessage(verificationSystemPrompt), userMessage(verificationPrompt(question, req))),
		budgetTags(ctx, "verification"),
		deterministic(),
	)
	if err != nil {
		if gateway.IsTerminal(err) {
			return req, fmt.Errorf("verify %s: %w", req.RequirementID, err)
		}
		slog.Warn("Verification call failed, rejecting", "requirement_id", req.RequirementID, "error", err)
		return reject(req, ReasonVerificationError, "verification call failed: "+err.Error()), nil
	}

	reply, err := jsonutil.DecodeFirstObject(resp.Content, (*judgeReply).complete)
	if err != nil || !reply.complete() {
		slog.Warn("Malformed verification reply, rejecting", "requirement_id", req.RequirementID)
		return reject(req, ReasonVerificationError, "malformed verification response"), nil
	}
	return applyVerdict(req, reply), nil
}

// applyVerdict implements the strict gate: all three criteria true and an
// explicit VERIFIED verdict.
func applyVerdict(req Requirement, reply *judgeReply) Requirement {
	addresses, supported, contained := *reply.AddressesQuestion, *reply.FullySupported, *reply.SelfContained
	verdict := strings.ToUpper(strings.TrimSpace(reply.Verdict))

	if addresses && supported && contained && verdict == StatusVerified {
		req.Verified = true
		req.VerificationRationale = reply.Rationale
		req.RejectionReason = ""
		req.RejectionRationale = ""
		return req
	}

	reason, ok := parseRejectionReason(reply.RejectionReason)
	if !ok {
		switch {
		case !addresses:
			reason = ReasonDoesNotAddressQuestion
		case !supported:
			reason = ReasonRequiresInference
		case !contained:
			reason = ReasonIncompleteQuote
		default:
			reason = ReasonRequiresInference
		}
	}
	return reject(req, reason, reply.Rationale)
}

func reject(req Requirement, reason RejectionReason, rationale string) Requirement {
	req.Verified = false
	req.VerificationRationale = ""
	req.RejectionReason = reason
	req.RejectionRationale = rationale
	return req
}

// missingEvidence explains an empty verified set. It runs even when
// nothing was extracted.
func missingEvidence(res *VerificationResult) []string {
	statute, policy := partition(res.Verified)
	var out []string
	if len(statute) == 0 {
		out = append(out, MissingStatute)
	}
	if len(policy) == 0 {
		out = append(out, MissingPolicy)
	}
	if reason, ok := dominantReason(res.Metadata.RejectionReasons); ok {
		out = append(out, missingByReason[reason])
	} else if res.Metadata.TotalAttempted == 0 {
		out = append(out, MissingNothing)
	}
	return out
}

// dominantReason returns the most frequent reason. Ties go to the
// earlier reason in rejectionReasons.
func dominantReason(counts map[RejectionReason]int) (RejectionReason, bool) {
	best, bestN := RejectionReason(""), 0
	for _, r := range rejectionReasons {
		if counts[r] > bestN {
			best, bestN = r, counts[r]
		}
	}
	return best, bestN > 0
}

// =============================================================================
// Prompts
// =============================================================================

const verificationSystemPrompt = `You are a strict compliance verifier. Judge ONE quoted requirement against ONE question.

Answer three questions:
- addresses_question: does the quote explicitly answer the question, not just a related topic?
- fully_supported: is the answer stated in the quote itself, with no inference or outside knowledge?
- self_contained: is the quote understandable without surrounding text?

All three must be true for a VERIFIED verdict. When in doubt, reject.

Respond with a JSON object only:
{"addresses_question": true|false, "fully_supported": true|false, "self_contained": true|false, "verdict": "VERIFIED|REJECTED", "rejection_reason": "does_not_address_question|requires_inference|incomplete_quote", "rationale": "one sentence"}`

func verificationPrompt(question string, req Requirement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	fmt.Fprintf(&b, "Requirement %s (%s, %s):\n", req.RequirementID, req.SourceType, req.citation())
	fmt.Fprintf(&b, "\"%s\"\n", req.ExactQuote)
	return b.String()
}
