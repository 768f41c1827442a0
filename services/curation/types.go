// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package curation answers compliance questions from verified evidence.
//
// # Description
//
// The evidence-first pipeline runs retrieval, extraction, verification and
// composition in that order. Extraction pulls verbatim obligation quotes out
// of retrieved passages, verification keeps only the quotes that answer the
// question without inference, and composition writes an answer that cites
// nothing but verified requirement IDs. A run with no verified evidence
// reports that fact instead of generating an answer.
//
// Every agent talks to models through gateway.LLMClient. No agent constructs
// a provider client.
package curation

import (
	"fmt"
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
)

// SourceType is where a requirement was quoted from.
type SourceType string

const (
	SourceStatute SourceType = knowledge.SourceStatute
	SourcePolicy  SourceType = knowledge.SourcePolicy
)

func (s SourceType) idPrefix() string {
	if s == SourceStatute {
		return "S"
	}
	return "P"
}

// Confidence is used for extraction and composition confidence.
type Confidence string

const (
	ConfidenceHigh         Confidence = "high"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceLow          Confidence = "low"
	ConfidenceInsufficient Confidence = "insufficient"
)

// parseExtractionConfidence maps model output onto high, medium or low.
func parseExtractionConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// RejectionReason explains why verification rejected a requirement.
type RejectionReason string

const (
	ReasonDoesNotAddressQuestion RejectionReason = "does_not_address_question"
	ReasonRequiresInference      RejectionReason = "requires_inference"
	ReasonIncompleteQuote        RejectionReason = "incomplete_quote"
	ReasonVerificationError      RejectionReason = "verification_error"
)

// rejectionReasons lists every reason in tie-break order.
var rejectionReasons = []RejectionReason{
	ReasonDoesNotAddressQuestion,
	ReasonRequiresInference,
	ReasonIncompleteQuote,
	ReasonVerificationError,
}

func parseRejectionReason(s string) (RejectionReason, bool) {
	r := RejectionReason(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range rejectionReasons {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// Requirement is one verbatim obligation quote.
//
// ExactQuote is set once by extraction. Verification returns copies with
// the verdict fields filled in and never touches the quote.
type Requirement struct {
	RequirementID        string     `json:"requirement_id"`
	SourceType           SourceType `json:"source_type"`
	DocumentID           string     `json:"document_id"`
	SectionHeading       string     `json:"section_heading,omitempty"`
	ExactQuote           string     `json:"exact_quote"`
	ExtractionConfidence Confidence `json:"extraction_confidence"`

	Verified              bool            `json:"verified"`
	VerificationRationale string          `json:"verification_rationale,omitempty"`
	RejectionReason       RejectionReason `json:"rejection_reason,omitempty"`
	RejectionRationale    string          `json:"rejection_rationale,omitempty"`
}

// requirementID formats REQ-S001 style identifiers. seq starts at 1.
func requirementID(source SourceType, seq int) string {
	return fmt.Sprintf("REQ-%s%03d", source.idPrefix(), seq)
}

// citation renders the source line for a requirement.
func (r Requirement) citation() string {
	if r.SectionHeading != "" && !strings.Contains(r.DocumentID, r.SectionHeading) {
		return r.DocumentID + ", " + r.SectionHeading
	}
	return r.DocumentID
}

// partition splits requirements by source type, preserving order.
func partition(reqs []Requirement) (statute, policy []Requirement) {
	for _, r := range reqs {
		if r.SourceType == SourceStatute {
			statute = append(statute, r)
		} else {
			policy = append(policy, r)
		}
	}
	return statute, policy
}

func requirementIDs(reqs []Requirement) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.RequirementID
	}
	return ids
}

// normalizeSpace collapses runs of whitespace for verbatim comparison.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
