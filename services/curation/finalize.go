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
	"fmt"
	"slices"
	"strings"
)

// Banners by quality score.
const (
	BannerExcellent         = "Quality: Excellent"
	BannerGood              = "Quality: Good"
	BannerReviewRecommended = "Quality: Review recommended"
	BannerNoEvidence        = "No authoritative evidence found"
)

// EvidenceAuditTrail summarizes every stage of an evidence-first run from
// values already in the state.
type EvidenceAuditTrail struct {
	Retrieval    RetrievalTrail    `json:"retrieval"`
	Extraction   ExtractionTrail   `json:"extraction"`
	Verification VerificationTrail `json:"verification"`
	Composition  CompositionTrail  `json:"composition"`
	Overall      OverallTrail      `json:"overall"`
}

type RetrievalTrail struct {
	StatuteChunks   int     `json:"statute_chunks"`
	PolicyChunks    int     `json:"policy_chunks"`
	AvgStatuteScore float64 `json:"avg_statute_score"`
	AvgPolicyScore  float64 `json:"avg_policy_score"`
	StatuteStrategy string  `json:"statute_strategy"`
	PolicyStrategy  string  `json:"policy_strategy"`
}

type ExtractionTrail struct {
	StatuteExtracted    int `json:"statute_extracted"`
	PolicyExtracted     int `json:"policy_extracted"`
	TotalExtracted      int `json:"total_extracted"`
	CandidatesDiscarded int `json:"candidates_discarded"`
}

type VerificationTrail struct {
	TotalAttempted   int                     `json:"total_attempted"`
	TotalVerified    int                     `json:"total_verified"`
	TotalRejected    int                     `json:"total_rejected"`
	PassRate         float64                 `json:"verification_pass_rate"`
	RejectionReasons map[RejectionReason]int `json:"rejection_reasons"`
	Status           string                  `json:"status"`
}

type CompositionTrail struct {
	Invoked              bool       `json:"invoked"`
	Confidence           Confidence `json:"composition_confidence"`
	RequirementsCited    int        `json:"requirements_cited"`
	RequirementsUnused   int        `json:"requirements_unused"`
	AllRequirementsValid bool       `json:"all_requirements_valid"`
	UsedFallback         bool       `json:"used_fallback"`
}

type OverallTrail struct {
	HasSufficientEvidence bool     `json:"has_sufficient_evidence"`
	MissingEvidence       []string `json:"missing_evidence"`
	QualityScore          float64  `json:"quality_score"`
	PassesReview          bool     `json:"passes_review"`
	RevisionCount         int      `json:"revision_count"`
}

// finalizeEvidence fills the final answer for unevidenced runs, builds the
// audit trail and renders the response. No model call is made.
func finalizeEvidence(s *CurationState) {
	if !s.HasSufficientEvidence {
		s.FinalAnswer = NoEvidenceAnswer
		s.CompositionConfidence = ConfidenceInsufficient
	}
	s.EvidenceAuditTrail = buildAuditTrail(s)

	var b strings.Builder
	if s.HasSufficientEvidence {
		b.WriteString(qualityBanner(s.QualityScore))
	} else {
		b.WriteString(BannerNoEvidence)
	}
	b.WriteString("\n\n")
	b.WriteString(s.FinalAnswer)
	if !s.HasSufficientEvidence && len(s.MissingEvidence) > 0 {
		b.WriteString("\n\nMissing evidence:\n")
		for _, m := range s.MissingEvidence {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	footer := []string{
		"Priority: " + orDefault(s.Priority, "not specified"),
		"Composition confidence: " + string(s.CompositionConfidence),
	}
	if dist := confidenceDistribution(s.VerifiedRequirements); dist != "" {
		footer = append(footer, "Extraction confidence: "+dist)
	}
	footer = append(footer, "Statutes: "+orDefault(strings.Join(statuteList(s.VerifiedRequirements), ", "), "none"))
	footer = append(footer, fmt.Sprintf("Revisions: %d", s.RevisionCount))
	s.FinalResponse = strings.TrimRight(b.String(), "\n") + renderFooter(footer, s.QualityIssues)
}

// finalizeLegacy renders the legacy response.
func finalizeLegacy(s *LegacyState) {
	var b strings.Builder
	b.WriteString(qualityBanner(s.QualityScore))
	b.WriteString("\n\n")
	b.WriteString(s.SynthesizedAnswer)
	footer := []string{
		"Priority: " + orDefault(s.Priority, "not specified"),
		fmt.Sprintf("Sources: %d statute, %d policy", len(s.StatuteChunks), len(s.PolicyChunks)),
		fmt.Sprintf("Revisions: %d", s.RevisionCount),
	}
	s.FinalResponse = strings.TrimRight(b.String(), "\n") + renderFooter(footer, s.QualityIssues)
}

func qualityBanner(score float64) string {
	switch {
	case score >= 9:
		return fmt.Sprintf("%s (%.1f/10)", BannerExcellent, score)
	case score >= PassingScore:
		return fmt.Sprintf("%s (%.1f/10)", BannerGood, score)
	default:
		return fmt.Sprintf("%s (%.1f/10)", BannerReviewRecommended, score)
	}
}

func renderFooter(lines, issues []string) string {
	var b strings.Builder
	b.WriteString("\n\n---\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if len(issues) > 0 {
		b.WriteString("Quality issues:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// confidenceDistribution renders "high 2, medium 1" for verified
// requirements.
func confidenceDistribution(reqs []Requirement) string {
	counts := map[Confidence]int{}
	for _, r := range reqs {
		counts[r.ExtractionConfidence]++
	}
	var parts []string
	for _, c := range []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow} {
		if counts[c] > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", c, counts[c]))
		}
	}
	return strings.Join(parts, ", ")
}

// statuteList returns the distinct statute document IDs, in order.
func statuteList(reqs []Requirement) []string {
	var out []string
	for _, r := range reqs {
		if r.SourceType == SourceStatute && !slices.Contains(out, r.DocumentID) {
			out = append(out, r.DocumentID)
		}
	}
	return out
}

func buildAuditTrail(s *CurationState) *EvidenceAuditTrail {
	rm, em, vm := s.RetrievalMetadata, s.ExtractionMetadata, s.VerificationMetadata
	return &EvidenceAuditTrail{
		Retrieval: RetrievalTrail{
			StatuteChunks:   len(s.StatuteChunks),
			PolicyChunks:    len(s.PolicyChunks),
			AvgStatuteScore: rm.AvgStatuteScore,
			AvgPolicyScore:  rm.AvgPolicyScore,
			StatuteStrategy: rm.StatuteStrategy,
			PolicyStrategy:  rm.PolicyStrategy,
		},
		Extraction: ExtractionTrail{
			StatuteExtracted:    em.StatuteExtracted,
			PolicyExtracted:     em.PolicyExtracted,
			TotalExtracted:      len(s.ExtractedRequirements),
			CandidatesDiscarded: em.CandidatesDiscarded,
		},
		Verification: VerificationTrail{
			TotalAttempted:   vm.TotalAttempted,
			TotalVerified:    len(s.VerifiedRequirements),
			TotalRejected:    len(s.RejectedRequirements),
			PassRate:         vm.PassRate,
			RejectionReasons: vm.RejectionReasons,
			Status:           vm.Status,
		},
		Composition: CompositionTrail{
			Invoked:              s.CompositionInvoked,
			Confidence:           s.CompositionConfidence,
			RequirementsCited:    len(s.RequirementReferences),
			RequirementsUnused:   len(s.UnusedRequirements),
			AllRequirementsValid: s.CompositionValidation.AllRequirementsValid || !s.CompositionInvoked,
			UsedFallback:         s.CompositionFallback,
		},
		Overall: OverallTrail{
			HasSufficientEvidence: s.HasSufficientEvidence,
			MissingEvidence:       s.MissingEvidence,
			QualityScore:          s.QualityScore,
			PassesReview:          s.PassesReview,
			RevisionCount:         s.RevisionCount,
		},
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
