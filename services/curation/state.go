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
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

// Stage is one node of a curation state machine.
type Stage string

const (
	StageRetrieval     Stage = "retrieval"
	StageExtraction    Stage = "extraction"
	StageVerification  Stage = "verification"
	StageComposition   Stage = "composition"
	StageQualityReview Stage = "quality_review"
	StageFinalize      Stage = "finalize"
	StageDone          Stage = "done"

	// Legacy pipeline stages.
	StageStatuteAnalysis Stage = "statute_analysis"
	StagePolicyAnalysis  Stage = "policy_analysis"
	StageSynthesis       Stage = "synthesis"
)

// MaxRevisions caps how many times a failed review sends the answer back
// for rewriting.
const MaxRevisions = 2

// Pipeline names.
const (
	PipelineEvidenceFirst = "evidence_first"
	PipelineLegacy        = "legacy"
)

// Request is one curation question.
type Request struct {
	Question   string `json:"question" validate:"required,max=4000"`
	Topic      string `json:"topic" validate:"max=200"`
	SubSection string `json:"sub_section" validate:"max=200"`
	Category   string `json:"category" validate:"max=200"`
	Priority   string `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	// TopK and SimilarityThreshold override the retrieval defaults when set.
	TopK                int     `json:"top_k" validate:"gte=0,lte=50"`
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"gte=0,lte=1"`
}

var requestValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field limits. A whitespace-only question is rejected.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("invalid request: %w", retrieval.ErrEmptyQuestion)
	}
	if err := requestValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (r Request) retrievalRequest() retrieval.Request {
	return retrieval.Request{
		Question:            r.Question,
		Topic:               r.Topic,
		SubSection:          r.SubSection,
		Category:            r.Category,
		TopK:                r.TopK,
		SimilarityThreshold: r.SimilarityThreshold,
	}
}

// CurationState is the working record of one evidence-first run. It is
// owned by a single Execute call and never shared.
type CurationState struct {
	// Input
	Question   string `json:"question"`
	Topic      string `json:"topic"`
	SubSection string `json:"sub_section"`
	Category   string `json:"category"`
	Priority   string `json:"priority"`

	// Retrieval
	StatuteChunks     []knowledge.Chunk  `json:"statute_chunks"`
	PolicyChunks      []knowledge.Chunk  `json:"policy_chunks"`
	RetrievalMetadata retrieval.Metadata `json:"retrieval_metadata"`

	// Extraction
	ExtractedRequirements []Requirement      `json:"extracted_requirements"`
	ExtractionMetadata    ExtractionMetadata `json:"extraction_metadata"`

	// Verification
	VerifiedRequirements  []Requirement        `json:"verified_requirements"`
	RejectedRequirements  []Requirement        `json:"rejected_requirements"`
	VerificationMetadata  VerificationMetadata `json:"verification_metadata"`
	HasSufficientEvidence bool                 `json:"has_sufficient_evidence"`
	MissingEvidence       []string             `json:"missing_evidence"`

	// Composition
	FinalAnswer           string                `json:"final_answer"`
	StatuteSummary        string                `json:"statute_summary"`
	PolicySummary         string                `json:"policy_summary"`
	RequirementReferences []string              `json:"requirement_references"`
	UnusedRequirements    []string              `json:"unused_requirements"`
	CompositionConfidence Confidence            `json:"composition_confidence"`
	CompositionValidation CompositionValidation `json:"composition_validation"`
	CompositionFallback   bool                  `json:"composition_fallback"`
	CompositionInvoked    bool                  `json:"composition_invoked"`

	// Quality
	QualityScore       float64  `json:"quality_score"`
	PassesReview       bool     `json:"passes_review"`
	QualityIssues      []string `json:"quality_issues"`
	QualitySuggestions []string `json:"quality_suggestions"`

	// Control
	CurrentStage  Stage `json:"current_stage"`
	NeedsRevision bool  `json:"needs_revision"`
	RevisionCount int   `json:"revision_count"`

	FinalResponse      string              `json:"final_response"`
	EvidenceAuditTrail *EvidenceAuditTrail `json:"evidence_audit_trail,omitempty"`
}

func newCurationState(req Request) *CurationState {
	return &CurationState{
		Question:              req.Question,
		Topic:                 req.Topic,
		SubSection:            req.SubSection,
		Category:              req.Category,
		Priority:              req.Priority,
		StatuteChunks:         []knowledge.Chunk{},
		PolicyChunks:          []knowledge.Chunk{},
		ExtractedRequirements: []Requirement{},
		VerifiedRequirements:  []Requirement{},
		RejectedRequirements:  []Requirement{},
		MissingEvidence:       []string{},
		RequirementReferences: []string{},
		UnusedRequirements:    []string{},
		QualityIssues:         []string{},
		QualitySuggestions:    []string{},
		CurrentStage:          StageRetrieval,
	}
}

// LegacyState is the working record of one legacy run.
type LegacyState struct {
	Question   string `json:"question"`
	Topic      string `json:"topic"`
	SubSection string `json:"sub_section"`
	Category   string `json:"category"`
	Priority   string `json:"priority"`

	StatuteChunks     []knowledge.Chunk  `json:"statute_chunks"`
	PolicyChunks      []knowledge.Chunk  `json:"policy_chunks"`
	RetrievalMetadata retrieval.Metadata `json:"retrieval_metadata"`

	StatuteAnalysis   string `json:"statute_analysis"`
	PolicyAnalysis    string `json:"policy_analysis"`
	SynthesizedAnswer string `json:"synthesized_answer"`

	QualityScore       float64  `json:"quality_score"`
	PassesReview       bool     `json:"passes_review"`
	QualityIssues      []string `json:"quality_issues"`
	QualitySuggestions []string `json:"quality_suggestions"`

	CurrentStage  Stage `json:"current_stage"`
	NeedsRevision bool  `json:"needs_revision"`
	RevisionCount int   `json:"revision_count"`

	FinalResponse string `json:"final_response"`
}

func newLegacyState(req Request) *LegacyState {
	return &LegacyState{
		Question:           req.Question,
		Topic:              req.Topic,
		SubSection:         req.SubSection,
		Category:           req.Category,
		Priority:           req.Priority,
		StatuteChunks:      []knowledge.Chunk{},
		PolicyChunks:       []knowledge.Chunk{},
		QualityIssues:      []string{},
		QualitySuggestions: []string{},
		CurrentStage:       StageRetrieval,
	}
}

// =============================================================================
// Routers
// =============================================================================

// NextAfterVerification sends runs without verified evidence straight to
// finalize. They are reported as-is and never reviewed.
func NextAfterVerification(s *CurationState) Stage {
	if s.HasSufficientEvidence {
		return StageComposition
	}
	return StageFinalize
}

// ShouldRevise reports whether a failed review earns another rewrite.
func ShouldRevise(passesReview bool, revisionCount int) bool {
	return !passesReview && revisionCount < MaxRevisions
}

// NextAfterReview routes a reviewed answer. rewrite is the stage that
// produces answers: composition or legacy synthesis.
func NextAfterReview(passesReview bool, revisionCount int, rewrite Stage) Stage {
	if ShouldRevise(passesReview, revisionCount) {
		return rewrite
	}
	return StageFinalize
}
