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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

var tracer = otel.Tracer("curator.curation")

// Workflow IDs recorded on audit contexts created by the orchestrator.
const (
	WorkflowEvidenceCuration = "evidence_curation"
	WorkflowLegacyCuration   = "legacy_curation"
)

// ErrorResponsePrefix starts the final response of a failed run.
const ErrorResponsePrefix = "An error occurred during curation: "

// maxTransitions bounds a run. The longest legal path is well under it.
const maxTransitions = 32

// ErrTransitionLimit means a state machine failed to reach finalize.
var ErrTransitionLimit = errors.New("curation exceeded transition limit")

// Retriever finds chunks for a request. Implemented by retrieval.Agent.
type Retriever interface {
	Execute(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Metrics receives per-run observations. Implemented by the observability
// package.
type Metrics interface {
	ObserveStage(stage string, latency time.Duration, success bool)
	ObserveCuration(pipeline, confidence string, success bool, revisions int)
	ObservePassRate(rate float64)
}

// Response is the envelope returned by Execute for both pipelines.
type Response struct {
	Success       bool   `json:"success"`
	FinalResponse string `json:"final_response"`
	Error         string `json:"error,omitempty"`
	TraceID       string `json:"trace_id"`
	Pipeline      string `json:"pipeline"`

	// Curation is set for evidence-first runs that completed.
	Curation *CurationState `json:"curation,omitempty"`
	// Legacy is set for legacy runs that completed.
	Legacy *LegacyState `json:"legacy,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLegacyPipeline selects the legacy analysis and synthesis pipeline.
func WithLegacyPipeline(enabled bool) Option {
	return func(o *Orchestrator) { o.legacy = enabled }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAuditOptions are applied when Execute has to create its own audit
// context.
func WithAuditOptions(opts ...audit.Option) Option {
	return func(o *Orchestrator) { o.auditOpts = append(o.auditOpts, opts...) }
}

// Orchestrator runs a curation state machine.
//
// # Description
//
// The evidence-first machine is
//
//	retrieval -> extraction -> verification -> composition -> quality_review -> finalize
//
// where verification skips to finalize when nothing was verified, and a
// failed review returns to composition up to MaxRevisions times. The
// legacy machine replaces extraction, verification and composition with
// statute_analysis, policy_analysis and synthesis.
//
// Each stage logs one workflow_step audit entry.
//
// # Thread Safety
//
// Safe for concurrent use. Each Execute call owns its state.
type Orchestrator struct {
	legacy    bool
	metrics   Metrics
	auditOpts []audit.Option

	retriever    Retriever
	extraction   *ExtractionAgent
	verification *VerificationAgent
	composition  *CompositionAgent
	quality      *QualityReviewAgent
	statute      *AnalysisAgent
	policy       *AnalysisAgent
	synthesis    *SynthesisAgent
}

// New builds an orchestrator whose agents share client.
func New(client gateway.LLMClient, retriever Retriever, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retriever:    retriever,
		extraction:   NewExtractionAgent(client),
		verification: NewVerificationAgent(client),
		composition:  NewCompositionAgent(client),
		quality:      NewQualityReviewAgent(client),
		statute:      NewStatuteAnalysisAgent(client),
		policy:       NewPolicyAnalysisAgent(client),
		synthesis:    NewSynthesisAgent(client),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pipeline returns the selected pipeline name.
func (o *Orchestrator) Pipeline() string {
	if o.legacy {
		return PipelineLegacy
	}
	return PipelineEvidenceFirst
}

// Execute runs one curation. It never returns an error or panics: every
// failure becomes a Response with Success false.
//
// # Description
//
// The audit context in ctx is reused when present. Otherwise a new one is
// created for the run and closed before Execute returns.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (resp *Response) {
	workflow := WorkflowEvidenceCuration
	if o.legacy {
		workflow = WorkflowLegacyCuration
	}
	ac, owned := audit.FromContext(ctx)
	if !owned || ac.Closed() {
		var end func()
		ctx, ac, end = audit.Begin(ctx, workflow, o.auditOpts...)
		defer end()
	}

	ctx, span := tracer.Start(ctx, "curation.Execute")
	span.SetAttributes(
		attribute.String("curation.pipeline", o.Pipeline()),
		attribute.String("curation.trace_id", ac.TraceID()),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("internal error: %v", r)
			slog.Error("Curation panicked", "trace_id", ac.TraceID(), "panic", r)
			span.SetStatus(codes.Error, err.Error())
			resp = o.failure(ac, err)
		}
	}()

	if strings.TrimSpace(req.Question) == "" {
		return o.failure(ac, retrieval.ErrEmptyQuestion)
	}

	slog.Info("Starting curation",
		"trace_id", ac.TraceID(),
		"pipeline", o.Pipeline(),
		"topic", req.Topic,
	)

	if o.legacy {
		state := newLegacyState(req)
		if err := o.runLegacy(ctx, ac, req, state); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return o.failure(ac, err)
		}
		o.observeCuration("", true, state.RevisionCount)
		return &Response{
			Success:       true,
			FinalResponse: state.FinalResponse,
			TraceID:       ac.TraceID(),
			Pipeline:      PipelineLegacy,
			Legacy:        state,
		}
	}

	state := newCurationState(req)
	if err := o.runEvidenceFirst(ctx, ac, req, state); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.failure(ac, err)
	}
	o.observeCuration(string(state.CompositionConfidence), true, state.RevisionCount)
	slog.Info("Curation complete",
		"trace_id", ac.TraceID(),
		"verified", len(state.VerifiedRequirements),
		"confidence", state.CompositionConfidence,
		"revisions", state.RevisionCount,
	)
	return &Response{
		Success:       true,
		FinalResponse: state.FinalResponse,
		TraceID:       ac.TraceID(),
		Pipeline:      PipelineEvidenceFirst,
		Curation:      state,
	}
}

func (o *Orchestrator) failure(ac *audit.Context, err error) *Response {
	slog.Error("Curation failed", "trace_id", ac.TraceID(), "pipeline", o.Pipeline(), "error", err)
	o.observeCuration("", false, 0)
	return &Response{
		Success:       false,
		Error:         err.Error(),
		FinalResponse: ErrorResponsePrefix + err.Error(),
		TraceID:       ac.TraceID(),
		Pipeline:      o.Pipeline(),
	}
}

// =============================================================================
// Evidence-first machine
// =============================================================================

func (o *Orchestrator) runEvidenceFirst(ctx context.Context, ac *audit.Context, req Request, s *CurationState) error {
	stage := StageRetrieval
	for n := 0; stage != StageDone; n++ {
		if n >= maxTransitions {
			return fmt.Errorf("%w at %s", ErrTransitionLimit, stage)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.CurrentStage = stage
		next, err := o.evidenceStep(ctx, ac, req, s, stage)
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		stage = next
	}
	s.CurrentStage = StageDone
	return nil
}

func (o *Orchestrator) evidenceStep(ctx context.Context, ac *audit.Context, req Request, s *CurationState, stage Stage) (Stage, error) {
	switch stage {
	case StageRetrieval:
		return StageExtraction, o.step(ctx, ac, stage, s.Question, func(ctx context.Context) (string, map[string]any, error) {
			res, err := o.retriever.Execute(ctx, req.retrievalRequest())
			if err != nil {
				return "", nil, err
			}
			s.StatuteChunks, s.PolicyChunks, s.RetrievalMetadata = res.StatuteChunks, res.PolicyChunks, res.Metadata
			return fmt.Sprintf("%d statute chunks, %d policy chunks", len(s.StatuteChunks), len(s.PolicyChunks)),
				map[string]any{"statute_chunks": len(s.StatuteChunks), "policy_chunks": len(s.PolicyChunks)}, nil
		})

	case StageExtraction:
		return StageVerification, o.step(ctx, ac, stage, chunkSummary(s.StatuteChunks, s.PolicyChunks), func(ctx context.Context) (string, map[string]any, error) {
			res := o.extraction.Execute(ctx, ExtractionInput{
				Question:      s.Question,
				StatuteChunks: s.StatuteChunks,
				PolicyChunks:  s.PolicyChunks,
			})
			s.ExtractedRequirements, s.ExtractionMetadata = res.Requirements, res.Metadata
			return fmt.Sprintf("%d requirements extracted", len(res.Requirements)), map[string]any{
				"statute_extracted": res.Metadata.StatuteExtracted,
				"policy_extracted":  res.Metadata.PolicyExtracted,
				"discarded":         res.Metadata.CandidatesDiscarded,
			}, nil
		})

	case StageVerification:
		err := o.step(ctx, ac, stage, fmt.Sprintf("%d requirements", len(s.ExtractedRequirements)), func(ctx context.Context) (string, map[string]any, error) {
			res, err := o.verification.Execute(ctx, VerificationInput{Question: s.Question, Requirements: s.ExtractedRequirements})
			if err != nil {
				return "", nil, err
			}
			s.VerifiedRequirements, s.RejectedRequirements = res.Verified, res.Rejected
			s.VerificationMetadata = res.Metadata
			s.HasSufficientEvidence, s.MissingEvidence = res.HasSufficientEvidence, res.MissingEvidence
			if o.metrics != nil {
				o.metrics.ObservePassRate(res.Metadata.PassRate)
			}
			return fmt.Sprintf("%d verified, %d rejected", len(res.Verified), len(res.Rejected)), map[string]any{
				"pass_rate": res.Metadata.PassRate,
				"status":    res.Metadata.Status,
			}, nil
		})
		if err != nil {
			return "", err
		}
		return NextAfterVerification(s), nil

	case StageComposition:
		return StageQualityReview, o.step(ctx, ac, stage, fmt.Sprintf("%d verified requirements, revision %d", len(s.VerifiedRequirements), s.RevisionCount), func(ctx context.Context) (string, map[string]any, error) {
			in := CompositionInput{
				Question:              s.Question,
				Verified:              s.VerifiedRequirements,
				HasSufficientEvidence: s.HasSufficientEvidence,
			}
			if s.NeedsRevision {
				in.Revision = &RevisionGuidance{
					PreviousAnswer: s.FinalAnswer,
					Issues:         s.QualityIssues,
					Suggestions:    s.QualitySuggestions,
				}
			}
			res, err := o.composition.Execute(ctx, in)
			if err != nil {
				return "", nil, err
			}
			s.CompositionInvoked = true
			s.FinalAnswer, s.StatuteSummary, s.PolicySummary = res.FinalAnswer, res.StatuteSummary, res.PolicySummary
			s.RequirementReferences, s.UnusedRequirements = res.RequirementReferences, res.UnusedRequirements
			s.CompositionConfidence, s.CompositionValidation = res.Confidence, res.Validation
			s.CompositionFallback = res.UsedFallback
			return fmt.Sprintf("%d requirements cited, confidence %s", len(res.RequirementReferences), res.Confidence), map[string]any{
				"confidence":     string(res.Confidence),
				"used_fallback":  res.UsedFallback,
				"citation_count": res.Validation.CitationCount,
			}, nil
		})

	case StageQualityReview:
		err := o.step(ctx, ac, stage, s.FinalAnswer, func(ctx context.Context) (string, map[string]any, error) {
			q := o.quality.Execute(ctx, QualityInput{
				Question: s.Question,
				Answer:   s.FinalAnswer,
				Evidence: sourceSummary(s.VerifiedRequirements, ""),
			})
			s.QualityScore, s.PassesReview = q.Score, q.PassesReview
			s.QualityIssues, s.QualitySuggestions = q.Issues, q.Suggestions
			return fmt.Sprintf("score %.1f, passes %t", q.Score, q.PassesReview), map[string]any{
				"quality_score":  q.Score,
				"revision_count": s.RevisionCount,
			}, nil
		})
		if err != nil {
			return "", err
		}
		next := NextAfterReview(s.PassesReview, s.RevisionCount, StageComposition)
		s.NeedsRevision = next == StageComposition
		if s.NeedsRevision {
			s.RevisionCount++
		}
		return next, nil

	case StageFinalize:
		return StageDone, o.step(ctx, ac, stage, fmt.Sprintf("has_sufficient_evidence %t", s.HasSufficientEvidence), func(context.Context) (string, map[string]any, error) {
			finalizeEvidence(s)
			return fmt.Sprintf("confidence %s", s.CompositionConfidence), map[string]any{
				"revision_count": s.RevisionCount,
			}, nil
		})

	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// =============================================================================
// Legacy machine
// =============================================================================

func (o *Orchestrator) runLegacy(ctx context.Context, ac *audit.Context, req Request, s *LegacyState) error {
	stage := StageRetrieval
	for n := 0; stage != StageDone; n++ {
		if n >= maxTransitions {
			return fmt.Errorf("%w at %s", ErrTransitionLimit, stage)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.CurrentStage = stage
		next, err := o.legacyStep(ctx, ac, req, s, stage)
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		stage = next
	}
	s.CurrentStage = StageDone
	return nil
}

func (o *Orchestrator) legacyStep(ctx context.Context, ac *audit.Context, req Request, s *LegacyState, stage Stage) (Stage, error) {
	switch stage {
	case StageRetrieval:
		return StageStatuteAnalysis, o.step(ctx, ac, stage, s.Question, func(ctx context.Context) (string, map[string]any, error) {
			res, err := o.retriever.Execute(ctx, req.retrievalRequest())
			if err != nil {
				return "", nil, err
			}
			s.StatuteChunks, s.PolicyChunks, s.RetrievalMetadata = res.StatuteChunks, res.PolicyChunks, res.Metadata
			return fmt.Sprintf("%d statute chunks, %d policy chunks", len(s.StatuteChunks), len(s.PolicyChunks)), nil, nil
		})

	case StageStatuteAnalysis:
		return StagePolicyAnalysis, o.step(ctx, ac, stage, fmt.Sprintf("%d statute chunks", len(s.StatuteChunks)), func(ctx context.Context) (string, map[string]any, error) {
			text, err := o.statute.Execute(ctx, s.Question, s.StatuteChunks)
			s.StatuteAnalysis = text
			return fmt.Sprintf("%d characters", len(text)), nil, err
		})

	case StagePolicyAnalysis:
		return StageSynthesis, o.step(ctx, ac, stage, fmt.Sprintf("%d policy chunks", len(s.PolicyChunks)), func(ctx context.Context) (string, map[string]any, error) {
			text, err := o.policy.Execute(ctx, s.Question, s.PolicyChunks)
			s.PolicyAnalysis = text
			return fmt.Sprintf("%d characters", len(text)), nil, err
		})

	case StageSynthesis:
		return StageQualityReview, o.step(ctx, ac, stage, fmt.Sprintf("revision %d", s.RevisionCount), func(ctx context.Context) (string, map[string]any, error) {
			in := SynthesisInput{
				Question:        s.Question,
				StatuteAnalysis: s.StatuteAnalysis,
				PolicyAnalysis:  s.PolicyAnalysis,
			}
			if s.NeedsRevision {
				in.Revision = &RevisionGuidance{
					PreviousAnswer: s.SynthesizedAnswer,
					Issues:         s.QualityIssues,
					Suggestions:    s.QualitySuggestions,
				}
			}
			text, err := o.synthesis.Execute(ctx, in)
			if err != nil {
				return "", nil, err
			}
			s.SynthesizedAnswer = text
			return fmt.Sprintf("%d characters", len(text)), nil, nil
		})

	case StageQualityReview:
		err := o.step(ctx, ac, stage, s.SynthesizedAnswer, func(ctx context.Context) (string, map[string]any, error) {
			q := o.quality.Execute(ctx, QualityInput{
				Question: s.Question,
				Answer:   s.SynthesizedAnswer,
				Evidence: s.StatuteAnalysis + "\n\n" + s.PolicyAnalysis,
			})
			s.QualityScore, s.PassesReview = q.Score, q.PassesReview
			s.QualityIssues, s.QualitySuggestions = q.Issues, q.Suggestions
			return fmt.Sprintf("score %.1f, passes %t", q.Score, q.PassesReview), nil, nil
		})
		if err != nil {
			return "", err
		}
		next := NextAfterReview(s.PassesReview, s.RevisionCount, StageSynthesis)
		s.NeedsRevision = next == StageSynthesis
		if s.NeedsRevision {
			s.RevisionCount++
		}
		return next, nil

	case StageFinalize:
		return StageDone, o.step(ctx, ac, stage, fmt.Sprintf("revision %d", s.RevisionCount), func(context.Context) (string, map[string]any, error) {
			finalizeLegacy(s)
			return fmt.Sprintf("%d characters", len(s.FinalResponse)), nil, nil
		})

	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// step runs fn under a span and logs one workflow_step entry for it.
func (o *Orchestrator) step(ctx context.Context, ac *audit.Context, stage Stage, input string,
	fn func(ctx context.Context) (output string, meta map[string]any, err error)) error {

	ctx, span := tracer.Start(ctx, "curation."+string(stage))
	defer span.End()

	start := time.Now()
	output, meta, err := fn(ctx)
	latency := time.Since(start)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		output = "error: " + err.Error()
	}
	ac.LogWorkflowStep(audit.WorkflowStep{
		StepName:      string(stage),
		InputSummary:  input,
		OutputSummary: output,
		Success:       err == nil,
		LatencyMS:     float64(latency.Microseconds()) / 1000.0,
		Metadata:      meta,
	})
	if o.metrics != nil {
		o.metrics.ObserveStage(string(stage), latency, err == nil)
	}
	slog.Debug("Stage complete", "trace_id", ac.TraceID(), "stage", stage, "latency", latency, "success", err == nil)
	return err
}

func (o *Orchestrator) observeCuration(confidence string, success bool, revisions int) {
	if o.metrics != nil {
		o.metrics.ObserveCuration(o.Pipeline(), confidence, success, revisions)
	}
}

func chunkSummary(statute, policy []knowledge.Chunk) string {
	return fmt.Sprintf("%d statute chunks, %d policy chunks", len(statute), len(policy))
}
