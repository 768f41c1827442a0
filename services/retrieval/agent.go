// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds statute and policy passages for a question.
//
// # Description
//
// The agent rewrites the question twice through the model gateway, once in
// statutory language and once in policy-manual language, then searches the
// document index with a metadata filter per source type. When the index
// rejects the filter it falls back to an unfiltered search and applies the
// filter client-side. Results below the similarity threshold are always
// dropped. A search with no results returns empty lists, not an error.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
)

var tracer = otel.Tracer("curator.retrieval")

// Search strategies recorded in audit entries and metadata.
const (
	StrategyFiltered           = "filtered"
	StrategyFallbackUnfiltered = "fallback_unfiltered"
)

// Defaults.
const (
	DefaultTopK                = 5
	DefaultSimilarityThreshold = 0.5

	// fallbackOverfetch widens the unfiltered search so enough chunks
	// survive the client-side filter.
	fallbackOverfetch = 3
)

// Request is one retrieval call.
type Request struct {
	Question   string
	Topic      string
	SubSection string
	Category   string
	// TopK caps results per source type. Zero uses the agent default.
	TopK int
	// SimilarityThreshold drops chunks scoring below it. Zero uses the
	// agent default.
	SimilarityThreshold float64
}

// Metadata summarizes a retrieval.
type Metadata struct {
	StatuteQuery        string   `json:"statute_query"`
	PolicyQuery         string   `json:"policy_query"`
	StatuteCount        int      `json:"statute_count"`
	PolicyCount         int      `json:"policy_count"`
	AvgStatuteScore     float64  `json:"avg_statute_score"`
	AvgPolicyScore      float64  `json:"avg_policy_score"`
	StatuteStrategy     string   `json:"statute_strategy"`
	PolicyStrategy      string   `json:"policy_strategy"`
	TopK                int      `json:"top_k"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	BelowThreshold      int      `json:"below_threshold"`
	EnhancementErrors   []string `json:"enhancement_errors,omitempty"`
}

// TotalChunks returns statute plus policy counts.
func (m Metadata) TotalChunks() int { return m.StatuteCount + m.PolicyCount }

// Result holds chunks per source type.
type Result struct {
	StatuteChunks []knowledge.Chunk `json:"statute_chunks"`
	PolicyChunks  []knowledge.Chunk `json:"policy_chunks"`
	Metadata      Metadata          `json:"retrieval_metadata"`
}

// Config configures the agent.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	// SearchTimeout bounds each index query. Zero disables the bound.
	SearchTimeout time.Duration
}

// Agent implements retrieval.
//
// # Thread Safety
//
// Safe for concurrent use.
type Agent struct {
	llm   gateway.LLMClient
	index knowledge.DocumentIndex
	cfg   Config
}

// NewAgent creates a retrieval agent.
func NewAgent(llm gateway.LLMClient, index knowledge.DocumentIndex, cfg Config) *Agent {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Agent{llm: llm, index: index, cfg: cfg}
}

// Execute retrieves statute and policy chunks for req.
//
// # Outputs
//
//   - *Result: Chunks per source type, possibly empty.
//   - error: ErrEmptyQuestion, a terminal gateway error from query
//     enhancement, ErrRetrievalTimeout, or ErrKnowledgeBaseUnavailable.
func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	ctx, span := tracer.Start(ctx, "retrieval.Execute")
	defer span.End()

	topK := req.TopK
	if topK <= 0 {
		topK = a.cfg.TopK
	}
	threshold := req.SimilarityThreshold
	if threshold <= 0 {
		threshold = a.cfg.SimilarityThreshold
	}
	meta := Metadata{TopK: topK, SimilarityThreshold: threshold}

	statuteQuery, err := a.enhance(ctx, req, knowledge.SourceStatute, &meta)
	if err != nil {
		return nil, err
	}
	policyQuery, err := a.enhance(ctx, req, knowledge.SourcePolicy, &meta)
	if err != nil {
		return nil, err
	}
	meta.StatuteQuery, meta.PolicyQuery = statuteQuery, policyQuery

	statute, strategy, dropped, err := a.search(ctx, statuteQuery, knowledge.SourceStatute, topK, threshold)
	if err != nil {
		return nil, err
	}
	meta.StatuteStrategy = strategy
	meta.BelowThreshold += dropped

	policy, strategy, dropped, err := a.search(ctx, policyQuery, knowledge.SourcePolicy, topK, threshold)
	if err != nil {
		return nil, err
	}
	meta.PolicyStrategy = strategy
	meta.BelowThreshold += dropped

	meta.StatuteCount, meta.AvgStatuteScore = len(statute), averageScore(statute)
	meta.PolicyCount, meta.AvgPolicyScore = len(policy), averageScore(policy)

	span.SetAttributes(
		attribute.Int("retrieval.statute_count", meta.StatuteCount),
		attribute.Int("retrieval.policy_count", meta.PolicyCount),
	)
	slog.Info("Retrieval complete",
		"trace_id", audit.Current(ctx).TraceID(),
		"statute_chunks", meta.StatuteCount,
		"policy_chunks", meta.PolicyCount,
		"below_threshold", meta.BelowThreshold,
	)
	return &Result{StatuteChunks: statute, PolicyChunks: policy, Metadata: meta}, nil
}

// enhance rewrites the question for one source type. Terminal gateway
// failures propagate; anything else falls back to the raw question.
func (a *Agent) enhance(ctx context.Context, req Request, sourceType string, meta *Metadata) (string, error) {
	ac := audit.Current(ctx)
	res, err := a.llm.Invoke(ctx, gateway.Text(enhancementPrompt(req, sourceType)),
		gateway.WithBudgetTags(gateway.BudgetTags{
			Tenant:    ac.TenantID(),
			Workflow:  ac.WorkflowID(),
			Operation: "query_enhancement_" + sourceType,
		}),
	)
	if err != nil {
		if gateway.IsTerminal(err) {
			return "", fmt.Errorf("%s query enhancement: %w", sourceType, err)
		}
		slog.Warn("Query enhancement failed, using raw question", "source_type", sourceType, "error", err)
		meta.EnhancementErrors = append(meta.EnhancementErrors, fmt.Sprintf("%s: %v", sourceType, err))
		return req.Question, nil
	}
	q := cleanQuery(res.Content)
	if q == "" {
		return req.Question, nil
	}
	return q, nil
}

// search runs the filtered query, falling back to an unfiltered one when
// the index rejects the filter. Returns kept chunks, the strategy used and
// how many chunks fell below the threshold.
func (a *Agent) search(ctx context.Context, query, sourceType string, topK int, threshold float64) ([]knowledge.Chunk, string, int, error) {
	filter := &knowledge.Filter{
		SourceType:          sourceType,
		ExcludeSectionTypes: []string{knowledge.SectionTOC},
	}

	chunks, err := a.query(ctx, knowledge.SearchRequest{Query: query, TopK: topK, Filter: filter}, sourceType, StrategyFiltered)
	strategy := StrategyFiltered
	if err != nil {
		if errors.Is(err, ErrRetrievalTimeout) || ctx.Err() != nil {
			return nil, "", 0, err
		}
		slog.Warn("Filtered search failed, falling back to unfiltered search",
			"source_type", sourceType, "error", err)

		strategy = StrategyFallbackUnfiltered
		chunks, err = a.query(ctx, knowledge.SearchRequest{Query: query, TopK: topK * fallbackOverfetch}, sourceType, strategy)
		if err != nil {
			if errors.Is(err, ErrRetrievalTimeout) || ctx.Err() != nil {
				return nil, "", 0, err
			}
			return nil, "", 0, fmt.Errorf("%w: %v", ErrKnowledgeBaseUnavailable, err)
		}
		kept := chunks[:0:0]
		for _, c := range chunks {
			if filter.Matches(c) {
				kept = append(kept, c)
			}
		}
		chunks = kept
	}

	out := make([]knowledge.Chunk, 0, len(chunks))
	dropped := 0
	for _, c := range chunks {
		if c.SimilarityScore < threshold {
			dropped++
			continue
		}
		out = append(out, c)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, strategy, dropped, nil
}

// query performs one index search and logs a retrieval audit entry.
func (a *Agent) query(ctx context.Context, req knowledge.SearchRequest, sourceType, strategy string) ([]knowledge.Chunk, error) {
	searchCtx := ctx
	if a.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, a.cfg.SearchTimeout)
		defer cancel()
	}

	start := time.Now()
	chunks, err := a.index.Search(searchCtx, req)
	latency := time.Since(start)

	if err == nil && searchCtx.Err() == context.DeadlineExceeded {
		err = searchCtx.Err()
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrRetrievalTimeout, latency.Round(time.Millisecond), err)
	}

	audit.Current(ctx).LogRetrieval(audit.Retrieval{
		QueryLength: len(req.Query),
		NResults:    len(chunks),
		Strategy:    strategy,
		Success:     err == nil,
		LatencyMS:   float64(latency.Microseconds()) / 1000.0,
		Metadata:    map[string]any{"source_type": sourceType, "top_k": req.TopK},
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func averageScore(chunks []knowledge.Chunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range chunks {
		sum += c.SimilarityScore
	}
	return sum / float64(len(chunks))
}

func enhancementPrompt(req Request, sourceType string) string {
	var b strings.Builder
	switch sourceType {
	case knowledge.SourceStatute:
		b.WriteString("Rewrite the question below as a search query for California statutes and regulations. ")
		b.WriteString("Use statutory vocabulary (shall, must, county, plan, provider, code section terms).\n")
	default:
		b.WriteString("Rewrite the question below as a search query for a state policy manual. ")
		b.WriteString("Use program and operational vocabulary (requirements, counties must, guidance, reporting).\n")
	}
	b.WriteString("Return only the query on one line, with no explanation.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	if req.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	}
	if req.SubSection != "" {
		fmt.Fprintf(&b, "Sub-section: %s\n", req.SubSection)
	}
	if req.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", req.Category)
	}
	return b.String()
}

// cleanQuery keeps the first non-empty line without label or quotes.
func cleanQuery(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(strings.ToLower(line), "query:"); i >= 0 {
			line = strings.TrimSpace(line[i+len("query:"):])
		}
		return strings.Trim(line, "\"'`")
	}
	return ""
}
