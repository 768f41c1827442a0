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

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/jsonutil"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
)

// PassingScore is the minimum quality score that passes review.
const PassingScore = 7.0

// QualityInput is the quality review input.
type QualityInput struct {
	Question string
	Answer   string
	// Evidence is the material the answer should rest on.
	Evidence string
}

// QualityResult is a review verdict.
type QualityResult struct {
	Score        float64  `json:"quality_score"`
	PassesReview bool     `json:"passes_review"`
	Issues       []string `json:"quality_issues"`
	Suggestions  []string `json:"quality_suggestions"`
}

// QualityReviewAgent scores an answer from 0 to 10.
//
// # Thread Safety
//
// Safe for concurrent use.
type QualityReviewAgent struct {
	llm gateway.LLMClient
}

// NewQualityReviewAgent creates a quality review agent.
func NewQualityReviewAgent(llm gateway.LLMClient) *QualityReviewAgent {
	return &QualityReviewAgent{llm: llm}
}

type qualityReply struct {
	QualityScore *float64 `json:"quality_score"`
	Issues       []string `json:"issues"`
	Suggestions  []string `json:"suggestions"`
}

// Execute reviews an answer. It never fails: when the review itself cannot
// be completed the answer passes with score 0 and an issue explaining why,
// so the run finalizes without another revision.
func (a *QualityReviewAgent) Execute(ctx context.Context, in QualityInput) *QualityResult {
	resp, err := a.llm.InvokeRaw(ctx,
		gateway.Conversation(systemMessage(qualitySystemPrompt), userMessage(qualityPrompt(in))),
		budgetTags(ctx, "quality_review"),
		deterministic(),
	)
	if err != nil {
		return reviewUnavailable(err)
	}

	reply, err := jsonutil.DecodeFirstObject(resp.Content, func(r *qualityReply) bool {
		return r.QualityScore != nil
	})
	if err == nil && reply.QualityScore == nil {
		err = errors.New("reply has no quality_score")
	}
	if err != nil {
		return reviewUnavailable(err)
	}

	score := min(max(*reply.QualityScore, 0), 10)
	return &QualityResult{
		Score:        score,
		PassesReview: score >= PassingScore,
		Issues:       nonNil(reply.Issues),
		Suggestions:  nonNil(reply.Suggestions),
	}
}

func reviewUnavailable(err error) *QualityResult {
	slog.Warn("Quality review unavailable, passing answer through", "error", err)
	return &QualityResult{
		Score:        0,
		PassesReview: true,
		Issues:       []string{"quality review unavailable: " + err.Error()},
		Suggestions:  []string{},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const qualitySystemPrompt = `You review compliance answers for accuracy, completeness, citation use and clarity.

Score from 0 to 10. 7 or above means the answer is ready for a compliance officer.

Respond with a JSON object only:
{"quality_score": 0-10, "issues": ["..."], "suggestions": ["..."]}`

func qualityPrompt(in QualityInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", in.Question)
	if in.Evidence != "" {
		fmt.Fprintf(&b, "Evidence:\n%s\n\n", in.Evidence)
	}
	fmt.Fprintf(&b, "Answer:\n%s\n", in.Answer)
	return b.String()
}
