// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies and redacts sensitive text. The curation
// service installs Redact on every audit context so questions containing
// member identifiers never land in an audit sink verbatim. Ingestion uses
// Scan and ClassifyData to flag source files and tag their chunks.
package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/policy_engine/enforcement"
)

// PolicyEngine holds compiled classification rules.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the patterns embedded in the binary.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.DataClassificationPatterns)
}

// NewPolicyEngineFromYAML parses, compiles and priority-sorts a
// classification file.
//
// # Outputs
//
//   - error: The YAML is malformed, a confidence is unknown or a regex
//     does not compile.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file ClassificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classification patterns: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()
	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// ClassifyData returns the name of the highest priority classification
// matching data, or ClassPublic.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			if p.compiled.Match(data) {
				return c.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every match, line by line.
func (e *PolicyEngine) Scan(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, c := range e.Classifiers {
			for _, p := range c.Patterns {
				for _, match := range p.compiled.FindAllString(line, -1) {
					findings = append(findings, ScanFinding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: c.Name,
						PatternID:          p.ID,
						PatternDescription: p.Description,
						Confidence:         p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Redact replaces every match with "[REDACTED:<pattern id>]". Higher
// priority classifications are applied first, so a secret inside an email
// style string is labeled as the secret.
func (e *PolicyEngine) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			s = p.compiled.ReplaceAllLiteralString(s, "[REDACTED:"+p.ID+"]")
		}
	}
	return s
}
