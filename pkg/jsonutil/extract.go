// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonutil extracts JSON values embedded in free-form model output.
//
// # Description
//
// Language models routinely wrap JSON in prose ("Here is the result: ...")
// or markdown code fences. This package scans the text for the first
// balanced array or object that is also valid JSON, ignoring brackets that
// appear inside JSON string literals. Candidates that fail validation are
// retried once after removing trailing commas, a common model artifact.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON is returned when no balanced, valid JSON value of the
	// requested kind exists in the text.
	ErrNoJSON = errors.New("no JSON value found in text")

	// ErrTruncated is returned when an opening bracket was found but the
	// text ended before it was balanced and no earlier candidate was valid.
	ErrTruncated = errors.New("JSON value is truncated")
)

// trailingCommaPattern matches trailing commas before ] or }.
var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// ErrNoMatch is returned by the Decode functions when JSON values were
// found but none decoded into the requested type and passed accept.
var ErrNoMatch = errors.New("no JSON value matched the expected shape")

// FirstArray returns the first balanced, valid JSON array found in text.
//
// # Inputs
//
//   - text: Free-form model output.
//
// # Outputs
//
//   - string: The raw JSON array text (trailing commas removed if needed).
//   - error: ErrNoJSON or ErrTruncated when nothing usable is present.
//
// # Examples
//
//	raw, err := jsonutil.FirstArray("Sure! [{\"a\": 1}] hope that helps")
//	// raw == `[{"a": 1}]`
func FirstArray(text string) (string, error) {
	return first(text, '[', ']')
}

// FirstObject returns the first balanced, valid JSON object found in text.
func FirstObject(text string) (string, error) {
	return first(text, '{', '}')
}

// DecodeFirstArray decodes the first JSON array in text that fits []T.
//
// # Description
//
// Every balanced, valid array is tried in order. A candidate that does
// not unmarshal into []T, such as "[1]" in "see chunk [1]", is skipped.
// An empty array is only returned when no non-empty candidate decodes.
//
// # Outputs
//
//   - []T: The decoded elements.
//   - error: ErrNoJSON or ErrTruncated when no array exists, ErrNoMatch
//     (wrapping the last decode error) when none fits []T.
func DecodeFirstArray[T any](text string) ([]T, error) {
	var (
		match []T
		found bool
	)
	return decodeFirst(text, '[', ']', func(raw string) (bool, error) {
		var out []T
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return false, err
		}
		if len(out) == 0 {
			if !found {
				match, found = []T{}, true
			}
			return false, nil
		}
		match, found = out, true
		return true, nil
	}, func() ([]T, bool) { return match, found })
}

// DecodeFirstObject decodes the first JSON object in text that fits T and
// passes every accept predicate.
//
// # Description
//
// Candidates are tried in order. A candidate that fails to unmarshal or
// is rejected by accept is skipped, so a stray "{}" or an unrelated object
// in the prose does not hide the real reply. An empty object is only
// returned when it is the sole candidate that decodes and is accepted.
//
// # Inputs
//
//   - text: Free-form model output.
//   - accept: Optional shape checks, e.g. required fields present.
//
// # Outputs
//
//   - *T: The decoded value.
//   - error: ErrNoJSON or ErrTruncated when no object exists, ErrNoMatch
//     when none fits.
func DecodeFirstObject[T any](text string, accept ...func(*T) bool) (*T, error) {
	var (
		match    *T
		fallback *T
	)
	return decodeFirst(text, '{', '}', func(raw string) (bool, error) {
		var out T
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return false, err
		}
		for _, ok := range accept {
			if !ok(&out) {
				return false, nil
			}
		}
		if isEmpty(raw) {
			if fallback == nil {
				fallback = &out
			}
			return false, nil
		}
		match = &out
		return true, nil
	}, func() (*T, bool) {
		if match != nil {
			return match, true
		}
		return fallback, fallback != nil
	})
}

// decodeFirst feeds candidates to try until it reports done, then returns
// the result from pick.
func decodeFirst[R any](text string, open, close byte, try func(raw string) (bool, error), pick func() (R, bool)) (R, error) {
	var none R
	cands, truncated := candidates(text, open, close)
	var lastErr error
	for _, raw := range cands {
		done, err := try(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if done {
			break
		}
	}
	if out, ok := pick(); ok {
		return out, nil
	}
	switch {
	case len(cands) == 0 && truncated:
		return none, ErrTruncated
	case len(cands) == 0:
		return none, ErrNoJSON
	case lastErr != nil:
		return none, fmt.Errorf("%w: %w", ErrNoMatch, lastErr)
	default:
		return none, ErrNoMatch
	}
}

// first returns the first candidate that balances and validates.
func first(text string, open, close byte) (string, error) {
	cands, truncated := candidates(text, open, close)
	if len(cands) > 0 {
		return cands[0], nil
	}
	if truncated {
		return "", ErrTruncated
	}
	return "", ErrNoJSON
}

// candidates walks every occurrence of open and collects the balanced,
// valid values in order. truncated reports an opener left unbalanced at
// the end of text.
func candidates(text string, open, close byte) (out []string, truncated bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != open {
			continue
		}
		end, ok := balancedEnd(text, start)
		if !ok {
			if end >= len(text) {
				truncated = true
			}
			continue
		}
		if text[end] != close {
			continue
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			out = append(out, candidate)
			continue
		}
		cleaned := trailingCommaPattern.ReplaceAllString(candidate, "$1")
		if json.Valid([]byte(cleaned)) {
			out = append(out, cleaned)
		}
	}
	return out, truncated
}

// isEmpty reports whether raw is "{}" or "[]" modulo whitespace.
func isEmpty(raw string) bool {
	return len(raw) >= 2 && strings.TrimSpace(raw[1:len(raw)-1]) == ""
}

// balancedEnd returns the index of the bracket that closes text[start],
// tracking nested arrays and objects and skipping string literals.
// ok is false when the text ends first or a closer does not match.
func balancedEnd(text string, start int) (int, bool) {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '[':
			stack = append(stack, ']')
		case '{':
			stack = append(stack, '}')
		case ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return i, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return len(text), false
}
