// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstArray(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "bare array",
			input: `[{"id": 1}]`,
			want:  `[{"id": 1}]`,
		},
		{
			name:  "prose around array",
			input: "Here are the requirements:\n[{\"q\": \"a\"}]\nLet me know if you need more.",
			want:  `[{"q": "a"}]`,
		},
		{
			name:  "markdown code fence",
			input: "```json\n[1, 2, 3]\n```",
			want:  `[1, 2, 3]`,
		},
		{
			name:  "brackets inside strings are ignored",
			input: `[{"quote": "see section [a] and ] stray"}] trailing`,
			want:  `[{"quote": "see section [a] and ] stray"}]`,
		},
		{
			name:  "escaped quote inside string",
			input: `[{"quote": "he said \"[x]\" twice"}]`,
			want:  `[{"quote": "he said \"[x]\" twice"}]`,
		},
		{
			name:  "invalid bracket text before real array",
			input: `See [note 1] for details. [{"a": true}]`,
			want:  `[{"a": true}]`,
		},
		{
			name:  "trailing comma cleaned",
			input: `[{"a": 1,}, {"b": 2},]`,
			want:  `[{"a": 1}, {"b": 2}]`,
		},
		{
			name:  "empty array",
			input: "No requirements found: []",
			want:  `[]`,
		},
		{
			name:    "no array at all",
			input:   "I could not find any requirements.",
			wantErr: ErrNoJSON,
		},
		{
			name:    "truncated array",
			input:   `[{"a": 1}, {"b": `,
			wantErr: ErrTruncated,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: ErrNoJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstArray(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstObject(t *testing.T) {
	input := "Verdict follows.\n```\n{\"verdict\": \"verified\", \"nested\": {\"k\": [1, 2]}}\n```"
	got, err := FirstObject(input)
	require.NoError(t, err)
	assert.Equal(t, `{"verdict": "verified", "nested": {"k": [1, 2]}}`, got)

	_, err = FirstObject("[1, 2]")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeFirstArray(t *testing.T) {
	type item struct {
		Quote string `json:"quote"`
		Index int    `json:"chunk_index"`
	}
	items, err := DecodeFirstArray[item](`Result: [{"quote": "x", "chunk_index": 2}]`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0].Quote)
	assert.Equal(t, 2, items[0].Index)

	_, err = DecodeFirstArray[item]("nothing here")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = DecodeFirstArray[item](`[1, 2]`)
	assert.Error(t, err)
}

func TestDecodeFirstObject(t *testing.T) {
	type verdict struct {
		Verdict string `json:"verdict"`
	}
	v, err := DecodeFirstObject[verdict](`ok {"verdict": "rejected"} done`)
	require.NoError(t, err)
	assert.Equal(t, "rejected", v.Verdict)
}

func TestDecodeFirstArray_SkipsCandidatesOfTheWrongShape(t *testing.T) {
	type item struct {
		Quote string `json:"exact_quote"`
	}

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "chunk reference before the array",
			input: "Chunk [1] contains the obligation. Result:\n[{\"exact_quote\": \"counties shall provide\"}]",
			want:  []string{"counties shall provide"},
		},
		{
			name:  "several bracketed references",
			input: "Chunks [2] and [3, 4] repeat it.\n[{\"exact_quote\": \"a\"}, {\"exact_quote\": \"b\"}]",
			want:  []string{"a", "b"},
		},
		{
			name:  "empty array before the real one",
			input: "Statutes: []\nPolicy: [{\"exact_quote\": \"p\"}]",
			want:  []string{"p"},
		},
		{
			name:  "only an empty array",
			input: "Chunk [1] had nothing usable: []",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := DecodeFirstArray[item](tt.input)
			require.NoError(t, err)
			got := make([]string, 0, len(items))
			for _, it := range items {
				got = append(got, it.Quote)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFirstArray_NoMatchWrapsDecodeError(t *testing.T) {
	type item struct {
		Quote string `json:"exact_quote"`
	}
	_, err := DecodeFirstArray[item]("see [1] and [2]")
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Contains(t, err.Error(), "cannot unmarshal")

	_, err = DecodeFirstArray[item](`[{"exact_quote": `)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeFirstObject_SkipsStrayObjects(t *testing.T) {
	type reply struct {
		Score *float64 `json:"quality_score"`
		Notes []string `json:"issues"`
	}
	hasScore := func(r *reply) bool { return r.Score != nil }

	t.Run("empty object before the reply", func(t *testing.T) {
		r, err := DecodeFirstObject[reply]("Template: {}\n{\"quality_score\": 8.5, \"issues\": []}")
		require.NoError(t, err)
		require.NotNil(t, r.Score)
		assert.InDelta(t, 8.5, *r.Score, 1e-9)
	})

	t.Run("unrelated object rejected by accept", func(t *testing.T) {
		r, err := DecodeFirstObject("Context {\"chunk\": 1} then {\"quality_score\": 6}", hasScore)
		require.NoError(t, err)
		assert.InDelta(t, 6.0, *r.Score, 1e-9)
	})

	t.Run("wrong field type is skipped", func(t *testing.T) {
		r, err := DecodeFirstObject[reply]("{\"quality_score\": \"high\"} {\"quality_score\": 9}")
		require.NoError(t, err)
		assert.InDelta(t, 9.0, *r.Score, 1e-9)
	})

	t.Run("nothing accepted", func(t *testing.T) {
		_, err := DecodeFirstObject("{} {\"issues\": [\"x\"]}", hasScore)
		assert.ErrorIs(t, err, ErrNoMatch)
	})

	t.Run("lone empty object still decodes", func(t *testing.T) {
		r, err := DecodeFirstObject[reply]("{}")
		require.NoError(t, err)
		assert.Nil(t, r.Score)
	})
}
