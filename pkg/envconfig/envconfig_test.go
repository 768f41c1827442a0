// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_TypedLookups(t *testing.T) {
	src := FromMap(map[string]string{
		"STR":      "value",
		"INT":      "7",
		"BAD_INT":  "seven",
		"FLOAT":    "0.25",
		"BOOL":     "true",
		"BOOL_YES": "yes",
		"DUR":      "1.5s",
		"DUR_SECS": "2",
		"BAD_DUR":  "soon",
		"BLANK":    "   ",
	})

	assert.Equal(t, "value", src.String("STR", "x"))
	assert.Equal(t, "x", src.String("MISSING", "x"))
	assert.Equal(t, "x", src.String("BLANK", "x"))
	assert.Equal(t, 7, src.Int("INT", 1))
	assert.Equal(t, 1, src.Int("BAD_INT", 1))
	assert.Equal(t, int64(7), src.Int64("INT", 1))
	assert.InDelta(t, 0.25, src.Float("FLOAT", 1), 1e-9)
	assert.True(t, src.Bool("BOOL", false))
	assert.True(t, src.Bool("BOOL_YES", false))
	assert.False(t, src.Bool("MISSING", false))
	assert.Equal(t, 1500*time.Millisecond, src.Duration("DUR", time.Second))
	assert.Equal(t, 2*time.Second, src.Duration("DUR_SECS", time.Second))
	assert.Equal(t, time.Second, src.Duration("BAD_DUR", time.Second))
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model_max_retries: 5\naudit_sink: file\n"), 0600))

	t.Setenv("AUDIT_SINK", "null")
	src, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, src.Int("MODEL_MAX_RETRIES", 3))
	assert.Equal(t, "null", src.String("AUDIT_SINK", "stdout"))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
