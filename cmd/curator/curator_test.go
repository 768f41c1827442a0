// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/policy_engine"
)

type fakeCurator struct {
	resp *curation.Response
	got  curation.Request
}

func (f *fakeCurator) Execute(_ context.Context, req curation.Request) *curation.Response {
	f.got = req
	return f.resp
}

func TestRunCurate_Text(t *testing.T) {
	fc := &fakeCurator{resp: &curation.Response{
		Success:       true,
		FinalResponse: "Counties must maintain a 24/7 crisis line [W&I Code 5600].",
		TraceID:       "trace-1",
		Pipeline:      curation.PipelineEvidenceFirst,
		Curation: &curation.CurationState{
			CompositionConfidence: curation.ConfidenceHigh,
			QualityScore:          0.9,
		},
	}}
	var out bytes.Buffer
	req := curation.Request{Question: "crisis line?", Topic: "Crisis Services"}

	require.NoError(t, runCurate(context.Background(), fc, req, &out, OutputText))
	assert.Equal(t, req, fc.got)
	assert.Contains(t, out.String(), "24/7 crisis line")
	assert.Contains(t, out.String(), "trace: trace-1")
	assert.Contains(t, out.String(), "confidence: high")
}

func TestRunCurate_JSONAndFailure(t *testing.T) {
	fc := &fakeCurator{resp: &curation.Response{
		Success:       false,
		Error:         "retrieval: knowledge base unavailable",
		FinalResponse: curation.ErrorResponsePrefix + "retrieval: knowledge base unavailable",
		TraceID:       "trace-2",
		Pipeline:      curation.PipelineEvidenceFirst,
	}}
	var out bytes.Buffer

	err := runCurate(context.Background(), fc, curation.Request{Question: "q"}, &out, OutputJSON)
	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, ExitFailure, exit.code)

	var decoded curation.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.False(t, decoded.Success)
	assert.Equal(t, "trace-2", decoded.TraceID)
}

func TestResolveOutput(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	got, err := resolveOutput(OutputAuto, f)
	require.NoError(t, err)
	assert.Equal(t, OutputJSON, got, "a regular file is not a terminal")

	got, err = resolveOutput(OutputText, f)
	require.NoError(t, err)
	assert.Equal(t, OutputText, got)

	_, err = resolveOutput("yaml", f)
	assert.Error(t, err)
}

func TestIngestFlagsValidate(t *testing.T) {
	tests := []struct {
		name    string
		flags   ingestFlags
		files   int
		wantErr bool
	}{
		{"statute", ingestFlags{sourceType: knowledge.SourceStatute, workers: 1}, 3, false},
		{"policy with id", ingestFlags{sourceType: knowledge.SourcePolicy, documentID: "BHIN 23-001", workers: 1}, 1, false},
		{"unknown source", ingestFlags{sourceType: "memo", workers: 1}, 1, true},
		{"id with many files", ingestFlags{sourceType: knowledge.SourcePolicy, documentID: "x", workers: 1}, 2, true},
		{"no workers", ingestFlags{sourceType: knowledge.SourcePolicy}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.validate(tt.files)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "wic-5600", documentID("/data/statutes/wic-5600.txt"))
	assert.Equal(t, "policy", documentID("policy"))
}

func TestIngestFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "wic-5600.txt")
	b := filepath.Join(dir, "wic-5651.txt")
	require.NoError(t, os.WriteFile(a, []byte("Section 5600. Each county shall provide crisis services.\n\nCounties shall maintain a 24-hour crisis line."), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("Section 5651. The county shall submit an annual plan."), 0o600))

	index := knowledge.NewStaticIndex()
	in := knowledge.NewIngestor(knowledge.IngestorConfig{}, nil, index)
	var out bytes.Buffer

	err := ingestFiles(context.Background(), in, nil, []string{a, b},
		&ingestFlags{sourceType: knowledge.SourceStatute, workers: 2}, &out)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, index.Len(), 2)
	assert.True(t, strings.HasPrefix(out.String(), "ingested 2 files"))
}

func TestIngestFiles_MissingFileFails(t *testing.T) {
	in := knowledge.NewIngestor(knowledge.IngestorConfig{}, nil, knowledge.NewStaticIndex())
	err := ingestFiles(context.Background(), in, nil, []string{filepath.Join(t.TempDir(), "missing.txt")},
		&ingestFlags{sourceType: knowledge.SourcePolicy, workers: 1}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestIngestFiles_SensitiveContent(t *testing.T) {
	policy, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "intake-manual.txt")
	require.NoError(t, os.WriteFile(path, []byte("Sample intake record.\nMember SSN 123-45-6789 was referred."), 0o600))

	t.Run("rejected", func(t *testing.T) {
		index := knowledge.NewStaticIndex()
		in := knowledge.NewIngestor(knowledge.IngestorConfig{Classifier: policy}, nil, index)
		err := ingestFiles(context.Background(), in, policy, []string{path},
			&ingestFlags{sourceType: knowledge.SourcePolicy, workers: 1, rejectSensitive: true}, &bytes.Buffer{})
		assert.ErrorIs(t, err, ErrSensitiveContent)
		assert.Zero(t, index.Len())
	})

	t.Run("tagged", func(t *testing.T) {
		index := knowledge.NewStaticIndex()
		in := knowledge.NewIngestor(knowledge.IngestorConfig{Classifier: policy}, nil, index)
		err := ingestFiles(context.Background(), in, policy, []string{path},
			&ingestFlags{sourceType: knowledge.SourcePolicy, workers: 1}, &bytes.Buffer{})
		require.NoError(t, err)

		got, err := index.Search(context.Background(), knowledge.SearchRequest{Query: "member referred"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "pii", got[0].MetaString(knowledge.MetaDataClassification))
	})
}

func TestScanFile(t *testing.T) {
	policy, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)

	assert.NoError(t, scanFile(policy, "clean.txt", "Each county shall provide crisis services.", true))
	assert.NoError(t, scanFile(policy, "ssn.txt", "SSN 123-45-6789", false))
	assert.ErrorIs(t, scanFile(policy, "ssn.txt", "SSN 123-45-6789", true), ErrSensitiveContent)
}

func TestAuditShow(t *testing.T) {
	dir := t.TempDir()
	sink, err := audit.NewBadgerSink(dir)
	require.NoError(t, err)
	ac := audit.New("evidence_curation", audit.WithSink(sink))
	ac.LogWorkflowStep(audit.WorkflowStep{StepName: "retrieval", Success: true})
	ac.LogAPIRequest(audit.APIRequest{Method: "POST", Path: "/curation/process", StatusCode: 200, Success: true})
	require.NoError(t, sink.Close())

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--log-level", "error", "audit", "show", ac.TraceID(), "--dir", dir})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "OPERATION")
	assert.Contains(t, text, "retrieval")
	assert.Contains(t, text, "POST /curation/process 200")

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--log-level", "error", "audit", "show", ac.TraceID(), "--dir", dir, "--json"})
	require.NoError(t, cmd.Execute())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var e audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.Equal(t, ac.TraceID(), e.TraceID)
}

func TestExecute_UsageErrors(t *testing.T) {
	assert.Equal(t, ExitUsage, execute([]string{"--log-level", "loud", "audit", "show", "t"}))
	assert.Equal(t, ExitUsage, execute([]string{"--log-level", "error", "curate", "q", "--priority", "urgent"}))
	assert.Equal(t, ExitUsage, execute([]string{"--log-level", "error", "curate", "q", "--output", "yaml"}))
}

func TestRouteAuditToStderr(t *testing.T) {
	tests := []struct {
		name     string
		sinkType string
		preset   audit.Sink
		rerouted bool
	}{
		{"default stdout sink", audit.SinkStdout, nil, true},
		{"unset sink type", "", nil, true},
		{"file sink untouched", audit.SinkFile, nil, false},
		{"badger sink untouched", audit.SinkBadger, nil, false},
		{"injected sink wins", audit.SinkStdout, audit.NewMemorySink(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			cfg := orchestrator.Config{Audit: audit.Config{SinkType: tt.sinkType}, AuditSink: tt.preset}
			routeAuditToStderr(&cfg, &stderr)

			if !tt.rerouted {
				assert.Equal(t, tt.preset, cfg.AuditSink)
				return
			}
			require.NotNil(t, cfg.AuditSink)
			ac := audit.New("cli", audit.WithSink(cfg.AuditSink))
			ac.LogAPIRequest(audit.APIRequest{Method: "POST", Path: "/curation/process", StatusCode: 200, Success: true})
			assert.Contains(t, stderr.String(), `"operation":"api_request"`)
		})
	}
}

func TestCurateCommand_StdoutIsOneJSONDocument(t *testing.T) {
	for _, key := range []string{
		"WEAVIATE_SERVICE_URL", "EMBEDDING_SERVICE_URL", "AUDIT_SINK", "PLATFORM_FLAGS_FILE",
		"CURATOR_CONFIG", "CURATOR_LOG_DIR", "CURATOR_API_KEYS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("LLM_BACKEND_TYPE", "stub")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--log-level", "error", "curate", "What must counties report?", "--output", "json"})
	require.NoError(t, cmd.Execute())

	dec := json.NewDecoder(&stdout)
	var resp curation.Response
	require.NoError(t, dec.Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, curation.NoEvidenceAnswer, resp.Curation.FinalAnswer)

	var extra json.RawMessage
	assert.ErrorIs(t, dec.Decode(&extra), io.EOF, "nothing may follow the response on stdout")

	assert.Contains(t, stderr.String(), `"operation":"llm_call"`)
	assert.Contains(t, stderr.String(), resp.TraceID)
}
