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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/policy_engine"
)

type ingestFlags struct {
	sourceType   string
	documentID   string
	sectionType  string
	chunkSize    int
	chunkOverlap int
	workers      int
	// rejectSensitive fails a file whose text matches any classification
	// pattern instead of only logging the findings.
	rejectSensitive bool
}

func newIngestCommand() *cobra.Command {
	f := &ingestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed and store source documents in Weaviate",
		Long: `Splits each file on legal section markers, embeds the chunks with
EMBEDDING_SERVICE_URL and writes them to the WEAVIATE_CLASS collection at
WEAVIATE_SERVICE_URL. Chunk IDs are derived from content, so re-ingesting
a file overwrites rather than duplicates.

Every file is scanned for secrets, PHI and PII before it is chunked, and
every chunk is tagged with its data_classification. Findings are logged
by pattern and line; --reject-sensitive turns them into a failure.

The document ID defaults to the file name; --document-id sets it when a
single file is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			if err := f.validate(len(files)); err != nil {
				return usageError(err)
			}

			cfg := orchestrator.ConfigFromEnv()
			if cfg.WeaviateURL == "" || cfg.EmbeddingURL == "" {
				return usageError(fmt.Errorf("WEAVIATE_SERVICE_URL and EMBEDDING_SERVICE_URL are required"))
			}
			client, err := knowledge.NewWeaviateClient(cfg.WeaviateURL)
			if err != nil {
				return err
			}
			class := cfg.WeaviateClass
			if class == "" {
				class = knowledge.DefaultClassName
			}
			embedder := knowledge.NewHTTPEmbedder(cfg.EmbeddingURL)
			index := knowledge.NewWeaviateIndex(client, embedder, class)
			if err := index.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("weaviate schema: %w", err)
			}

			policy, err := policy_engine.NewPolicyEngine()
			if err != nil {
				return fmt.Errorf("failed to load classification patterns: %w", err)
			}
			ingestor := knowledge.NewIngestor(knowledge.IngestorConfig{
				ChunkSize:    f.chunkSize,
				ChunkOverlap: f.chunkOverlap,
				Classifier:   policy,
			}, embedder, index)

			return ingestFiles(cmd.Context(), ingestor, policy, files, f, cmd.OutOrStdout())
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.sourceType, "source-type", "", "statute or policy (required)")
	fl.StringVar(&f.documentID, "document-id", "", "citation stored with every chunk")
	fl.StringVar(&f.sectionType, "section-type", "", "force a section type, e.g. toc")
	fl.IntVar(&f.chunkSize, "chunk-size", knowledge.DefaultChunkSize, "characters per chunk")
	fl.IntVar(&f.chunkOverlap, "chunk-overlap", knowledge.DefaultChunkOverlap, "characters shared by adjacent chunks")
	fl.IntVar(&f.workers, "workers", 4, "files ingested in parallel")
	fl.BoolVar(&f.rejectSensitive, "reject-sensitive", false, "fail files containing secrets, PHI or PII")
	_ = cmd.MarkFlagRequired("source-type")
	return cmd
}

func (f *ingestFlags) validate(files int) error {
	if f.sourceType != knowledge.SourceStatute && f.sourceType != knowledge.SourcePolicy {
		return fmt.Errorf("--source-type must be %q or %q", knowledge.SourceStatute, knowledge.SourcePolicy)
	}
	if f.documentID != "" && files > 1 {
		return fmt.Errorf("--document-id needs exactly one file, got %d", files)
	}
	if f.workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	return nil
}

// documentID names a file's chunks when no ID was given.
func documentID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ErrSensitiveContent is returned for a file rejected by --reject-sensitive.
var ErrSensitiveContent = errors.New("file contains sensitive content")

// scanFile logs every classification finding in content. Matched text is
// never logged. With reject set, any finding fails the file.
func scanFile(policy *policy_engine.PolicyEngine, path, content string, reject bool) error {
	findings := policy.Scan(content)
	for _, fd := range findings {
		slog.Warn("Sensitive pattern in source file",
			"path", path,
			"line", fd.LineNumber,
			"classification", fd.ClassificationName,
			"pattern_id", fd.PatternID,
			"confidence", fd.Confidence,
		)
	}
	if reject && len(findings) > 0 {
		return fmt.Errorf("%w: %d findings", ErrSensitiveContent, len(findings))
	}
	return nil
}

// ingestFiles ingests files with at most f.workers in flight. The first
// failure cancels the rest. policy may be nil to skip scanning.
func ingestFiles(ctx context.Context, in *knowledge.Ingestor, policy *policy_engine.PolicyEngine, files []string, f *ingestFlags, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	var total atomic.Int64
	for _, path := range files {
		g.Go(func() error {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if policy != nil {
				if err := scanFile(policy, path, string(content), f.rejectSensitive); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			id := f.documentID
			if id == "" {
				id = documentID(path)
			}
			n, err := in.Ingest(ctx, knowledge.Document{
				DocumentID:  id,
				SourceType:  f.sourceType,
				SectionType: f.sectionType,
				Content:     string(content),
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			total.Add(int64(n))
			slog.Debug("File ingested", "path", path, "chunks", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(out, "ingested %d files, %d chunks\n", len(files), total.Load())
	return nil
}
