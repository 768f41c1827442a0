// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunking defaults. Overlap is 10% of the chunk size.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = DefaultChunkSize / 10
)

// SectionContent is the section_type of ordinary body text.
const SectionContent = "content"

// legalSeparators split on section markers before paragraphs.
var legalSeparators = []string{
	"\n§", "\nSection ", "\nSECTION ", "\nArticle ", "\nChapter ",
	"\n\n", "\n", " ", "",
}

var (
	headingPattern = regexp.MustCompile(`(?m)^\s*((?:§+|Section|SECTION|Sec\.|Article|Chapter)\s*[0-9][0-9A-Za-z.\-()]*[^\n]{0,80})`)
	dotLeader      = regexp.MustCompile(`\.{5,}\s*\d+\s*$`)
)

// Document is one source document to ingest.
type Document struct {
	// DocumentID is the citation string stored with every chunk.
	DocumentID string
	// SourceType is SourceStatute or SourcePolicy.
	SourceType string
	// SectionType overrides detection for every chunk, e.g. SectionTOC.
	SectionType string
	Content     string
}

// Classifier names the data classification of a piece of text, such as
// "pii" or "public".
type Classifier interface {
	ClassifyData(data []byte) string
}

// publicClass is the label a Classifier returns for unremarkable text.
const publicClass = "public"

// IngestorConfig configures chunking.
type IngestorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// Classifier, when set, tags every chunk with MetaDataClassification.
	Classifier Classifier
}

// Ingestor splits documents, embeds the chunks and writes them.
//
// # Thread Safety
//
// Safe for concurrent use when the embedder and writer are.
type Ingestor struct {
	embedder   Embedder
	writer     Writer
	classifier Classifier
	splitter   textsplitter.TextSplitter
}

// NewIngestor creates an ingestor. embedder may be nil for writers that
// do not need vectors, such as StaticIndex.
func NewIngestor(cfg IngestorConfig, embedder Embedder, writer Writer) *Ingestor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	return &Ingestor{
		embedder:   embedder,
		writer:     writer,
		classifier: cfg.Classifier,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
			textsplitter.WithSeparators(legalSeparators),
		),
	}
}

// Ingest chunks doc and writes it. Returns the number of chunks stored.
func (in *Ingestor) Ingest(ctx context.Context, doc Document) (int, error) {
	if doc.SourceType != SourceStatute && doc.SourceType != SourcePolicy {
		return 0, fmt.Errorf("source type must be %q or %q, got %q", SourceStatute, SourcePolicy, doc.SourceType)
	}
	if strings.TrimSpace(doc.DocumentID) == "" {
		return 0, fmt.Errorf("document id is required")
	}

	texts, err := in.splitter.SplitText(doc.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to split %s: %w", doc.DocumentID, err)
	}
	if len(texts) == 0 {
		slog.Warn("No chunks produced after splitting", "document_id", doc.DocumentID)
		return 0, nil
	}

	chunks := buildChunks(doc, texts)
	if in.classifier != nil {
		if n := classifyChunks(in.classifier, chunks); n > 0 {
			slog.Warn("Document contains sensitive chunks",
				"document_id", doc.DocumentID,
				"sensitive_chunks", n,
				"chunks", len(chunks),
			)
		}
	}

	if in.embedder != nil {
		vectors, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed %s: %w", doc.DocumentID, err)
		}
		if len(vectors) != len(chunks) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Vector = vectors[i]
		}
	}

	stored, err := in.writer.Insert(ctx, chunks)
	if err != nil {
		return stored, err
	}
	slog.Info("Ingested document",
		"document_id", doc.DocumentID,
		"source_type", doc.SourceType,
		"chunks", len(chunks),
		"stored", stored,
	)
	return stored, nil
}

// buildChunks attaches metadata and a content-derived ID to each piece.
// A chunk without its own heading inherits the previous one.
func buildChunks(doc Document, texts []string) []IndexedChunk {
	chunks := make([]IndexedChunk, len(texts))
	heading := ""
	for i, text := range texts {
		if h := detectHeading(text); h != "" {
			heading = h
		}
		sectionType := doc.SectionType
		if sectionType == "" {
			sectionType = detectSectionType(text)
		}
		meta := map[string]any{
			MetaSourceType:  doc.SourceType,
			MetaDocumentID:  doc.DocumentID,
			MetaSectionType: sectionType,
			MetaChunkIndex:  i,
		}
		if heading != "" {
			meta[MetaSectionHeading] = heading
		}
		chunks[i] = IndexedChunk{
			ID:       chunkID(doc.DocumentID, text),
			Content:  text,
			Metadata: meta,
		}
	}
	return chunks
}

// classifyChunks tags each chunk and returns how many are not public.
func classifyChunks(c Classifier, chunks []IndexedChunk) int {
	sensitive := 0
	for i := range chunks {
		class := c.ClassifyData([]byte(chunks[i].Content))
		chunks[i].Metadata[MetaDataClassification] = class
		if class != publicClass {
			sensitive++
		}
	}
	return sensitive
}

func chunkID(documentID, text string) string {
	hash := sha256.Sum256([]byte(documentID + "\x00" + text))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

func detectHeading(text string) string {
	m := headingPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// detectSectionType marks tables of contents: an explicit title, or a
// chunk where most lines end in dot leaders and page numbers.
func detectSectionType(text string) string {
	if strings.Contains(strings.ToUpper(text), "TABLE OF CONTENTS") {
		return SectionTOC
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	leaders := 0
	for _, l := range lines {
		if dotLeader.MatchString(l) {
			leaders++
		}
	}
	if len(lines) >= 3 && leaders*2 >= len(lines) {
		return SectionTOC
	}
	return SectionContent
}
