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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator"
)

type curateFlags struct {
	topic      string
	subSection string
	category   string
	priority   string
	topK       int
	threshold  float64
	legacy     bool
	output     string
}

// Output formats for curate.
const (
	OutputAuto = "auto"
	OutputText = "text"
	OutputJSON = "json"
)

// curator is the part of curation.Orchestrator the command needs.
type curator interface {
	Execute(ctx context.Context, req curation.Request) *curation.Response
}

func newCurateCommand() *cobra.Command {
	f := &curateFlags{}
	cmd := &cobra.Command{
		Use:   "curate <question>",
		Short: "Run one curation and print the result",
		Long: `Runs the curation pipeline once against the configured model and
document index, without starting the server. Audit entries go to the
configured AUDIT_SINK.

Output is text on a terminal and JSON otherwise; --output overrides.
The exit code is 1 when the pipeline reports a failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := curation.Request{
				Question:            strings.Join(args, " "),
				Topic:               f.topic,
				SubSection:          f.subSection,
				Category:            f.category,
				Priority:            f.priority,
				TopK:                f.topK,
				SimilarityThreshold: f.threshold,
			}
			if err := req.Validate(); err != nil {
				return usageError(err)
			}
			format, err := resolveOutput(f.output, os.Stdout)
			if err != nil {
				return usageError(err)
			}

			cfg := orchestrator.ConfigFromEnv()
			routeAuditToStderr(&cfg, cmd.ErrOrStderr())
			if cmd.Flags().Changed("legacy") {
				cfg.LegacyPipeline = f.legacy
			}
			c, err := orchestrator.Build(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runCurate(ctx, c.Curator, req, cmd.OutOrStdout(), format)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.topic, "topic", "", "compliance topic, e.g. \"Crisis Services\"")
	fl.StringVar(&f.subSection, "sub-section", "", "sub-section within the topic")
	fl.StringVar(&f.category, "category", "", "document category filter")
	fl.StringVar(&f.priority, "priority", "", "low, medium, high or critical")
	fl.IntVar(&f.topK, "top-k", 0, "chunks per source type (0: server default)")
	fl.Float64Var(&f.threshold, "threshold", 0, "similarity threshold (0: server default)")
	fl.BoolVar(&f.legacy, "legacy", false, "use the legacy analysis pipeline")
	fl.StringVarP(&f.output, "output", "o", OutputAuto, "auto, text or json")
	return cmd
}

// routeAuditToStderr keeps stdout for the curation result alone. A stdout
// audit sink (the default) would interleave NDJSON entries with it.
func routeAuditToStderr(cfg *orchestrator.Config, stderr io.Writer) {
	if cfg.AuditSink != nil {
		return
	}
	if t := cfg.Audit.SinkType; t == "" || t == audit.SinkStdout {
		cfg.AuditSink = audit.NewWriterSink(stderr)
	}
}

// resolveOutput maps auto to text on a terminal and JSON elsewhere.
func resolveOutput(format string, stdout *os.File) (string, error) {
	switch format {
	case OutputText, OutputJSON:
		return format, nil
	case OutputAuto, "":
		fd := stdout.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return OutputText, nil
		}
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

func runCurate(ctx context.Context, c curator, req curation.Request, out io.Writer, format string) error {
	resp := c.Execute(ctx, req)

	if format == OutputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		writeResponseText(out, resp)
	}

	if !resp.Success {
		return failed()
	}
	return nil
}

func writeResponseText(out io.Writer, resp *curation.Response) {
	fmt.Fprintln(out, resp.FinalResponse)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "trace: %s  pipeline: %s\n", resp.TraceID, resp.Pipeline)

	if s := resp.Curation; s != nil {
		fmt.Fprintf(out, "evidence: %d statute, %d policy chunks; %d extracted, %d verified, %d rejected\n",
			len(s.StatuteChunks), len(s.PolicyChunks),
			len(s.ExtractedRequirements), len(s.VerifiedRequirements), len(s.RejectedRequirements))
		fmt.Fprintf(out, "confidence: %s  quality: %.2f  revisions: %d\n",
			s.CompositionConfidence, s.QualityScore, s.RevisionCount)
	}
	if l := resp.Legacy; l != nil {
		fmt.Fprintf(out, "revisions: %d\n", l.RevisionCount)
	}
}
