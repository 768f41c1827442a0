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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect persisted audit trails",
	}
	cmd.AddCommand(newAuditShowCommand())
	return cmd
}

func newAuditShowCommand() *cobra.Command {
	var (
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <trace_id>",
		Short: "Print every entry of one trace from a badger audit store",
		Long: `Reads the trail written by AUDIT_SINK=badger. The server holds the
store open, so run this against a copy or with the server stopped, or use
GET /audit/<trace_id> instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = audit.ConfigFromEnv().BadgerDir
			}
			sink, err := audit.NewBadgerSink(dir)
			if err != nil {
				return err
			}
			defer sink.Close()

			entries, err := sink.ReadTrail(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no audit entries for trace %s", args[0])
			}
			return writeTrail(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "badger directory (default AUDIT_BADGER_DIR)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON lines")
	return cmd
}

func writeTrail(out io.Writer, entries []audit.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tDETAIL\tOK\tLATENCY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%.0fms\n",
			e.Timestamp.Format(time.RFC3339), e.Operation, entryDetail(e), e.Success, e.LatencyMS)
	}
	return tw.Flush()
}

func entryDetail(e audit.Entry) string {
	switch e.Operation {
	case audit.OpLLMCall:
		if e.ErrorType != "" {
			return fmt.Sprintf("%s (%s)", e.Model, e.ErrorType)
		}
		return e.Model
	case audit.OpRetrieval:
		return fmt.Sprintf("%s, %d results", e.Strategy, e.NResults)
	case audit.OpWorkflowStep:
		return e.StepName
	case audit.OpAPIRequest:
		return fmt.Sprintf("%s %s %d", e.Method, e.Path, e.StatusCode)
	default:
		return ""
	}
}
