// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command curator runs compliance curation as a server or from the shell.
//
//	curator serve                       start the HTTP API
//	curator curate "question" --topic   run one curation and print it
//	curator ingest --source-type statute --document-id "W&I Code" file.txt
//	curator audit show <trace_id>       print a persisted audit trail
//
// Configuration comes from the environment and the optional CURATOR_CONFIG
// YAML file; see orchestrator.Config for the keys.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/logging"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

type rootFlags struct {
	logLevel string
	logDir   string
	jsonLogs bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var exit *exitError
		if asExitError(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", exit.err)
			}
			return exit.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitFailure
	}
	return ExitSuccess
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	var logger *logging.Logger

	root := &cobra.Command{
		Use:           "curator",
		Short:         "Evidence-first compliance curation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(flags.logLevel)
			if err != nil {
				return usageError(err)
			}
			logger = logging.New(logging.Config{
				Level:   level,
				LogDir:  flags.logDir,
				Service: "curator",
				JSON:    flags.jsonLogs,
			})
			logger.SetDefault()
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if logger != nil {
				return logger.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", envOr("CURATOR_LOG_LEVEL", "info"), "debug, info, warn or error")
	pf.StringVar(&flags.logDir, "log-dir", os.Getenv("CURATOR_LOG_DIR"), "also write JSON logs to this directory")
	pf.BoolVar(&flags.jsonLogs, "json-logs", false, "log to stderr as JSON")

	root.AddCommand(
		newServeCommand(),
		newCurateCommand(),
		newIngestCommand(),
		newAuditCommand(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
