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
	"github.com/spf13/cobra"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator"
)

func newServeCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the curation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := orchestrator.ConfigFromEnv()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			svc, err := orchestrator.New(cfg, nil)
			if err != nil {
				return err
			}
			// Audit contexts created outside a request land in the same sink.
			c := svc.Components()
			audit.SetDefaults(c.Sink, c.Config.Audit.Privacy(), c.Policy.Redact)
			defer audit.ResetDefaults()
			return svc.Run()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides CURATOR_PORT)")
	return cmd
}
