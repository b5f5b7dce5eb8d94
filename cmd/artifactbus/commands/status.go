// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/artifactbus/cmd/artifactbus/cli"
	"github.com/bureau-foundation/artifactbus/lib/export"
)

func statusCommand() *cli.Command {
	var (
		configPath string
		asJSON     bool
	)

	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
		flagSet.StringVar(&configPath, "config", "", "path to artifactbus.yaml")
		flagSet.BoolVar(&asJSON, "json", false, "emit the raw status ledger as JSON")
		return flagSet
	}

	return &cli.Command{
		Name:    "status",
		Summary: "show golden export status and daemon liveness",
		Usage:   "artifactbus status [--json]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("status takes no positional arguments")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ledger, err := export.ReadLedgerFrom(cfg.Paths.Exports)
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(ledger)
			}

			if ledger.HeartbeatAt.IsZero() {
				fmt.Println("daemon heartbeat: never")
			} else {
				fmt.Printf("daemon heartbeat: %s (%s ago)\n",
					ledger.HeartbeatAt.Format(time.RFC3339),
					time.Since(ledger.HeartbeatAt).Round(time.Second))
			}

			names := make([]string, 0, len(ledger.Targets))
			for name := range ledger.Targets {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tSTATE\tROWS\tREFRESHED\tDETAIL")
			for _, name := range names {
				status := ledger.Targets[name]
				state, detail := "ok", status.Path
				if !status.OK {
					state, detail = "failed", status.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					name, state, status.Rows,
					status.RefreshedAt.Format(time.RFC3339), detail)
			}
			return tw.Flush()
		},
	}
}
