// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/artifactbus/cmd/artifactbus/cli"
	"github.com/bureau-foundation/artifactbus/lib/clock"
	"github.com/bureau-foundation/artifactbus/lib/producer"
)

func submitCommand() *cli.Command {
	var (
		configPath string
		runID      string
		producerID string
		kind       string
		artifactID string
		schemaHint string
		rows       int64
		meta       []string
	)

	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("submit", pflag.ContinueOnError)
		flagSet.StringVar(&configPath, "config", "", "path to artifactbus.yaml")
		flagSet.StringVar(&runID, "run", "", "run identifier (required)")
		flagSet.StringVar(&producerID, "producer", "", "producer name (required)")
		flagSet.StringVar(&kind, "kind", "", "artifact kind (required)")
		flagSet.StringVar(&artifactID, "artifact-id", "", "artifact identifier (generated when omitted)")
		flagSet.StringVar(&schemaHint, "schema", "", "schema hint (must be registered with the daemon)")
		flagSet.Int64Var(&rows, "rows", 0, "row count of the payload")
		flagSet.StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
		return flagSet
	}

	return &cli.Command{
		Name:    "submit",
		Summary: "submit a Parquet artifact to the bus inbox",
		Usage:   "artifactbus submit --run <id> --producer <name> --kind <kind> [flags] <data.parquet>",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("submit takes exactly one data file argument")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			metaMap := make(map[string]any, len(meta))
			for _, pair := range meta {
				key, value, found := strings.Cut(pair, "=")
				if !found || key == "" {
					return fmt.Errorf("invalid --meta %q, want key=value", pair)
				}
				metaMap[key] = value
			}

			client := producer.New(cfg.Paths.Inbox, clock.Real(), nil)
			receipt, err := client.Submit(producer.Spec{
				RunID:      runID,
				Producer:   producerID,
				Kind:       kind,
				ArtifactID: artifactID,
				DataPath:   args[0],
				SchemaHint: schemaHint,
				Rows:       rows,
				Meta:       metaMap,
			})
			if err != nil {
				return err
			}

			fmt.Printf("submitted %s\n", receipt.Identity)
			fmt.Printf("  content hash: %s\n", receipt.ContentHash)
			fmt.Printf("  inbox base:   %s\n", receipt.Base)
			return nil
		},
	}
}
