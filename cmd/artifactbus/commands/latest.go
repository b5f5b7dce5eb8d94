// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/artifactbus/cmd/artifactbus/cli"
	"github.com/bureau-foundation/artifactbus/lib/catalog"
)

// latestRow is the JSON shape emitted by `latest --json`.
type latestRow struct {
	RunID         string    `json:"run_id"`
	Producer      string    `json:"producer"`
	Kind          string    `json:"kind"`
	ArtifactID    string    `json:"artifact_id"`
	CanonicalPath string    `json:"canonical_path"`
	ContentHash   string    `json:"content_hash"`
	SchemaHint    string    `json:"schema_hint,omitempty"`
	Rows          int64     `json:"rows"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

func latestCommand() *cli.Command {
	var (
		configPath string
		producerID string
		kind       string
		asJSON     bool
	)

	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("latest", pflag.ContinueOnError)
		flagSet.StringVar(&configPath, "config", "", "path to artifactbus.yaml")
		flagSet.StringVar(&producerID, "producer", "", "filter by producer")
		flagSet.StringVar(&kind, "kind", "", "filter by kind")
		flagSet.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
		return flagSet
	}

	return &cli.Command{
		Name:    "latest",
		Summary: "show the latest committed artifact per (producer, kind)",
		Usage:   "artifactbus latest [--producer <name>] [--kind <kind>] [--json]",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("latest takes no positional arguments")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Read-only: the CLI must work while the daemon runs, and
			// must never contend for the catalog lock.
			cat, err := catalog.Open(catalog.Config{Path: cfg.Paths.Catalog, ReadOnly: true})
			if err != nil {
				return err
			}
			defer cat.Close()

			entries, err := cat.LatestArtifacts(context.Background(), producerID, kind)
			if err != nil {
				return err
			}

			rows := make([]latestRow, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, latestRow{
					RunID:         entry.Identity.RunID,
					Producer:      entry.Identity.Producer,
					Kind:          entry.Identity.Kind,
					ArtifactID:    entry.Identity.ArtifactID,
					CanonicalPath: entry.CanonicalPath,
					ContentHash:   entry.ContentHash.String(),
					SchemaHint:    entry.SchemaHint,
					Rows:          entry.Rows,
					LastSeenAt:    entry.LastSeenAt,
				})
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(rows)
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "PRODUCER\tKIND\tRUN\tROWS\tLAST SEEN\tPATH")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					row.Producer, row.Kind, row.RunID, row.Rows,
					row.LastSeenAt.Format(time.RFC3339), row.CanonicalPath)
			}
			return tw.Flush()
		},
	}
}
