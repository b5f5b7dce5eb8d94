// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the artifactbus operator CLI: submitting
// artifacts, querying the catalog, and inspecting export status.
package commands

import (
	"fmt"

	"github.com/bureau-foundation/artifactbus/cmd/artifactbus/cli"
	"github.com/bureau-foundation/artifactbus/lib/config"
	"github.com/bureau-foundation/artifactbus/lib/version"
)

// Root builds the full command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "artifactbus",
		Summary: "operator tooling for the write-once artifact bus",
		Description: "artifactbus submits artifacts to the bus, queries the catalog,\n" +
			"and inspects golden export status.",
		Subcommands: []*cli.Command{
			submitCommand(),
			latestCommand(),
			statusCommand(),
			{
				Name:    "version",
				Summary: "print version information",
				Run: func(args []string) error {
					fmt.Println(version.Full())
					return nil
				},
			},
		},
	}
}

// loadConfig resolves the configuration from --config or the
// environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
