// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// The artifactbus-daemon is the bus process: it watches the inbox,
// validates and commits submissions into the write-once store,
// maintains the SQLite catalog, and keeps golden exports fresh. Run
// exactly one per bus root.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/artifactbus/lib/buslock"
	"github.com/bureau-foundation/artifactbus/lib/catalog"
	"github.com/bureau-foundation/artifactbus/lib/clock"
	"github.com/bureau-foundation/artifactbus/lib/config"
	"github.com/bureau-foundation/artifactbus/lib/daemon"
	"github.com/bureau-foundation/artifactbus/lib/export"
	"github.com/bureau-foundation/artifactbus/lib/inbox"
	"github.com/bureau-foundation/artifactbus/lib/store"
	"github.com/bureau-foundation/artifactbus/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var showVersion bool
	var configPath string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to artifactbus.yaml (defaults to $"+config.EnvVar+")")
	flag.Parse()

	if showVersion {
		fmt.Printf("artifactbus-daemon %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	box, err := inbox.Open(cfg.Paths.Inbox, logger)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Paths.Store, logger)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(catalog.Config{Path: cfg.Paths.Catalog, Logger: logger})
	if err != nil {
		return err
	}
	defer cat.Close()
	if err := cat.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating catalog: %w", err)
	}

	engine, err := export.New(cat, cfg.Paths.Exports, export.Compression(cfg.Export.Compression), clk, logger)
	if err != nil {
		return err
	}

	d := daemon.New(
		daemon.Config{
			LockTimeout:  cfg.LockTimeout(),
			ScanInterval: cfg.ScanInterval(),
			SchemaHints:  cfg.Daemon.SchemaHints,
		},
		box,
		st,
		cat,
		buslock.New(cfg.Paths.Lock, clk, logger),
		engine,
		clk,
		logger,
	)

	logger.Info("starting artifact bus daemon",
		"version", version.Info(),
		"root", cfg.Paths.Root,
	)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
