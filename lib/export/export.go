// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package export materializes golden files: for each (producer, kind)
// pair, the latest committed artifact is copied to a stable path under
// the exports directory so downstream consumers never need to query
// the catalog. Golden files are replaced atomically and a JSON status
// ledger records the outcome of every refresh.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/artifactbus/lib/catalog"
	"github.com/bureau-foundation/artifactbus/lib/clock"
	"github.com/bureau-foundation/artifactbus/lib/hash"
)

// Golden file naming under <exports>/<producer>/<kind>/.
const (
	goldenName     = "latest.parquet"
	goldenZstdName = "latest.parquet.zst"
	ledgerName     = "status.json"
)

// Compression selects how golden files are written.
type Compression string

const (
	// CompressionNone copies the artifact bytes verbatim.
	CompressionNone Compression = "none"

	// CompressionZstd writes a zstd-compressed golden file with a
	// .parquet.zst name. Consumers that mmap Parquet directly should
	// use CompressionNone.
	CompressionZstd Compression = "zstd"
)

// Engine refreshes golden exports from the catalog.
type Engine struct {
	catalog     *catalog.Catalog
	exportsDir  string
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger

	// ledgerMu serializes read-modify-write cycles on the status
	// ledger. Refresh and Heartbeat run on different goroutines; an
	// unserialized stale read would let one write clobber the other.
	ledgerMu sync.Mutex
}

// New creates an export Engine writing into exportsDir.
func New(cat *catalog.Catalog, exportsDir string, compression Compression, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch compression {
	case CompressionNone, CompressionZstd:
	default:
		return nil, fmt.Errorf("export: unknown compression %q", compression)
	}
	if err := os.MkdirAll(exportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: creating exports directory: %w", err)
	}
	return &Engine{
		catalog:     cat,
		exportsDir:  exportsDir,
		compression: compression,
		clock:       clk,
		logger:      logger,
	}, nil
}

// GoldenPath returns where the golden file for a target lives.
func (e *Engine) GoldenPath(target catalog.ProducerKind) string {
	name := goldenName
	if e.compression == CompressionZstd {
		name = goldenZstdName
	}
	return filepath.Join(e.exportsDir, target.Producer, target.Kind, name)
}

// TargetStatus is one target's entry in the status ledger.
type TargetStatus struct {
	// OK reports whether the last refresh succeeded.
	OK bool `json:"ok"`

	// Error holds the failure message when OK is false.
	Error string `json:"error,omitempty"`

	// Path is the golden file location after a successful refresh.
	Path string `json:"path,omitempty"`

	// ContentHash is the hash of the exported artifact (of the
	// uncompressed bytes, regardless of compression).
	ContentHash string `json:"content_hash,omitempty"`

	// RunID identifies the run whose artifact is exported.
	RunID string `json:"run_id,omitempty"`

	// Rows is the exported artifact's row count.
	Rows int64 `json:"rows"`

	// RefreshedAt is when the last refresh attempt finished.
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Ledger is the durable status document at <exports>/status.json.
type Ledger struct {
	// UpdatedAt is when the ledger was last rewritten.
	UpdatedAt time.Time `json:"updated_at"`

	// HeartbeatAt is the daemon's last liveness mark. Operators alarm
	// on this going stale.
	HeartbeatAt time.Time `json:"heartbeat_at"`

	// Targets maps "producer/kind" to the last refresh outcome.
	Targets map[string]TargetStatus `json:"targets"`
}

// Refresh re-exports the latest artifact for one target. Failures are
// recorded in the ledger and returned; they never corrupt an existing
// golden file, which stays at its previous content until a refresh
// succeeds.
func (e *Engine) Refresh(ctx context.Context, target catalog.ProducerKind) error {
	status := e.refresh(ctx, target)
	if err := e.recordStatus(target, status); err != nil {
		return err
	}
	if !status.OK {
		e.logger.Warn("export refresh failed",
			"producer", target.Producer,
			"kind", target.Kind,
			"error", status.Error,
		)
		return errors.New(status.Error)
	}
	e.logger.Info("export refreshed",
		"producer", target.Producer,
		"kind", target.Kind,
		"path", status.Path,
		"rows", status.Rows,
	)
	return nil
}

// RefreshAll refreshes every target known to the catalog. Individual
// failures are recorded and skipped; the first error is returned after
// all targets have been attempted.
func (e *Engine) RefreshAll(ctx context.Context) error {
	targets, err := e.catalog.Targets(ctx)
	if err != nil {
		return fmt.Errorf("export: listing targets: %w", err)
	}
	var firstErr error
	for _, target := range targets {
		if err := e.Refresh(ctx, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Heartbeat stamps the ledger's liveness field without touching any
// target status.
func (e *Engine) Heartbeat() error {
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()

	ledger, err := e.ReadLedger()
	if err != nil {
		return err
	}
	ledger.HeartbeatAt = e.clock.Now()
	return e.writeLedger(ledger)
}

// ReadLedger loads the status ledger. A missing ledger yields an empty
// one, not an error.
func (e *Engine) ReadLedger() (*Ledger, error) {
	data, err := os.ReadFile(filepath.Join(e.exportsDir, ledgerName))
	if errors.Is(err, os.ErrNotExist) {
		return &Ledger{Targets: make(map[string]TargetStatus)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("export: reading status ledger: %w", err)
	}
	var ledger Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("export: decoding status ledger: %w", err)
	}
	if ledger.Targets == nil {
		ledger.Targets = make(map[string]TargetStatus)
	}
	return &ledger, nil
}

// ReadLedgerFrom loads the status ledger under an exports directory
// without constructing an Engine. Used by the operator CLI.
func ReadLedgerFrom(exportsDir string) (*Ledger, error) {
	e := &Engine{exportsDir: exportsDir}
	return e.ReadLedger()
}

// refresh performs the copy for one target and reports the outcome.
func (e *Engine) refresh(ctx context.Context, target catalog.ProducerKind) TargetStatus {
	now := e.clock.Now()
	fail := func(err error) TargetStatus {
		return TargetStatus{OK: false, Error: err.Error(), RefreshedAt: now}
	}

	entries, err := e.catalog.LatestArtifacts(ctx, target.Producer, target.Kind)
	if err != nil {
		return fail(fmt.Errorf("querying latest artifact: %w", err))
	}
	if len(entries) == 0 {
		return fail(fmt.Errorf("no committed artifact for %s/%s", target.Producer, target.Kind))
	}
	entry := entries[0]

	goldenPath := e.GoldenPath(target)
	if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
		return fail(fmt.Errorf("creating export directory: %w", err))
	}
	if err := e.writeGolden(entry.CanonicalPath, goldenPath, entry.ContentHash); err != nil {
		return fail(err)
	}

	return TargetStatus{
		OK:          true,
		Path:        goldenPath,
		ContentHash: entry.ContentHash.String(),
		RunID:       entry.Identity.RunID,
		Rows:        entry.Rows,
		RefreshedAt: now,
	}
}

// writeGolden copies the canonical artifact to the golden path via a
// temp file and atomic rename, verifying the content hash on the way
// through. A reader never sees a partially written golden file.
func (e *Engine) writeGolden(sourcePath, goldenPath string, want hash.Hash) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening canonical artifact: %w", err)
	}
	defer source.Close()

	temp, err := os.CreateTemp(filepath.Dir(goldenPath), ".golden-*")
	if err != nil {
		return fmt.Errorf("creating temp golden file: %w", err)
	}
	tempPath := temp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	var sink io.Writer = temp
	var encoder *zstd.Encoder
	if e.compression == CompressionZstd {
		encoder, err = zstd.NewWriter(temp)
		if err != nil {
			temp.Close()
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		sink = encoder
	}

	// The hash is taken over the uncompressed bytes on their way into
	// the sink, so the golden file and the hash check share one read
	// of the canonical artifact.
	got, _, err := hash.ContentReader(io.TeeReader(source, sink))
	if err != nil {
		temp.Close()
		return fmt.Errorf("copying artifact: %w", err)
	}
	if got != want {
		temp.Close()
		return fmt.Errorf("canonical artifact %s does not match its cataloged hash", sourcePath)
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			temp.Close()
			return fmt.Errorf("finishing zstd stream: %w", err)
		}
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing temp golden file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing temp golden file: %w", err)
	}

	if err := os.Rename(tempPath, goldenPath); err != nil {
		return fmt.Errorf("publishing golden file: %w", err)
	}
	success = true
	return nil
}

// recordStatus merges one target's outcome into the ledger and writes
// it back durably.
func (e *Engine) recordStatus(target catalog.ProducerKind, status TargetStatus) error {
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()

	ledger, err := e.ReadLedger()
	if err != nil {
		return err
	}
	ledger.Targets[target.Producer+"/"+target.Kind] = status
	return e.writeLedger(ledger)
}

// writeLedger persists the ledger via temp file and rename.
func (e *Engine) writeLedger(ledger *Ledger) error {
	ledger.UpdatedAt = e.clock.Now()

	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshaling status ledger: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(e.exportsDir, ledgerName)
	temp, err := os.CreateTemp(e.exportsDir, ".status-*")
	if err != nil {
		return fmt.Errorf("export: creating temp ledger: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("export: writing temp ledger: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("export: syncing temp ledger: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("export: closing temp ledger: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("export: publishing status ledger: %w", err)
	}
	return nil
}
