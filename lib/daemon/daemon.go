// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon runs the artifact bus: it scans the inbox, validates
// submissions, commits artifacts into the write-once store, records
// them in the catalog under the advisory lock, and keeps golden
// exports fresh.
//
// The commit sequence for a job is a two-phase protocol:
//
//  1. write a durable commit marker under the store
//  2. rename the data file to its canonical store path
//  3. upsert the catalog row (under the lock)
//  4. clear the marker and remove the job from the inbox
//
// A crash between any two steps is recoverable: the marker says what
// was promised, the store says what was delivered, and replaying the
// upsert is idempotent. Nothing is ever lost and nothing is ever
// silently dropped — a job leaves the inbox only into the store or
// into rejected/.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/buslock"
	"github.com/bureau-foundation/artifactbus/lib/catalog"
	"github.com/bureau-foundation/artifactbus/lib/clock"
	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/inbox"
	"github.com/bureau-foundation/artifactbus/lib/store"
)

// JobSource is the inbox surface the daemon consumes. *inbox.Inbox
// implements it; tests may substitute their own.
type JobSource interface {
	Scan() ([]*inbox.Job, error)
	Reject(job *inbox.Job, reason string, now time.Time) error
	Remove(job *inbox.Job) error
}

// Exporter refreshes golden files. *export.Engine implements it.
type Exporter interface {
	Refresh(ctx context.Context, target catalog.ProducerKind) error
	Heartbeat() error
}

// Config carries the daemon's tunables.
type Config struct {
	// LockTimeout bounds each catalog lock acquisition. A job whose
	// lock wait exceeds this stays in the inbox for the next scan.
	LockTimeout time.Duration

	// ScanInterval is the pause between inbox scans.
	ScanInterval time.Duration

	// SchemaHints are registered in the catalog at startup. Submissions
	// carrying a non-empty hint outside this set are rejected.
	SchemaHints []string
}

// Daemon is the single writer of the store and (modulo external
// writers honoring the lock) the catalog.
type Daemon struct {
	cfg      Config
	source   JobSource
	store    *store.Store
	catalog  *catalog.Catalog
	lock     *buslock.Manager
	exporter Exporter
	clock    clock.Clock
	logger   *slog.Logger

	// refreshMu guards refreshSet. Pending refresh targets coalesce:
	// committing five artifacts for one (producer, kind) between
	// export passes triggers one refresh.
	refreshMu   sync.Mutex
	refreshSet  map[catalog.ProducerKind]struct{}
	refreshWake chan struct{}
}

// New assembles a Daemon. All dependencies are required except logger.
func New(cfg Config, source JobSource, st *store.Store, cat *catalog.Catalog, lock *buslock.Manager, exporter Exporter, clk clock.Clock, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Daemon{
		cfg:         cfg,
		source:      source,
		store:       st,
		catalog:     cat,
		lock:        lock,
		exporter:    exporter,
		clock:       clk,
		logger:      logger,
		refreshSet:  make(map[catalog.ProducerKind]struct{}),
		refreshWake: make(chan struct{}, 1),
	}
}

// Run executes startup recovery and then the scan loop until ctx is
// canceled. The export worker runs on its own goroutine so a slow
// export never stalls ingestion.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.catalog.RegisterSchemas(ctx, d.cfg.SchemaHints, d.clock.Now()); err != nil {
		return fmt.Errorf("registering schema hints: %w", err)
	}
	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		d.exportWorker(ctx)
	}()

	ticker := d.clock.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	d.logger.Info("daemon running", "scan_interval", d.cfg.ScanInterval)
	for {
		if err := d.ScanOnce(ctx); err != nil {
			// Scan errors are transient (filesystem or catalog
			// hiccups); the loop keeps going.
			d.logger.Error("inbox scan failed", "error", err)
		}
		if err := d.exporter.Heartbeat(); err != nil {
			d.logger.Error("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			workers.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover replays unfinished commits after a restart. For each
// pending marker:
//
//   - store file present: the crash hit after the rename but before
//     the catalog upsert (or before the marker clear). Replay the
//     upsert and clear the marker.
//   - store file absent: the crash hit before the rename. The data
//     file is still in the inbox and the normal scan will redo the
//     whole job, so the marker is stale and is dropped.
//
// Catalog rows whose store file has gone missing are logged loudly;
// that is operator-level corruption the daemon cannot repair.
func (d *Daemon) Recover(ctx context.Context) error {
	markers, err := d.store.PendingMarkers()
	if err != nil {
		return err
	}
	for _, marker := range markers {
		if !d.store.HasArtifact(marker.Identity) {
			d.logger.Info("dropping stale commit marker",
				"identity", marker.Identity.String(),
			)
			if err := d.store.ClearMarker(marker.Identity); err != nil {
				return err
			}
			continue
		}

		d.logger.Info("replaying interrupted commit",
			"identity", marker.Identity.String(),
		)
		if err := d.catalogCommit(ctx, marker); err != nil {
			return fmt.Errorf("replaying commit for %s: %w", marker.Identity, err)
		}
		d.enqueueRefresh(catalog.ProducerKind{
			Producer: marker.Identity.Producer,
			Kind:     marker.Identity.Kind,
		})
	}

	entries, err := d.catalog.AllEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !d.store.HasArtifact(entry.Identity) {
			d.logger.Error("cataloged artifact missing from store",
				"identity", entry.Identity.String(),
				"canonical_path", entry.CanonicalPath,
			)
		}
	}
	return nil
}

// ScanOnce performs one inbox pass, processing every visible job.
func (d *Daemon) ScanOnce(ctx context.Context) error {
	jobs, err := d.source.Scan()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.process(ctx, job); err != nil {
			// The job stays in the inbox; the next scan retries it.
			d.logger.Warn("job deferred", "base", job.Base, "error", err)
		}
	}
	return nil
}

// process drives one job through validate, commit, catalog, cleanup.
func (d *Daemon) process(ctx context.Context, job *inbox.Job) error {
	if !job.HasData {
		return d.resume(ctx, job)
	}

	if reason := d.validate(ctx, job); reason != "" {
		return d.source.Reject(job, reason, d.clock.Now())
	}
	job.State = inbox.StateValidated

	marker, err := d.store.Prepare(job.Manifest, d.clock.Now())
	if err != nil {
		return err
	}

	if err := d.store.Commit(marker, job.DataPath); err != nil {
		if errors.Is(err, store.ErrWriteOnceConflict) {
			if clearErr := d.store.ClearMarker(marker.Identity); clearErr != nil {
				return clearErr
			}
			return d.source.Reject(job, err.Error(), d.clock.Now())
		}
		return err
	}

	if err := d.catalogCommit(ctx, marker); err != nil {
		// The artifact is in the store and the marker survives. If
		// this was a lock timeout the next scan sees the manifest
		// (data half gone) and resumes from the marker.
		return err
	}
	job.State = inbox.StateCommitted

	if err := d.source.Remove(job); err != nil {
		return err
	}
	d.logger.Info("artifact committed",
		"identity", marker.Identity.String(),
		"rows", marker.Rows,
	)
	d.enqueueRefresh(catalog.ProducerKind{
		Producer: marker.Identity.Producer,
		Kind:     marker.Identity.Kind,
	})
	return nil
}

// resume handles a manifest whose data half is gone. If a commit
// marker and the stored artifact both exist, a previous attempt got
// the artifact into the store but died (or timed out on the lock)
// before cataloging; finish the job. Without a marker the manifest
// belongs to a submission still in flight — the producer renames data
// before manifest, so this state resolves itself and is left alone.
func (d *Daemon) resume(ctx context.Context, job *inbox.Job) error {
	if job.Manifest == nil {
		// An undecodable manifest can never pair with data or match a
		// marker; without a rejection it would be re-scanned forever.
		return d.source.Reject(job, fmt.Sprintf("unreadable manifest: %v", job.ManifestErr), d.clock.Now())
	}
	id := job.Manifest.Identity
	if !d.store.HasArtifact(id) {
		return nil
	}

	if d.store.HasMarker(id) {
		markers, err := d.store.PendingMarkers()
		if err != nil {
			return err
		}
		for _, marker := range markers {
			if marker.Identity != id {
				continue
			}
			d.logger.Info("resuming half-committed job", "identity", id.String())
			if err := d.catalogCommit(ctx, marker); err != nil {
				return err
			}
			if err := d.source.Remove(job); err != nil {
				return err
			}
			d.enqueueRefresh(catalog.ProducerKind{
				Producer: id.Producer,
				Kind:     id.Kind,
			})
			return nil
		}
		return nil
	}

	// No marker but the artifact is stored: the commit finished on an
	// earlier pass (or startup recovery) and only this manifest is
	// left over. Confirm against the catalog before discarding it.
	entry, err := d.catalog.Get(ctx, id.RunID, id.Producer, id.Kind)
	if err != nil {
		return err
	}
	if entry != nil && entry.Identity == id && entry.ContentHash == job.Manifest.ContentHash {
		d.logger.Info("removing manifest of completed job", "identity", id.String())
		return d.source.Remove(job)
	}
	return nil
}

// validate returns a rejection reason, or "" for a valid job.
func (d *Daemon) validate(ctx context.Context, job *inbox.Job) string {
	if job.ManifestErr != nil {
		return fmt.Sprintf("unreadable manifest: %v", job.ManifestErr)
	}
	m := job.Manifest
	if err := m.Validate(); err != nil {
		return err.Error()
	}

	known, err := d.catalog.KnownSchema(ctx, m.SchemaHint)
	if err != nil {
		// Catalog trouble is not the producer's fault; defer instead
		// of rejecting.
		d.logger.Error("schema lookup failed", "error", err)
		return ""
	}
	if !known {
		return fmt.Sprintf("unknown schema_hint %q", m.SchemaHint)
	}

	file, err := os.Open(job.DataPath)
	if err != nil {
		return fmt.Sprintf("unreadable data file: %v", err)
	}
	actual, size, err := hash.ContentReader(file)
	file.Close()
	if err != nil {
		return fmt.Sprintf("unreadable data file: %v", err)
	}
	if size == 0 {
		return "empty data file"
	}
	if actual != m.ContentHash {
		return fmt.Sprintf("content hash mismatch: manifest %s, data %s",
			m.ContentHash, actual)
	}
	return ""
}

// catalogCommit upserts the marker's catalog row under the advisory
// lock and clears the marker. Returns buslock.ErrTimeout (wrapped)
// when the lock cannot be had within the configured bound.
func (d *Daemon) catalogCommit(ctx context.Context, marker *store.Marker) error {
	lease, err := d.lock.Acquire(ctx, d.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquiring catalog lock: %w", err)
	}
	defer lease.Release()

	now := d.clock.Now()
	err = d.catalog.Upsert(ctx, &catalog.Entry{
		Identity:      marker.Identity,
		CanonicalPath: marker.CanonicalPath,
		ContentHash:   marker.ContentHash,
		SchemaHint:    marker.SchemaHint,
		Rows:          marker.Rows,
		Meta:          marker.Meta,
		CreatedAt:     now,
		LastSeenAt:    now,
	})
	if err != nil {
		return err
	}
	return d.store.ClearMarker(marker.Identity)
}

// enqueueRefresh marks a target for golden export refresh and wakes
// the export worker.
func (d *Daemon) enqueueRefresh(target catalog.ProducerKind) {
	d.refreshMu.Lock()
	d.refreshSet[target] = struct{}{}
	d.refreshMu.Unlock()

	select {
	case d.refreshWake <- struct{}{}:
	default:
	}
}

// takeRefreshes drains the pending refresh set.
func (d *Daemon) takeRefreshes() []catalog.ProducerKind {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	targets := make([]catalog.ProducerKind, 0, len(d.refreshSet))
	for target := range d.refreshSet {
		targets = append(targets, target)
	}
	d.refreshSet = make(map[catalog.ProducerKind]struct{})
	return targets
}

// exportWorker refreshes golden files as commits enqueue targets.
// Export failures are already recorded in the status ledger by the
// engine; the worker just logs and moves on.
func (d *Daemon) exportWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.refreshWake:
		}
		for _, target := range d.takeRefreshes() {
			if err := d.exporter.Refresh(ctx, target); err != nil {
				d.logger.Warn("golden refresh failed",
					"producer", target.Producer,
					"kind", target.Kind,
					"error", err,
				)
			}
		}
	}
}
