// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inbox implements the filesystem queue between producers and
// the daemon. A job is a (data, manifest) filename pair sharing a
// base; producers make jobs appear atomically by renaming the data
// file first and the manifest last, so a visible manifest implies a
// complete pair under normal operation.
//
// Nothing in the inbox is ever silently discarded: a job leaves only
// by being removed after a successful commit or by being moved intact
// into rejected/ with a reason sidecar.
package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/manifest"
)

// Filename conventions inside the inbox directory.
const (
	// DataSuffix is the extension of the payload half of a job.
	// Producers only ever know Parquet.
	DataSuffix = ".parquet"

	// ManifestSuffix is the extension of the descriptor half.
	ManifestSuffix = ".manifest"

	// ReasonSuffix is the extension of the sidecar written next to a
	// rejected pair.
	ReasonSuffix = ".reason.json"

	// RejectedDir is the subdirectory holding rejected pairs.
	RejectedDir = "rejected"
)

// State tags a job's position in the ingestion state machine.
type State int

const (
	// StateIncoming is a freshly scanned job, not yet validated.
	StateIncoming State = iota

	// StateValidated passed manifest and integrity checks.
	StateValidated

	// StateCommitted is durably stored and cataloged.
	StateCommitted

	// StateRejected failed validation and was moved to rejected/.
	StateRejected
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateIncoming:
		return "incoming"
	case StateValidated:
		return "validated"
	case StateCommitted:
		return "committed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job is one pending unit of work.
type Job struct {
	// Base is the filename base shared by the pair.
	Base string

	// DataPath is the payload file. Empty when the data half is
	// missing (see HasData).
	DataPath string

	// ManifestPath is the descriptor file.
	ManifestPath string

	// HasData reports whether the payload half is present. A manifest
	// without data is surfaced (not skipped) so the daemon can resume
	// a job whose payload was already moved into the store before a
	// crash or lock timeout.
	HasData bool

	// Manifest is the decoded descriptor, nil when decoding failed.
	Manifest *manifest.Manifest

	// ManifestErr is the decode failure, if any. A job with a broken
	// manifest is rejected, never dropped.
	ManifestErr error

	// State is the job's current state machine position.
	State State
}

// Inbox is the daemon-side view of an inbox directory.
type Inbox struct {
	dir    string
	logger *slog.Logger
}

// Open prepares an inbox rooted at dir, creating dir and its
// rejected/ subdirectory if needed.
func Open(dir string, logger *slog.Logger) (*Inbox, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, d := range []string{dir, filepath.Join(dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating inbox directory %s: %w", d, err)
		}
	}
	return &Inbox{dir: dir, logger: logger}, nil
}

// Dir returns the inbox directory path.
func (i *Inbox) Dir() string { return i.dir }

// Scan enumerates pending jobs. Pairs are returned in base-name order
// for deterministic processing. A data file without a manifest is
// skipped entirely — the manifest is the commit point of a submission
// and may land on the next scan. A manifest without data is returned
// with HasData false; the daemon decides whether it is a resumable
// half-commit or still in flight.
func (i *Inbox) Scan() ([]*Job, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning inbox %s: %w", i.dir, err)
	}

	dataBases := make(map[string]bool)
	var manifestBases []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Dotfiles are producer temp files mid-stage.
		if strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case strings.HasSuffix(name, DataSuffix):
			dataBases[strings.TrimSuffix(name, DataSuffix)] = true
		case strings.HasSuffix(name, ManifestSuffix):
			manifestBases = append(manifestBases, strings.TrimSuffix(name, ManifestSuffix))
		}
	}
	sort.Strings(manifestBases)

	var jobs []*Job
	for _, base := range manifestBases {
		job := &Job{
			Base:         base,
			ManifestPath: filepath.Join(i.dir, base+ManifestSuffix),
			State:        StateIncoming,
		}
		if dataBases[base] {
			job.HasData = true
			job.DataPath = filepath.Join(i.dir, base+DataSuffix)
		}

		data, err := os.ReadFile(job.ManifestPath)
		if err != nil {
			// The pair may have been consumed between readdir and
			// here; it will show up (or not) on the next scan.
			i.logger.Debug("manifest vanished during scan", "base", base, "error", err)
			continue
		}
		job.Manifest, job.ManifestErr = manifest.Unmarshal(data)

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// rejectionReason is the sidecar document written next to a rejected
// pair. JSON so operators can read it without tooling.
type rejectionReason struct {
	Base       string    `json:"base"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Reject moves the job's files intact into rejected/ and writes a
// reason sidecar. The pair is preserved for inspection, never deleted.
func (i *Inbox) Reject(job *Job, reason string, now time.Time) error {
	rejectedDir := filepath.Join(i.dir, RejectedDir)

	if err := os.Rename(job.ManifestPath, filepath.Join(rejectedDir, job.Base+ManifestSuffix)); err != nil {
		return fmt.Errorf("moving manifest of %s to rejected: %w", job.Base, err)
	}
	if job.HasData {
		if err := os.Rename(job.DataPath, filepath.Join(rejectedDir, job.Base+DataSuffix)); err != nil {
			return fmt.Errorf("moving data of %s to rejected: %w", job.Base, err)
		}
	}

	sidecar, err := json.MarshalIndent(rejectionReason{
		Base:       job.Base,
		Reason:     reason,
		RejectedAt: now,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rejection reason for %s: %w", job.Base, err)
	}
	sidecar = append(sidecar, '\n')

	sidecarPath := filepath.Join(rejectedDir, job.Base+ReasonSuffix)
	if err := os.WriteFile(sidecarPath, sidecar, 0o644); err != nil {
		return fmt.Errorf("writing rejection reason for %s: %w", job.Base, err)
	}

	job.State = StateRejected
	i.logger.Warn("job rejected", "base", job.Base, "reason", reason)
	return nil
}

// Remove deletes a consumed job from the inbox. Called only after the
// catalog upsert has succeeded. Missing files are fine — the data half
// was already moved into the store during commit.
func (i *Inbox) Remove(job *Job) error {
	for _, path := range []string{job.ManifestPath, job.DataPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s from inbox: %w", path, err)
		}
	}
	return nil
}
