// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package producer is the client library producers use to submit
// artifacts. Submission never touches the catalog or the store — it
// only stages files into the inbox, which is the entire boundary
// between producers and the bus.
//
// A submission becomes visible to the daemon as a single unit: the
// payload is copied to a dot-prefixed temp name on the inbox volume,
// the manifest likewise, then the payload is renamed into place and
// the manifest last. The daemon treats the manifest as the commit
// point, so it never observes a half-written job.
package producer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bureau-foundation/artifactbus/lib/clock"
	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
	"github.com/bureau-foundation/artifactbus/lib/inbox"
	"github.com/bureau-foundation/artifactbus/lib/manifest"
)

// Spec describes one artifact to submit.
type Spec struct {
	RunID    string
	Producer string
	Kind     string

	// ArtifactID is optional; a random UUID is assigned when empty.
	ArtifactID string

	// DataPath is the Parquet payload to submit. It is copied, not
	// moved — the producer keeps its original.
	DataPath string

	// SchemaHint names the payload schema. Empty means untyped.
	SchemaHint string

	// Rows is the payload row count. Must be >= 0.
	Rows int64

	// Meta carries arbitrary key/value pairs into the catalog.
	Meta map[string]any
}

// Receipt reports what was submitted.
type Receipt struct {
	Identity    identity.Identity
	ContentHash hash.Hash

	// Base is the filename base of the staged pair in the inbox.
	Base string
}

// Client submits artifacts into one inbox directory.
type Client struct {
	inboxDir string
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Client for the given inbox directory. The directory
// must exist and be on the same volume as the daemon's store.
func New(inboxDir string, clk clock.Clock, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{inboxDir: inboxDir, clock: clk, logger: logger}
}

// Submit stages one artifact into the inbox. On any failure, no
// partial inbox state remains: temp files are removed, and a payload
// already renamed into place is withdrawn if its manifest cannot
// follow.
func (c *Client) Submit(spec Spec) (*Receipt, error) {
	if spec.ArtifactID == "" {
		spec.ArtifactID = uuid.NewString()
	}
	id := identity.Identity{
		RunID:      spec.RunID,
		Producer:   spec.Producer,
		Kind:       spec.Kind,
		ArtifactID: spec.ArtifactID,
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if spec.Rows < 0 {
		return nil, fmt.Errorf("producer: rows is %d, must be >= 0", spec.Rows)
	}
	if spec.DataPath == "" {
		return nil, fmt.Errorf("producer: DataPath is required")
	}

	base := spec.ArtifactID
	tempData := filepath.Join(c.inboxDir, ".tmp-"+base+inbox.DataSuffix)
	tempManifest := filepath.Join(c.inboxDir, ".tmp-"+base+inbox.ManifestSuffix)
	finalData := filepath.Join(c.inboxDir, base+inbox.DataSuffix)
	finalManifest := filepath.Join(c.inboxDir, base+inbox.ManifestSuffix)

	contentHash, err := c.stageData(spec.DataPath, tempData)
	if err != nil {
		os.Remove(tempData)
		return nil, err
	}

	m := &manifest.Manifest{
		Identity:    id,
		ContentHash: contentHash,
		Rows:        spec.Rows,
		SchemaHint:  spec.SchemaHint,
		Meta:        spec.Meta,
		CreatedAt:   c.clock.Now(),
	}
	if err := c.stageManifest(m, tempManifest); err != nil {
		os.Remove(tempData)
		os.Remove(tempManifest)
		return nil, err
	}

	// Payload first, manifest last. A crash between the two renames
	// leaves a data file without a manifest, which the daemon skips
	// indefinitely and harmlessly.
	if err := os.Rename(tempData, finalData); err != nil {
		os.Remove(tempData)
		os.Remove(tempManifest)
		return nil, fmt.Errorf("producer: publishing data for %s: %w", id, err)
	}
	if err := os.Rename(tempManifest, finalManifest); err != nil {
		os.Remove(finalData)
		os.Remove(tempManifest)
		return nil, fmt.Errorf("producer: publishing manifest for %s: %w", id, err)
	}

	c.logger.Info("artifact submitted",
		"identity", id.String(),
		"content_hash", contentHash.String(),
		"rows", spec.Rows,
	)

	return &Receipt{Identity: id, ContentHash: contentHash, Base: base}, nil
}

// stageData copies the payload to its temp name, hashing as it goes,
// and fsyncs before returning. Empty payloads are refused — an empty
// Parquet file is always a producer bug.
func (c *Client) stageData(sourcePath, tempPath string) (hash.Hash, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("producer: opening data file: %w", err)
	}
	defer source.Close()

	destination, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("producer: creating temp data file: %w", err)
	}

	contentHash, written, err := hash.ContentReader(io.TeeReader(source, destination))
	if err != nil {
		destination.Close()
		return hash.Hash{}, fmt.Errorf("producer: copying data file: %w", err)
	}
	if written == 0 {
		destination.Close()
		return hash.Hash{}, errors.New("producer: refusing to submit an empty data file")
	}
	if err := destination.Sync(); err != nil {
		destination.Close()
		return hash.Hash{}, fmt.Errorf("producer: syncing temp data file: %w", err)
	}
	if err := destination.Close(); err != nil {
		return hash.Hash{}, fmt.Errorf("producer: closing temp data file: %w", err)
	}
	return contentHash, nil
}

// stageManifest writes the manifest to its temp name with fsync.
func (c *Client) stageManifest(m *manifest.Manifest, tempPath string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("producer: creating temp manifest: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("producer: writing temp manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("producer: syncing temp manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("producer: closing temp manifest: %w", err)
	}
	return nil
}
