// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the write-once, content-addressed artifact
// store. Canonical paths are derived from the identity hash (sharded
// two levels deep), commits are atomic renames, and a durable marker
// written before each rename lets restart logic distinguish "stored
// but not cataloged" from "fully committed".
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/codec"
	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
	"github.com/bureau-foundation/artifactbus/lib/manifest"
)

// Directory names within the store root. Dot-prefixed so they can
// never collide with shard directories (hex-named).
const (
	pendingDir = ".pending"
	tmpDir     = ".tmp"
)

// dataExt is the extension of canonical artifact files.
const dataExt = ".parquet"

// ErrWriteOnceConflict is returned by Commit when the canonical path
// already holds different content for the same identity. The
// submission is rejected, never overwritten.
var ErrWriteOnceConflict = errors.New("store: identity already committed with different content")

// Store manages the artifact storage directory. Safe for concurrent
// reads; the daemon is the only writer.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open creates a Store rooted at root, creating the directory
// structure if needed.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, dir := range []string{
		root,
		filepath.Join(root, pendingDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

// CanonicalPath returns the deterministic destination for an
// identity: <root>/<hex[:2]>/<hex[2:4]>/<hex>.parquet where hex is
// the identity hash. Same identity, same path, always.
func (s *Store) CanonicalPath(id identity.Identity) string {
	hex := hash.Format(id.Hash())
	return filepath.Join(s.root, hex[:2], hex[2:4], hex+dataExt)
}

// Marker is the durable two-phase commit record. Written before the
// store rename, cleared after the catalog upsert. It carries
// everything needed to replay the upsert on restart.
type Marker struct {
	Identity      identity.Identity `cbor:"identity"`
	CanonicalPath string            `cbor:"canonical_path"`
	ContentHash   hash.Hash         `cbor:"content_hash"`
	Rows          int64             `cbor:"rows"`
	SchemaHint    string            `cbor:"schema_hint,omitempty"`
	Meta          map[string]any    `cbor:"meta,omitempty"`
	PreparedAt    time.Time         `cbor:"prepared_at"`
}

// Prepare durably records the intent to commit the manifest's
// artifact. Overwriting an existing marker for the same identity is
// fine — retries always carry the same payload for a given identity
// or fail the write-once check later.
func (s *Store) Prepare(m *manifest.Manifest, now time.Time) (*Marker, error) {
	marker := &Marker{
		Identity:      m.Identity,
		CanonicalPath: s.CanonicalPath(m.Identity),
		ContentHash:   m.ContentHash,
		Rows:          m.Rows,
		SchemaHint:    m.SchemaHint,
		Meta:          m.Meta,
		PreparedAt:    now,
	}

	data, err := codec.Marshal(marker)
	if err != nil {
		return nil, fmt.Errorf("marshaling commit marker for %s: %w", m.Identity, err)
	}
	if err := s.writeDurable(s.markerPath(m.Identity), data); err != nil {
		return nil, fmt.Errorf("writing commit marker for %s: %w", m.Identity, err)
	}
	return marker, nil
}

// Commit atomically moves the data file to the marker's canonical
// path. If the destination already exists, the existing content is
// re-hashed: an equal hash means the artifact was already committed
// (idempotent duplicate, the inbox copy is left for the caller to
// clean up); a different hash is a write-once conflict.
func (s *Store) Commit(marker *Marker, dataPath string) error {
	destination := marker.CanonicalPath

	if existing, err := hash.ContentFile(destination); err == nil {
		if existing == marker.ContentHash {
			s.logger.Info("artifact already committed",
				"identity", marker.Identity.String(),
				"path", destination,
			)
			return nil
		}
		return fmt.Errorf("%w: %s at %s", ErrWriteOnceConflict, marker.Identity, destination)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking existing artifact at %s: %w", destination, err)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating shard directory for %s: %w", destination, err)
	}
	if err := os.Rename(dataPath, destination); err != nil {
		return fmt.Errorf("committing %s to %s: %w", marker.Identity, destination, err)
	}
	return nil
}

// ClearMarker removes the commit marker for an identity. Missing
// markers are fine — clearing is idempotent.
func (s *Store) ClearMarker(id identity.Identity) error {
	if err := os.Remove(s.markerPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing commit marker for %s: %w", id, err)
	}
	return nil
}

// HasMarker reports whether a commit marker exists for the identity.
func (s *Store) HasMarker(id identity.Identity) bool {
	_, err := os.Stat(s.markerPath(id))
	return err == nil
}

// HasArtifact reports whether the canonical path for the identity
// exists.
func (s *Store) HasArtifact(id identity.Identity) bool {
	_, err := os.Stat(s.CanonicalPath(id))
	return err == nil
}

// PendingMarkers returns all commit markers left on disk, in no
// particular order. Called during startup recovery.
func (s *Store) PendingMarkers() ([]*Marker, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pendingDir))
	if err != nil {
		return nil, fmt.Errorf("scanning pending markers: %w", err)
	}

	var markers []*Marker
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".cbor") {
			continue
		}
		path := filepath.Join(s.root, pendingDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading commit marker %s: %w", name, err)
		}
		var marker Marker
		if err := codec.Unmarshal(data, &marker); err != nil {
			// A torn marker cannot happen (writes are atomic), but a
			// marker from an incompatible future version could. Leave
			// it in place and surface the problem.
			return nil, fmt.Errorf("decoding commit marker %s: %w", name, err)
		}
		markers = append(markers, &marker)
	}
	return markers, nil
}

// markerPath returns the commit marker location for an identity.
func (s *Store) markerPath(id identity.Identity) string {
	return filepath.Join(s.root, pendingDir, hash.Format(id.Hash())+".cbor")
}

// writeDurable writes data to path via temp file, fsync, rename, and
// parent directory sync. Markers must survive power loss — a lost
// marker after a store rename would leave an artifact invisible to
// recovery.
func (s *Store) writeDurable(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "marker-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp marker file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp marker: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing temp marker: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp marker: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming marker into place: %w", err)
	}
	success = true

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
