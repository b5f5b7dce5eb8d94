// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
	"github.com/bureau-foundation/artifactbus/lib/manifest"
)

var preparedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testIdentity(artifactID string) identity.Identity {
	return identity.Identity{
		RunID:      "r1",
		Producer:   "simulation",
		Kind:       "fills",
		ArtifactID: artifactID,
	}
}

func testManifest(artifactID string, payload []byte) *manifest.Manifest {
	return &manifest.Manifest{
		Identity:    testIdentity(artifactID),
		ContentHash: hash.Content(payload),
		Rows:        3,
		SchemaHint:  "fills_v2",
		Meta:        map[string]any{"seed": "7"},
		CreatedAt:   preparedAt,
	}
}

// stage writes a payload file outside the store, simulating a
// validated inbox data file.
func stage(t *testing.T, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.parquet")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCanonicalPathDeterministic(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	id := testIdentity("a-0001")
	first := s.CanonicalPath(id)
	second := s.CanonicalPath(id)
	if first != second {
		t.Error("same identity produced different canonical paths")
	}
	if first == s.CanonicalPath(testIdentity("a-0002")) {
		t.Error("different identities produced the same canonical path")
	}
	if filepath.Ext(first) != ".parquet" {
		t.Errorf("canonical path %s lacks the .parquet extension", first)
	}
}

func TestPrepareCommitClear(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("rows go here")
	m := testManifest("a-0001", payload)

	marker, err := s.Prepare(m, preparedAt)
	if err != nil {
		t.Fatal(err)
	}
	if !s.HasMarker(m.Identity) {
		t.Fatal("marker not durable after Prepare")
	}
	if marker.CanonicalPath != s.CanonicalPath(m.Identity) {
		t.Error("marker canonical path differs from store's")
	}

	if err := s.Commit(marker, stage(t, payload)); err != nil {
		t.Fatal(err)
	}
	if !s.HasArtifact(m.Identity) {
		t.Fatal("artifact missing after commit")
	}

	committed, err := os.ReadFile(marker.CanonicalPath)
	if err != nil {
		t.Fatal(err)
	}
	if hash.Content(committed) != m.ContentHash {
		t.Error("committed content does not match the manifest hash")
	}

	if err := s.ClearMarker(m.Identity); err != nil {
		t.Fatal(err)
	}
	if s.HasMarker(m.Identity) {
		t.Error("marker survives ClearMarker")
	}
	// Clearing twice is fine.
	if err := s.ClearMarker(m.Identity); err != nil {
		t.Errorf("second ClearMarker: %v", err)
	}
}

func TestCommitIdempotentOnDuplicate(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("identical payload")
	m := testManifest("a-0001", payload)

	marker, err := s.Prepare(m, preparedAt)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(marker, stage(t, payload)); err != nil {
		t.Fatal(err)
	}

	// A duplicate job: same identity, same content. Commit must be a
	// no-op and must leave the duplicate's staged file alone.
	duplicate := stage(t, payload)
	if err := s.Commit(marker, duplicate); err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}
	if _, err := os.Stat(duplicate); err != nil {
		t.Error("duplicate staged file was consumed by the no-op commit")
	}
}

func TestCommitWriteOnceConflict(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	original := []byte("first content")
	m := testManifest("a-0001", original)
	marker, err := s.Prepare(m, preparedAt)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(marker, stage(t, original)); err != nil {
		t.Fatal(err)
	}

	// Same identity, different bytes.
	altered := []byte("second content")
	conflicting := testManifest("a-0001", altered)
	conflictMarker, err := s.Prepare(conflicting, preparedAt)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Commit(conflictMarker, stage(t, altered))
	if !errors.Is(err, ErrWriteOnceConflict) {
		t.Fatalf("conflicting commit = %v, want ErrWriteOnceConflict", err)
	}

	// The original content must be untouched.
	committed, err := os.ReadFile(marker.CanonicalPath)
	if err != nil {
		t.Fatal(err)
	}
	if hash.Content(committed) != hash.Content(original) {
		t.Error("write-once conflict overwrote the committed content")
	}
}

func TestPendingMarkersRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	first := testManifest("a-0001", []byte("one"))
	second := testManifest("a-0002", []byte("two"))
	if _, err := s.Prepare(first, preparedAt); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Prepare(second, preparedAt); err != nil {
		t.Fatal(err)
	}

	markers, err := s.PendingMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 2 {
		t.Fatalf("PendingMarkers returned %d, want 2", len(markers))
	}

	byArtifact := make(map[string]*Marker)
	for _, marker := range markers {
		byArtifact[marker.Identity.ArtifactID] = marker
	}
	loaded := byArtifact["a-0001"]
	if loaded == nil {
		t.Fatal("marker for a-0001 missing")
	}
	if loaded.ContentHash != first.ContentHash {
		t.Error("marker content hash did not survive persistence")
	}
	if loaded.Rows != first.Rows || loaded.SchemaHint != first.SchemaHint {
		t.Error("marker catalog fields did not survive persistence")
	}
	if !loaded.PreparedAt.Equal(preparedAt) {
		t.Errorf("marker prepared_at = %v, want %v", loaded.PreparedAt, preparedAt)
	}
}

func TestPendingMarkersEmpty(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	markers, err := s.PendingMarkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 0 {
		t.Errorf("fresh store has %d pending markers", len(markers))
	}
}

func TestReopenExistingStore(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("survives reopen")
	m := testManifest("a-0001", payload)
	marker, err := s.Prepare(m, preparedAt)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(marker, stage(t, payload)); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.HasArtifact(m.Identity) {
		t.Error("artifact invisible after reopen")
	}
	if !reopened.HasMarker(m.Identity) {
		t.Error("marker invisible after reopen")
	}
}
