// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(Config{Path: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func entry(runID, producer, kind, artifactID string, seenAt time.Time) *Entry {
	return &Entry{
		Identity: identity.Identity{
			RunID:      runID,
			Producer:   producer,
			Kind:       kind,
			ArtifactID: artifactID,
		},
		CanonicalPath: "/store/" + artifactID + ".parquet",
		ContentHash:   hash.Content([]byte(artifactID)),
		SchemaHint:    "fills_v2",
		Rows:          100,
		Meta:          map[string]any{"seed": "42"},
		CreatedAt:     seenAt,
		LastSeenAt:    seenAt,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	// Second migration on an up-to-date catalog is a no-op.
	if err := c.Migrate(context.Background()); err != nil {
		t.Fatalf("repeat migrate: %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	original := entry("r1", "simulation", "fills", "a-0001", baseTime)
	if err := c.Upsert(ctx, original); err != nil {
		t.Fatal(err)
	}

	loaded, err := c.Get(ctx, "r1", "simulation", "fills")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("Get returned nil for an upserted entry")
	}
	if loaded.Identity != original.Identity {
		t.Errorf("identity = %v, want %v", loaded.Identity, original.Identity)
	}
	if loaded.CanonicalPath != original.CanonicalPath {
		t.Errorf("canonical path = %q, want %q", loaded.CanonicalPath, original.CanonicalPath)
	}
	if loaded.ContentHash != original.ContentHash {
		t.Error("content hash did not survive the round trip")
	}
	if loaded.SchemaHint != "fills_v2" || loaded.Rows != 100 {
		t.Errorf("schema/rows = %q/%d", loaded.SchemaHint, loaded.Rows)
	}
	if loaded.Meta["seed"] != "42" {
		t.Errorf("meta = %v", loaded.Meta)
	}
	if !loaded.CreatedAt.Equal(baseTime) || !loaded.LastSeenAt.Equal(baseTime) {
		t.Errorf("timestamps = %v / %v", loaded.CreatedAt, loaded.LastSeenAt)
	}
}

func TestGetMissing(t *testing.T) {
	c := openTestCatalog(t)
	loaded, err := c.Get(context.Background(), "r9", "nobody", "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Errorf("Get for missing key = %+v, want nil", loaded)
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	first := entry("r1", "simulation", "fills", "a-0001", baseTime)
	if err := c.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Replay for the same key with a later timestamp and new artifact.
	second := entry("r1", "simulation", "fills", "a-0002", baseTime.Add(time.Hour))
	if err := c.Upsert(ctx, second); err != nil {
		t.Fatal(err)
	}

	loaded, err := c.Get(ctx, "r1", "simulation", "fills")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Identity.ArtifactID != "a-0002" {
		t.Errorf("artifact = %q, want the replacement", loaded.Identity.ArtifactID)
	}
	if !loaded.CreatedAt.Equal(baseTime) {
		t.Errorf("created_at = %v, want original %v", loaded.CreatedAt, baseTime)
	}
	if !loaded.LastSeenAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("last_seen_at = %v, want updated", loaded.LastSeenAt)
	}

	// Still exactly one row for the key.
	all, err := c.AllEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("catalog has %d rows, want 1", len(all))
	}
}

func TestLatestArtifacts(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	// Two runs of the same (producer, kind): the later one wins.
	if err := c.Upsert(ctx, entry("r1", "simulation", "fills", "a-old", baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, entry("r2", "simulation", "fills", "a-new", baseTime.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	// A different target.
	if err := c.Upsert(ctx, entry("r1", "backfill", "prices", "p-1", baseTime)); err != nil {
		t.Fatal(err)
	}

	latest, err := c.LatestArtifacts(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %d entries, want 2", len(latest))
	}
	// Ordered by producer: backfill before simulation.
	if latest[0].Identity.Producer != "backfill" {
		t.Errorf("first producer = %q", latest[0].Identity.Producer)
	}
	if latest[1].Identity.ArtifactID != "a-new" {
		t.Errorf("latest simulation/fills artifact = %q, want a-new", latest[1].Identity.ArtifactID)
	}

	// Filtered query.
	filtered, err := c.LatestArtifacts(ctx, "simulation", "fills")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Identity.RunID != "r2" {
		t.Errorf("filtered = %+v", filtered)
	}

	// No match is empty, not an error.
	none, err := c.LatestArtifacts(ctx, "simulation", "absent")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("query for absent kind returned %d entries", len(none))
	}
}

// last_seen_at is ordered as text, so the stored form must keep a
// fixed-width fraction: with trailing zeros trimmed, "…00.5Z" sorts
// after "…00.52Z" and the later entry loses.
func TestLatestArtifactsSubSecondOrdering(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, entry("r1", "simulation", "fills", "a-old", baseTime.Add(500*time.Millisecond))); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, entry("r2", "simulation", "fills", "a-new", baseTime.Add(520*time.Millisecond))); err != nil {
		t.Fatal(err)
	}

	latest, err := c.LatestArtifacts(ctx, "simulation", "fills")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || latest[0].Identity.ArtifactID != "a-new" {
		t.Errorf("latest = %+v, want a-new", latest)
	}
	if !latest[0].LastSeenAt.Equal(baseTime.Add(520 * time.Millisecond)) {
		t.Errorf("last_seen_at round-trip = %v", latest[0].LastSeenAt)
	}
}

func TestSchemaRegistry(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.RegisterSchemas(ctx, []string{"fills_v2", "prices_v1"}, baseTime); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		hint string
		want bool
	}{
		{"fills_v2", true},
		{"prices_v1", true},
		{"", true}, // untyped is always known
		{"bogus", false},
	}
	for _, test := range tests {
		known, err := c.KnownSchema(ctx, test.hint)
		if err != nil {
			t.Fatal(err)
		}
		if known != test.want {
			t.Errorf("KnownSchema(%q) = %v, want %v", test.hint, known, test.want)
		}
	}

	// Re-registering is idempotent.
	if err := c.RegisterSchemas(ctx, []string{"fills_v2"}, baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestTargets(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, entry("r1", "simulation", "fills", "a-1", baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, entry("r2", "simulation", "fills", "a-2", baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, entry("r1", "backfill", "prices", "p-1", baseTime)); err != nil {
		t.Fatal(err)
	}

	targets, err := c.Targets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []ProducerKind{
		{Producer: "backfill", Kind: "prices"},
		{Producer: "simulation", Kind: "fills"},
	}
	if len(targets) != len(want) {
		t.Fatalf("targets = %v, want %v", targets, want)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Errorf("targets[%d] = %v, want %v", i, targets[i], want[i])
		}
	}
}

func TestReadOnlyHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	writable, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := writable.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := writable.Upsert(ctx, entry("r1", "simulation", "fills", "a-1", baseTime)); err != nil {
		t.Fatal(err)
	}

	reader, err := Open(Config{Path: path, ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if err := reader.Migrate(ctx); err == nil {
		t.Error("migrate on read-only handle succeeded")
	}

	latest, err := reader.LatestArtifacts(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 {
		t.Errorf("read-only handle sees %d entries, want 1", len(latest))
	}

	if err := writable.Close(); err != nil {
		t.Fatal(err)
	}
}
