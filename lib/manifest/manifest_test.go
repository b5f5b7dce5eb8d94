// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
)

func sample() *Manifest {
	return &Manifest{
		Identity: identity.Identity{
			RunID:      "r1",
			Producer:   "simulation",
			Kind:       "fills",
			ArtifactID: "a-0001",
		},
		ContentHash: hash.Content([]byte("payload")),
		Rows:        1000,
		SchemaHint:  "fills_v2",
		Meta:        map[string]any{"seed": "42"},
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	original := sample()

	data, err := original.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Identity != original.Identity {
		t.Errorf("identity = %v, want %v", decoded.Identity, original.Identity)
	}
	if decoded.ContentHash != original.ContentHash {
		t.Error("content hash did not survive the round trip")
	}
	if decoded.Rows != original.Rows {
		t.Errorf("rows = %d, want %d", decoded.Rows, original.Rows)
	}
	if decoded.SchemaHint != original.SchemaHint {
		t.Errorf("schema hint = %q, want %q", decoded.SchemaHint, original.SchemaHint)
	}
	if decoded.Meta["seed"] != "42" {
		t.Errorf("meta = %v, want seed=42", decoded.Meta)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("created_at = %v, want %v", decoded.CreatedAt, original.CreatedAt)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not cbor at all")); err == nil {
		t.Fatal("expected error decoding garbage")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(*Manifest) {}, ""},
		{"untyped is valid", func(m *Manifest) { m.SchemaHint = "" }, ""},
		{"zero rows is valid", func(m *Manifest) { m.Rows = 0 }, ""},
		{"negative rows", func(m *Manifest) { m.Rows = -1 }, "rows"},
		{"zero hash", func(m *Manifest) { m.ContentHash = hash.Hash{} }, "content_hash"},
		{"bad identity", func(m *Manifest) { m.Identity.Producer = "" }, "producer"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := sample()
			test.mutate(m)
			err := m.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error mentioning %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, test.wantErr)
			}
		})
	}
}
