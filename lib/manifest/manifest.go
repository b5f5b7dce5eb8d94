// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the small descriptor a producer writes
// alongside an artifact's data file. The manifest lets the daemon
// validate a pending job — identity, row count, content hash — before
// committing the (potentially large) data file into the store.
package manifest

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/codec"
	"github.com/bureau-foundation/artifactbus/lib/hash"
	"github.com/bureau-foundation/artifactbus/lib/identity"
)

// Manifest describes one submitted artifact. It carries the same
// identity as the data file plus the integrity metadata the daemon
// checks during validation.
type Manifest struct {
	Identity identity.Identity `cbor:"identity"`

	// ContentHash is the content-domain BLAKE3 hash of the data file,
	// computed by the producer client while staging the file. The
	// daemon recomputes it during validation.
	ContentHash hash.Hash `cbor:"content_hash"`

	// Rows is the row count the producer claims for the payload.
	Rows int64 `cbor:"rows"`

	// SchemaHint names the payload schema. Empty means untyped; a
	// non-empty hint must be registered in the catalog.
	SchemaHint string `cbor:"schema_hint,omitempty"`

	// Meta carries arbitrary producer-supplied key/value pairs. Stored
	// verbatim in the catalog.
	Meta map[string]any `cbor:"meta,omitempty"`

	// CreatedAt is when the producer client staged the submission.
	CreatedAt time.Time `cbor:"created_at"`
}

// Marshal encodes the manifest to deterministic CBOR.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest for %s: %w", m.Identity, err)
	}
	return data, nil
}

// Unmarshal decodes a manifest from CBOR bytes.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// Validate checks that the manifest is well-formed. It does not touch
// the data file — content hash verification against the actual bytes
// is the daemon's job.
func (m *Manifest) Validate() error {
	if err := m.Identity.Validate(); err != nil {
		return err
	}
	if m.ContentHash.IsZero() {
		return fmt.Errorf("manifest for %s: content_hash is required", m.Identity)
	}
	if m.Rows < 0 {
		return fmt.Errorf("manifest for %s: rows is %d, must be >= 0", m.Identity, m.Rows)
	}
	return nil
}
