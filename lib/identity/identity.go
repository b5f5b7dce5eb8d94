// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the four-field identity under which every
// artifact is cataloged: (run, producer, kind, artifact). The identity
// is the unit of write-once semantics — the bus commits at most one
// canonical payload per distinct identity.
package identity

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/artifactbus/lib/hash"
)

// MaxFieldLength bounds each identity field. Identities appear in
// filenames, catalog rows, and log lines; unbounded fields would let a
// producer exhaust path limits.
const MaxFieldLength = 128

// Identity names a single artifact. All four fields are required.
type Identity struct {
	RunID      string `cbor:"run_id" json:"run_id"`
	Producer   string `cbor:"producer" json:"producer"`
	Kind       string `cbor:"kind" json:"kind"`
	ArtifactID string `cbor:"artifact_id" json:"artifact_id"`
}

// String returns the slash-joined form used in logs and error
// messages. Not a filesystem path — canonical paths come from the
// identity hash, not from this string.
func (id Identity) String() string {
	return id.RunID + "/" + id.Producer + "/" + id.Kind + "/" + id.ArtifactID
}

// Hash returns the identity-domain hash over the four fields in
// declaration order. Canonical store paths and commit marker names are
// derived from this value, so it must be stable across versions.
func (id Identity) Hash() hash.Hash {
	return hash.Identity(id.RunID, id.Producer, id.Kind, id.ArtifactID)
}

// Validate checks that every field is present and filesystem-safe.
func (id Identity) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"run_id", id.RunID},
		{"producer", id.Producer},
		{"kind", id.Kind},
		{"artifact_id", id.ArtifactID},
	}
	for _, field := range fields {
		if err := validateField(field.name, field.value); err != nil {
			return err
		}
	}
	return nil
}

// validateField enforces the shared constraints on a single identity
// field: non-empty, bounded length, no path separators or control
// characters, and no leading dot (dotfiles are reserved for the bus's
// own temp and marker files).
func validateField(name, value string) error {
	if value == "" {
		return fmt.Errorf("identity: %s is required", name)
	}
	if len(value) > MaxFieldLength {
		return fmt.Errorf("identity: %s is %d bytes, max %d", name, len(value), MaxFieldLength)
	}
	if strings.HasPrefix(value, ".") {
		return fmt.Errorf("identity: %s %q must not start with a dot", name, value)
	}
	for _, r := range value {
		switch {
		case r == '/' || r == '\\':
			return fmt.Errorf("identity: %s %q contains a path separator", name, value)
		case r < 0x20 || r == 0x7f:
			return fmt.Errorf("identity: %s %q contains a control character", name, value)
		}
	}
	return nil
}
