// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestContentDeterministic(t *testing.T) {
	first := Content([]byte("hello"))
	second := Content([]byte("hello"))
	if first != second {
		t.Error("same input produced different content hashes")
	}
	if first.IsZero() {
		t.Error("content hash of non-empty input is zero")
	}
}

func TestContentDomainSeparation(t *testing.T) {
	data := []byte("same bytes")
	content := Content(data)
	identity := Identity(string(data))
	if content == identity {
		t.Error("content and identity domains produced the same hash")
	}
}

func TestContentReaderMatchesContent(t *testing.T) {
	data := bytes.Repeat([]byte("artifact"), 10000)
	direct := Content(data)

	streamed, n, err := ContentReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf("read %d bytes, want %d", n, len(data))
	}
	if streamed != direct {
		t.Error("streaming hash differs from one-shot hash")
	}
}

func TestContentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	data := []byte("file content for hashing")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := ContentFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != Content(data) {
		t.Error("file hash differs from in-memory hash")
	}
}

func TestContentFileMissing(t *testing.T) {
	_, err := ContentFile(filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIdentityFieldBoundaries(t *testing.T) {
	// Length prefixing must keep field boundaries distinct.
	a := Identity("ab", "c")
	b := Identity("a", "bc")
	if a == b {
		t.Error("shifted field boundary produced the same identity hash")
	}

	if Identity("r1", "sim", "fills") == Identity("r1", "sim", "fills", "") {
		t.Error("trailing empty field produced the same identity hash")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	original := Content([]byte("round trip"))
	formatted := Format(original)
	if len(formatted) != 64 {
		t.Fatalf("formatted hash is %d chars, want 64", len(formatted))
	}

	parsed, err := Parse(formatted)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != original {
		t.Error("parse(format(h)) != h")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"zz",
		strings.Repeat("ab", 16), // 32 hex chars: too short
		strings.Repeat("ab", 33), // 66 hex chars: too long
		strings.Repeat("g", 64),  // not hex
	}
	for _, input := range tests {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", input)
		}
	}
}
