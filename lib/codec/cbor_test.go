// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type record struct {
		Name string         `cbor:"name"`
		Rows int64          `cbor:"rows"`
		Meta map[string]any `cbor:"meta,omitempty"`
	}

	original := record{
		Name: "fills",
		Rows: 1000,
		Meta: map[string]any{"source": "simulation"},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatal(err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Name != original.Name || decoded.Rows != original.Rows {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
	if decoded.Meta["source"] != "simulation" {
		t.Errorf("meta = %v, want source=simulation", decoded.Meta)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]int{"zebra": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value encoded to different bytes")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type wide struct {
		A string `cbor:"a"`
		B string `cbor:"b"`
	}
	type narrow struct {
		A string `cbor:"a"`
	}

	data, err := Marshal(wide{A: "keep", B: "drop"})
	if err != nil {
		t.Fatal(err)
	}

	var decoded narrow
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding with unknown field: %v", err)
	}
	if decoded.A != "keep" {
		t.Errorf("A = %q, want %q", decoded.A, "keep")
	}
}

func TestAnyMapDecodesAsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": int64(1)}})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	nested, ok := decoded["outer"].(map[string]any)
	if !ok {
		t.Fatalf("nested value is %T, want map[string]any", decoded["outer"])
	}
	if _, ok := nested["inner"]; !ok {
		t.Error("nested key missing after round trip")
	}
}
