// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the BLAKE3 hashing used throughout the
// artifact bus: content hashes for integrity verification and
// identity hashes for canonical path derivation. The two domains use
// distinct keys so the same bytes can never produce a colliding hash
// across contexts.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes,
// so the keys are inspectable in hex dumps. Changing a key invalidates
// every existing hash in that domain.
type domainKey [32]byte

var (
	contentDomainKey = domainKey{
		'a', 'r', 't', 'i', 'f', 'a', 'c', 't', 'b', 'u', 's', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	identityDomainKey = domainKey{
		'a', 'r', 't', 'i', 'f', 'a', 'c', 't', 'b', 'u', 's', '.',
		'i', 'd', 'e', 'n', 't', 'i', 't', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// IsZero reports whether the hash is the all-zero value. A zero hash
// never results from hashing actual bytes and marks an unset field.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding. Implements fmt.Stringer so hashes
// format cleanly in logs.
func (h Hash) String() string {
	return Format(h)
}

// Content computes the content-domain hash of data. This is the hash
// recorded in manifests and verified against submitted data files.
func Content(data []byte) Hash {
	return keyedHash(contentDomainKey, data)
}

// ContentReader computes the content-domain hash of everything read
// from r, returning the hash and the number of bytes consumed.
func ContentReader(r io.Reader) (Hash, int64, error) {
	hasher := newKeyed(contentDomainKey)
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, n, nil
}

// ContentFile computes the content-domain hash of the file at path.
func ContentFile(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	h, _, err := ContentReader(file)
	if err != nil {
		return Hash{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return h, nil
}

// Identity computes the identity-domain hash of an ordered field
// tuple. Each field is length-prefixed before hashing so that
// ("ab", "c") and ("a", "bc") produce different hashes.
func Identity(fields ...string) Hash {
	hasher := newKeyed(identityDomainKey)
	var prefix [4]byte
	for _, field := range fields {
		prefix[0] = byte(len(field) >> 24)
		prefix[1] = byte(len(field) >> 16)
		prefix[2] = byte(len(field) >> 8)
		prefix[3] = byte(len(field))
		hasher.Write(prefix[:])
		hasher.Write([]byte(field))
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Format returns the hex-encoded string representation of a hash.
// This is the canonical format used in manifests, the catalog, and
// log output.
func Format(h Hash) string {
	return hex.EncodeToString(h[:])
}

// Parse parses a 64-character hex string into a Hash.
func Parse(hexString string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return h, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != 32 {
		return h, fmt.Errorf("hash is %d bytes, want 32", len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

// keyedHash computes a keyed BLAKE3 hash of data in one call.
func keyedHash(key domainKey, data []byte) Hash {
	hasher := newKeyed(key)
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// newKeyed returns a keyed hasher. NewKeyed only fails for a wrong key
// length, which the fixed-size domainKey type rules out.
func newKeyed(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("hash: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	return hasher
}
