// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is the BLAKE3 key for artifact digests: the ASCII domain
// name zero-padded to 32 bytes. Changing it invalidates every
// manifest already written.
var domainKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'w', 'o', 'r', 'k', 'e', 'r', '.',
	'a', 'r', 't', 'i', 'f', 'a', 'c', 't',
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("artifact: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// HashBytes returns the artifact digest of data.
func HashBytes(data []byte) Hash {
	hasher := newHasher()
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// HashReader digests everything read from r and returns the digest
// and the byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	hasher := newHasher()
	count, err := io.Copy(hasher, r)
	if err != nil {
		return Hash{}, count, fmt.Errorf("hashing: %w", err)
	}
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash, count, nil
}

// String returns the hex encoding used in manifests.
func (hash Hash) String() string {
	return hex.EncodeToString(hash[:])
}

// ParseHash decodes a hex digest produced by Hash.String.
func ParseHash(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("parsing hash: got %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// MarshalText implements encoding.TextMarshaler.
func (hash Hash) MarshalText() ([]byte, error) {
	return []byte(hash.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (hash *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*hash = parsed
	return nil
}
