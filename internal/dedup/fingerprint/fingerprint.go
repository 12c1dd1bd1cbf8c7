// Copyright (C) 2024 The dedup Authors

// Package fingerprint computes fixed-size content fingerprints for block
// buffers. A fingerprint identifies candidate duplicate blocks; whether a
// fingerprint match alone is treated as content identity is decided by the
// resolution policy in the dedup package, not here.
package fingerprint

import (
	"crypto/sha256"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Size of a fingerprint in bytes. Both supported algorithms produce 256-bit
// digests, so the stored hash column has a single fixed width.
const Size = 32

// Fingerprint is the digest of one block of data.
type Fingerprint [Size]byte

// Hasher computes the fingerprint of a block buffer. Implementations must be
// pure and safe for concurrent use.
type Hasher interface {
	Sum(data []byte) Fingerprint
}

// SHA256 is the default hasher. It matches the on-disk hashes written by
// previous versions, so an existing store stays readable.
type SHA256 struct{}

func (SHA256) Sum(data []byte) Fingerprint {
	return sha256.Sum256(data)
}

// BLAKE3 is a faster hasher for new stores. Fingerprints are not
// interchangeable with SHA256 ones; picking a different hasher for an
// existing store makes every write miss the dedup lookup.
type BLAKE3 struct{}

func (BLAKE3) Sum(data []byte) Fingerprint {
	return blake3.Sum256(data)
}

// New returns the hasher registered under name. Supported names are "sha256"
// and "blake3".
func New(name string) (Hasher, error) {
	switch name {
	case "sha256":
		return SHA256{}, nil
	case "blake3":
		return BLAKE3{}, nil
	}

	return nil, errors.Errorf("unknown hash algorithm %q", name)
}
