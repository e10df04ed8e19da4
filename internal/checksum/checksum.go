// Package checksum provides the pluggable checksum provider used to protect
// payload bytes in block storage and journal records.
//
// The engine treats checksum computation as an external collaborator: the
// Provider interface is satisfied by the built-in XXH3 and CRC32C providers,
// or by a caller-supplied implementation (e.g. one that offloads to
// hardware).
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// Type identifies a checksum algorithm.
type Type uint8

const (
	// TypeNone disables checksumming. Digests are always zero.
	TypeNone Type = 0
	// TypeCRC32C is CRC32 with the Castagnoli polynomial.
	TypeCRC32C Type = 1
	// TypeXXH3 is the 64-bit XXH3 hash. This is the default.
	TypeXXH3 Type = 2
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}

// Provider computes and verifies payload digests.
//
// Implementations must be safe for concurrent use; the engine calls them
// from multiple foreground operations and from the aggregation pass.
type Provider interface {
	// Compute returns the digest of payload.
	Compute(payload []byte) uint64

	// Verify reports whether digest matches payload.
	Verify(payload []byte, digest uint64) bool

	// Kind returns the algorithm implemented by this provider.
	Kind() Type
}

// ForType returns the built-in provider for the given type.
func ForType(t Type) Provider {
	switch t {
	case TypeCRC32C:
		return CRC32C{}
	case TypeNone:
		return None{}
	default:
		return XXH3{}
	}
}

// XXH3 computes 64-bit XXH3 digests.
type XXH3 struct{}

// Compute returns the XXH3 digest of payload.
func (XXH3) Compute(payload []byte) uint64 {
	return xxh3.Hash(payload)
}

// Verify reports whether digest matches payload.
func (x XXH3) Verify(payload []byte, digest uint64) bool {
	return x.Compute(payload) == digest
}

// Kind returns TypeXXH3.
func (XXH3) Kind() Type { return TypeXXH3 }

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes CRC32-Castagnoli digests, widened to 64 bits.
type CRC32C struct{}

// Compute returns the CRC32C digest of payload.
func (CRC32C) Compute(payload []byte) uint64 {
	return uint64(crc32.Checksum(payload, castagnoli))
}

// Verify reports whether digest matches payload.
func (c CRC32C) Verify(payload []byte, digest uint64) bool {
	return c.Compute(payload) == digest
}

// Kind returns TypeCRC32C.
func (CRC32C) Kind() Type { return TypeCRC32C }

// None disables checksumming. Verify always succeeds.
type None struct{}

// Compute returns zero.
func (None) Compute(payload []byte) uint64 { return 0 }

// Verify always reports success.
func (None) Verify(payload []byte, digest uint64) bool { return true }

// Kind returns TypeNone.
func (None) Kind() Type { return TypeNone }
