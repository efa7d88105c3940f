// Package hashid computes the stable, content-derived identifiers spec.md
// §4.4 requires for derived references and row-hash dataset ids: the first
// 64 bits of a SHA-256 digest, so that re-importing identical inputs always
// yields identical ids (spec.md §8, invariant 1).
package hashid

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// FromPath returns the stable id for a hierarchical path such as
// "Myrtaceae|Eucalyptus|grandis".
func FromPath(levels ...string) int64 {
	return FromString(strings.Join(levels, "|"))
}

// FromString hashes an arbitrary string into a stable int64 id.
func FromString(s string) int64 {
	sum := sha256.Sum256([]byte(s))
	// First 64 bits, interpreted as a signed int64. Masking off the sign
	// bit keeps ids positive, which matters for SQLite's INTEGER PRIMARY
	// KEY rowid aliasing.
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v &^ (1 << 63))
}

// FromColumns hashes an ordered projection of column values, used to
// synthesize a row id for datasets with no declared id_field.
func FromColumns(values ...string) int64 {
	return FromString(strings.Join(values, "\x1f"))
}
