// Package xhash wraps github.com/cespare/xxhash/v2 with the fixed, non-zero
// seed every on-disk hash in Brufs is keyed with. cespare/xxhash does not
// expose a seed parameter the way the reference xxHash C API does, so the
// seed is folded in by writing it into the digest ahead of the real payload
// - the digest is reset between calls so repeated hashing of the same bytes
// is deterministic and collision behaviour matches label hashing done
// in-tree.
package xhash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Seed is the domain-wide hash seed used for every label and collision hash
// in the filesystem (directory entries, root descriptors).
const Seed uint64 = 14616742

// Sum64 returns the seeded xxHash64 digest of data.
func Sum64(data []byte) uint64 {
	d := xxhash.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], Seed)
	d.Write(seedBuf[:])
	d.Write(data)
	return d.Sum64()
}

// Sum64String is a convenience wrapper for hashing a label without an
// intermediate byte-slice conversion.
func Sum64String(s string) uint64 {
	return Sum64([]byte(s))
}
