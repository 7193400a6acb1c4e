// Package keyhash implements the hash-of-key capability described in spec
// §3: a polymorphic hash over primitive keys and strings, used by the
// multimap (§4.2) to pick a level slice and by the bounded-size cache
// (§3) to key its reverse multimap lookup.
package keyhash

import (
	"golang.org/x/exp/constraints"

	"github.com/cespare/xxhash/v2"
)

// Uint64 is the hash width used throughout this module; the multimap's
// architecture descriptor (internal/arch) slices exactly this many bits.
type Uint64 = uint64

// OfInt hashes an integer key to its own value, so distinct keys of one
// integer type always get distinct hashes. It does no mixing: integer keys
// are assumed to already be reasonably distributed (e.g. handles, sequence
// numbers) and the multimap's level slicing does the rest of the
// distribution work.
func OfInt[K constraints.Integer](key K) Uint64 {
	return uint64(key)
}

// OfString hashes a string key using xxhash — a real mixing hash, in place
// of the original's rolling `hash = hash<<5 + ch` polynomial, which is
// far more collision-prone for the multi-level trie's top-level slice.
func OfString(key string) Uint64 {
	return xxhash.Sum64String(key)
}

// OfBytes hashes a byte-slice key, for containers keyed by raw buffers.
func OfBytes(key []byte) Uint64 {
	return xxhash.Sum64(key)
}
