// Package arch implements the multimap's architecture descriptor (spec
// §4.2): a read-only, shared description of how a 64-bit key hash is
// sliced into per-level indices. The root level takes the most significant
// slice, sized to the largest power of two not exceeding the requested
// capacity; every level below takes a 4-bit slice until the hash is
// exhausted.
package arch

import "math/bits"

const hashBits = 64

// Arch is immutable once built by New; every map node in a tree shares a
// single *Arch with the root.
type Arch struct {
	rootBits int
	levels   int
}

// New builds an Arch for a root of the given requested capacity. The root
// slot count is the largest power of two not exceeding capacity (minimum
// 1), matching spec §4.2's root-sizing rule.
func New(capacity int) *Arch {
	rootBits := 0
	if capacity > 1 {
		rootBits = bits.Len(uint(capacity)) - 1
		if rootBits > hashBits {
			rootBits = hashBits
		}
	}
	remaining := hashBits - rootBits
	levels := 1 + (remaining+3)/4
	return &Arch{rootBits: rootBits, levels: levels}
}

// RootSize returns the number of slots in the root level's cell array.
func (a *Arch) RootSize() int {
	return 1 << a.rootBits
}

// ChildBits is the width of the hash slice taken by a non-root level (16
// slots); the deepest level that still consumes hash bits may take fewer
// once the hash is exhausted (see LevelSize).
const ChildBits = 4

// ChildSize is the slot count of a full (non-terminal) non-root level.
func ChildSize() int { return 1 << ChildBits }

// MaxLevels is the number of levels over which Slice consumes hash bits;
// at any deeper level Slice reports width 0. It does not bound the tree
// depth: multimap keeps adding single-slot child levels below it for
// entries whose full hashes are equal.
func (a *Arch) MaxLevels() int {
	return a.levels
}

// Slice returns the index into the level-th map node's cell array for the
// given hash, and the bit width consumed at that level (0 once the hash has
// been fully consumed; every such level has a single slot, index 0).
func (a *Arch) Slice(level int, hash uint64) (index int, bitsConsumed int) {
	if level == 0 {
		if a.rootBits == 0 {
			return 0, 0
		}
		shift := hashBits - a.rootBits
		return int(hash >> uint(shift)), a.rootBits
	}
	consumedAbove := a.rootBits + (level-1)*ChildBits
	if consumedAbove >= hashBits {
		return 0, 0
	}
	remaining := hashBits - consumedAbove
	width := ChildBits
	if remaining < ChildBits {
		width = remaining
	}
	shift := remaining - width
	mask := uint64(1)<<uint(width) - 1
	return int((hash >> uint(shift)) & mask), width
}

// LevelSize returns the slot count of the level-th map node's cell array.
func (a *Arch) LevelSize(level int) int {
	if level == 0 {
		return a.RootSize()
	}
	_, w := a.Slice(level, 0)
	if w == 0 {
		return 1
	}
	return 1 << w
}
