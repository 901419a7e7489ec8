// Copyright 2016 DeepFabric, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package morton

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DeepestLevel is the finest octree level, anchors live on the
	// 2^DeepestLevel grid.
	DeepestLevel uint64 = 16
	// LevelSize is the number of boxes per dimension on the deepest level.
	LevelSize uint64 = 1 << DeepestLevel

	// The packed key is interleave(anchor)<<levelDisplacement | level.
	// 48 bits of interleaved anchor, 15 bits of level.
	levelDisplacement = 15
	levelMask         = 0x7FFF

	byteMask         = 0xFF
	byteDisplacement = 8
	nineBitMask      = 0x1FF
)

// MortonKey identifies an octant by the anchor of its box on the deepest
// level grid and the packed Morton value carrying anchor and level.
//
// Keys order by the raw packed value. Because the interleaved bits below a
// key's level are zero, this realises the deepest-first-descendant order:
// an ancestor sorts immediately before its first descendant, and ties on
// the interleave break by level, shallower first.
type MortonKey struct {
	Anchor [3]uint64
	Morton uint64
}

// Root is the key of the whole cube.
var Root = MortonKey{Anchor: [3]uint64{0, 0, 0}, Morton: 0}

// FromMorton builds the key from a packed Morton value.
func FromMorton(m uint64) MortonKey {
	return MortonKey{Anchor: decodeKey(m), Morton: m}
}

// FromAnchor builds the key of the deepest level box with the given anchor.
func FromAnchor(anchor [3]uint64) MortonKey {
	return MortonKey{Anchor: anchor, Morton: encodeAnchor(anchor, DeepestLevel)}
}

// FromPoint returns the key of the deepest level box that encloses the point.
// A point outside the domain is a programming error and is rejected.
func FromPoint(coordinate [3]float64, domain *Domain) (MortonKey, error) {
	anchor, err := domain.Anchor(coordinate)
	if err != nil {
		return MortonKey{}, errors.Wrapf(err, "encode point")
	}

	return FromAnchor(anchor), nil
}

// Level returns the key's level.
func (k MortonKey) Level() uint64 {
	return k.Morton & levelMask
}

// Less orders keys by deepest-first-descendant order.
func (k MortonKey) Less(other MortonKey) bool {
	return k.Morton < other.Morton
}

// Equal reports componentwise equality, which the packed value captures.
func (k MortonKey) Equal(other MortonKey) bool {
	return k.Morton == other.Morton
}

// Parent returns the key one level up.
func (k MortonKey) Parent() MortonKey {
	level := k.Level()
	if level == 0 {
		return k
	}

	parentLevel := level - 1
	shift := 3 * (DeepestLevel - parentLevel)
	interleave := (k.Morton >> levelDisplacement) >> shift << shift

	return FromMorton(interleave<<levelDisplacement | parentLevel)
}

// Children returns the 8 children in Morton order.
func (k MortonKey) Children() []MortonKey {
	level := k.Level()
	interleave := k.Morton >> levelDisplacement
	shift := 3 * (DeepestLevel - level - 1)

	children := make([]MortonKey, 0, 8)
	for i := uint64(0); i < 8; i++ {
		m := (interleave|i<<shift)<<levelDisplacement | (level + 1)
		children = append(children, FromMorton(m))
	}

	return children
}

// Siblings returns all children of the key's parent, in Morton order.
func (k MortonKey) Siblings() []MortonKey {
	return k.Parent().Children()
}

// FinestFirstChild returns the deepest first descendant of the key. It
// shares the key's anchor.
func (k MortonKey) FinestFirstChild() MortonKey {
	return MortonKey{Anchor: k.Anchor, Morton: k.Morton + DeepestLevel - k.Level()}
}

// FinestLastChild returns the deepest last descendant of the key.
func (k MortonKey) FinestLastChild() MortonKey {
	mask := uint64(1)<<(3*(DeepestLevel-k.Level())) - 1
	interleave := k.Morton>>levelDisplacement | mask

	return FromMorton(interleave<<levelDisplacement | DeepestLevel)
}

// IsAncestorOf reports whether the key is a strict ancestor of other.
func (k MortonKey) IsAncestorOf(other MortonKey) bool {
	if k.Level() >= other.Level() {
		return false
	}

	shift := 3 * (DeepestLevel - k.Level())
	return (k.Morton>>levelDisplacement)>>shift == (other.Morton>>levelDisplacement)>>shift
}

// Ancestors returns the chain of strict ancestors up to and including Root,
// deepest first.
func (k MortonKey) Ancestors() []MortonKey {
	ancestors := make([]MortonKey, 0, k.Level())

	current := k
	for current.Level() > 0 {
		current = current.Parent()
		ancestors = append(ancestors, current)
	}

	return ancestors
}

// FinestAncestor returns the deepest key that is an ancestor of or equal to
// both keys.
func (k MortonKey) FinestAncestor(other MortonKey) MortonKey {
	level := k.Level()
	if o := other.Level(); o < level {
		level = o
	}

	ka := k.Morton >> levelDisplacement
	oa := other.Morton >> levelDisplacement

	for ; level > 0; level-- {
		shift := 3 * (DeepestLevel - level)
		if ka>>shift == oa>>shift {
			break
		}
	}

	shift := 3 * (DeepestLevel - level)
	return FromMorton(ka>>shift<<shift<<levelDisplacement | level)
}

// AnchorAtLevel returns the anchor of the ancestor at the given level; for a
// level at or below the key's own it returns the key's anchor.
func (k MortonKey) AnchorAtLevel(level uint64) [3]uint64 {
	if level >= k.Level() {
		return k.Anchor
	}

	shift := 3 * (DeepestLevel - level)
	interleave := (k.Morton >> levelDisplacement) >> shift << shift

	return decodeKey(interleave << levelDisplacement)
}

// ToCoordinates returns the coordinates of the key's anchor in the domain.
func (k MortonKey) ToCoordinates(domain *Domain) [3]float64 {
	var coord [3]float64
	for i := 0; i < 3; i++ {
		coord[i] = domain.Origin[i] + domain.Diameter[i]*float64(k.Anchor[i])/float64(LevelSize)
	}

	return coord
}

// BoxCoordinates returns the 24 coordinates of the 8 corners of the key's
// box. With the lower left corner at (0,0,0) the corners are ordered
// (0,0,0), (1,0,0), (0,1,0), (1,1,0), (0,0,1), (1,0,1), (0,1,1), (1,1,1).
func (k MortonKey) BoxCoordinates(domain *Domain) []float64 {
	step := uint64(1) << (DeepestLevel - k.Level())

	serialized := make([]float64, 0, 24)
	for c := 0; c < 8; c++ {
		offset := [3]uint64{uint64(c) & 1, uint64(c) >> 1 & 1, uint64(c) >> 2 & 1}
		for i := 0; i < 3; i++ {
			anchor := k.Anchor[i] + offset[i]*step
			serialized = append(serialized,
				domain.Origin[i]+domain.Diameter[i]*float64(anchor)/float64(LevelSize))
		}
	}

	return serialized
}

// String implements fmt.Stringer.
func (k MortonKey) String() string {
	return fmt.Sprintf("key<anchor=%v, level=%d>", k.Anchor, k.Level())
}

// decodeKeyHelper compacts every third bit of the interleave using a 9-bit
// chunk lookup table.
func decodeKeyHelper(interleave uint64, table *[512]uint64) uint64 {
	// 7 chunks of 9 bits cover the 48 interleaved bits.
	const nLoops = 7

	var coord uint64
	for i := uint64(0); i < nLoops; i++ {
		coord |= table[(interleave>>(i*9))&nineBitMask] << (3 * i)
	}

	return coord
}

// decodeKey returns the anchor of a packed Morton value.
func decodeKey(morton uint64) [3]uint64 {
	interleave := morton >> levelDisplacement

	return [3]uint64{
		decodeKeyHelper(interleave, &xLookupDecode),
		decodeKeyHelper(interleave, &yLookupDecode),
		decodeKeyHelper(interleave, &zLookupDecode),
	}
}

// encodeAnchor packs an anchor and level into a Morton value. Each axis is
// spread byte-by-byte through the encode tables, high byte first.
func encodeAnchor(anchor [3]uint64, level uint64) uint64 {
	x, y, z := anchor[0], anchor[1], anchor[2]

	key := zLookupEncode[z>>byteDisplacement&byteMask] |
		yLookupEncode[y>>byteDisplacement&byteMask] |
		xLookupEncode[x>>byteDisplacement&byteMask]

	key = key<<24 |
		zLookupEncode[z&byteMask] |
		yLookupEncode[y&byteMask] |
		xLookupEncode[x&byteMask]

	return key<<levelDisplacement | level
}
