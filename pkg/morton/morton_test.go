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
	"math"
	"testing"

	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func TestMorton(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testMortonSuite{})

type testMortonSuite struct {
}

func unitDomain() *Domain {
	return &Domain{
		Origin:   [3]float64{0, 0, 0},
		Diameter: [3]float64{1, 1, 1},
	}
}

func (s *testMortonSuite) TestEncodeTables(c *C) {
	tables := [3]*[256]uint64{&xLookupEncode, &yLookupEncode, &zLookupEncode}

	for axis, table := range tables {
		for index, actual := range table {
			var sum uint64
			for shift := 0; shift < 8; shift++ {
				sum |= uint64(index>>shift&1) << (3*shift + axis)
			}
			c.Assert(actual, Equals, sum)
		}
	}
}

func (s *testMortonSuite) TestDecodeTables(c *C) {
	tables := [3]*[512]uint64{&xLookupDecode, &yLookupDecode, &zLookupDecode}

	for axis, table := range tables {
		for index, actual := range table {
			var expected uint64
			for bit := 0; bit < 3; bit++ {
				expected |= uint64(index>>(3*bit+axis)&1) << bit
			}
			c.Assert(actual, Equals, expected)
		}
	}
}

func (s *testMortonSuite) TestEncodingDecoding(c *C) {
	anchor := [3]uint64{65535, 65535, 65535}
	c.Assert(decodeKey(encodeAnchor(anchor, DeepestLevel)), Equals, anchor)

	anchor = [3]uint64{0, 0, 0}
	c.Assert(decodeKey(encodeAnchor(anchor, DeepestLevel)), Equals, anchor)

	anchor = [3]uint64{12345, 54321, 33333}
	c.Assert(decodeKey(encodeAnchor(anchor, DeepestLevel)), Equals, anchor)
}

func (s *testMortonSuite) TestParentChildren(c *C) {
	key := FromAnchor([3]uint64{12345, 54321, 33333}).Parent().Parent()
	children := key.Children()
	c.Assert(children, HasLen, 8)

	for i, child := range children {
		c.Assert(child.Parent(), Equals, key)
		c.Assert(child.Level(), Equals, key.Level()+1)
		c.Assert(key.IsAncestorOf(child), IsTrue)
		if i > 0 {
			c.Assert(children[i-1].Less(child), IsTrue)
		}
	}

	// A parent precedes all its descendants.
	c.Assert(key.Less(children[0]), IsTrue)
}

func (s *testMortonSuite) TestAncestors(c *C) {
	key := FromAnchor([3]uint64{4000, 30000, 61000})

	ancestors := key.Ancestors()
	c.Assert(ancestors, HasLen, int(DeepestLevel))
	c.Assert(ancestors[len(ancestors)-1], Equals, Root)

	for _, a := range ancestors {
		c.Assert(a.IsAncestorOf(key), IsTrue)
		c.Assert(key.IsAncestorOf(a), IsFalse)
	}
}

func (s *testMortonSuite) TestFinestAncestor(c *C) {
	a := FromAnchor([3]uint64{0, 0, 0})
	b := FromAnchor([3]uint64{65535, 65535, 65535})
	c.Assert(a.FinestAncestor(b), Equals, Root)

	// Two siblings meet at their parent.
	parent := FromAnchor([3]uint64{12345, 54321, 33333}).Parent().Parent()
	children := parent.Children()
	fa := children[0].FinestAncestor(children[7])
	c.Assert(fa, Equals, parent)

	// The finest ancestor has maximal level among common ancestors.
	x := FromAnchor([3]uint64{100, 200, 300})
	y := FromAnchor([3]uint64{101, 200, 300})
	fa = x.FinestAncestor(y)
	c.Assert(fa.IsAncestorOf(x), IsTrue)
	c.Assert(fa.IsAncestorOf(y), IsTrue)
	deeper := false
	for _, cand := range fa.Children() {
		if cand.IsAncestorOf(x) && cand.IsAncestorOf(y) {
			deeper = true
		}
	}
	c.Assert(deeper, IsFalse)
}

func (s *testMortonSuite) TestFinestDescendants(c *C) {
	key := FromAnchor([3]uint64{12345, 54321, 33333}).Parent().Parent().Parent()

	dfd := key.FinestFirstChild()
	dld := key.FinestLastChild()

	c.Assert(dfd.Level(), Equals, DeepestLevel)
	c.Assert(dld.Level(), Equals, DeepestLevel)
	c.Assert(dfd.Anchor, Equals, key.Anchor)
	c.Assert(key.IsAncestorOf(dfd), IsTrue)
	c.Assert(key.IsAncestorOf(dld), IsTrue)
	c.Assert(dfd.Morton <= dld.Morton, IsTrue)

	step := uint64(1) << (DeepestLevel - key.Level())
	for i := 0; i < 3; i++ {
		c.Assert(dld.Anchor[i], Equals, key.Anchor[i]+step-1)
	}

	c.Assert(Root.FinestFirstChild().Anchor, Equals, [3]uint64{0, 0, 0})
	c.Assert(Root.FinestLastChild().Anchor, Equals, [3]uint64{65535, 65535, 65535})
}

func (s *testMortonSuite) TestEncodePoint(c *C) {
	domain := unitDomain()

	key, err := FromPoint([3]float64{0.25, 0.5, 0.75}, domain)
	c.Assert(err, IsNil)
	c.Assert(key.Anchor, Equals, [3]uint64{1 << 14, 1 << 15, 3 << 14})
	c.Assert(key.Level(), Equals, DeepestLevel)

	// Truncation to level 1 halves the grid: only y and z keep their
	// leading bit.
	c.Assert(key.AnchorAtLevel(1), Equals, [3]uint64{0, 1 << 15, 1 << 15})
	c.Assert(key.AnchorAtLevel(DeepestLevel), Equals, key.Anchor)
}

func (s *testMortonSuite) TestEncodePointRejectsBadInput(c *C) {
	domain := unitDomain()

	_, err := FromPoint([3]float64{1.5, 0.5, 0.5}, domain)
	c.Assert(errors.Cause(err), Equals, ErrOutOfDomain)

	nan := math.NaN()
	_, err = FromPoint([3]float64{nan, 0.5, 0.5}, domain)
	c.Assert(errors.Cause(err), Equals, ErrInvalidCoordinate)
}

func (s *testMortonSuite) TestNeighbors(c *C) {
	// An interior key has the full 26 neighbors.
	interior, err := FromPoint([3]float64{0.5, 0.5, 0.5}, unitDomain())
	c.Assert(err, IsNil)
	inner := interior.AnchorAtLevel(4)
	key := MortonKey{Anchor: inner, Morton: encodeAnchor(inner, 4)}
	c.Assert(key.Neighbors(), HasLen, 26)

	// The key at the origin corner only has the 7 inward ones.
	corner := MortonKey{Anchor: [3]uint64{0, 0, 0}, Morton: encodeAnchor([3]uint64{0, 0, 0}, 4)}
	c.Assert(corner.Neighbors(), HasLen, 7)

	for _, n := range key.Neighbors() {
		c.Assert(n.Level(), Equals, key.Level())
		c.Assert(n.Equal(key), IsFalse)
	}
}

func (s *testMortonSuite) TestOrdering(c *C) {
	// Ancestors precede descendants, and siblings order by interleave.
	key := FromAnchor([3]uint64{12345, 54321, 33333}).Parent().Parent()
	c.Assert(key.Parent().Less(key), IsTrue)
	c.Assert(Root.Less(key), IsTrue)

	children := key.Children()
	c.Assert(key.Less(children[0]), IsTrue)
	c.Assert(children[0].Less(children[1]), IsTrue)
}

func (s *testMortonSuite) TestBoxCoordinates(c *C) {
	domain := unitDomain()

	coords := Root.BoxCoordinates(domain)
	c.Assert(coords, HasLen, 24)
	c.Assert(coords[0:3], DeepEquals, []float64{0, 0, 0})
	c.Assert(coords[21:24], DeepEquals, []float64{1, 1, 1})
}
