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

package tree

import (
	"math/rand"
	"testing"

	. "github.com/pingcap/check"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

func TestTree(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testTreeSuite{})

type testTreeSuite struct {
}

func unitDomain() *morton.Domain {
	return &morton.Domain{
		Origin:   [3]float64{0, 0, 0},
		Diameter: [3]float64{1, 1, 1},
	}
}

func fixtureKeys(c *C, n int, seed int64) []morton.MortonKey {
	rng := rand.New(rand.NewSource(seed))
	domain := unitDomain()

	keys := make([]morton.MortonKey, 0, n)
	for i := 0; i < n; i++ {
		key, err := morton.FromPoint(
			[3]float64{rng.Float64(), rng.Float64(), rng.Float64()}, domain)
		c.Assert(err, IsNil)
		keys = append(keys, key)
	}

	SortKeys(keys)
	return keys
}

func fixturePoints(c *C, n int, seed int64) []morton.Point {
	rng := rand.New(rand.NewSource(seed))
	domain := unitDomain()

	points := make([]morton.Point, 0, n)
	for i := 0; i < n; i++ {
		coord := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
		key, err := morton.FromPoint(coord, domain)
		c.Assert(err, IsNil)
		points = append(points, morton.Point{
			Coordinate: coord,
			GlobalIdx:  uint64(i),
			Key:        key,
		})
	}

	sortPointsForTest(points)
	return points
}

func (s *testTreeSuite) TestLinearizeKeys(c *C) {
	keys := fixtureKeys(c, 1000, 0)

	// Salt the set with ancestors; they must all disappear.
	salted := append([]morton.MortonKey(nil), keys...)
	salted = append(salted, keys[0].Parent(), keys[10].Parent().Parent(), morton.Root)
	SortKeys(salted)

	linearized := LinearizeKeys(salted)

	for i := 0; i+1 < len(linearized); i++ {
		a, b := linearized[i], linearized[i+1]
		c.Assert(a.Less(b), IsTrue)
		c.Assert(a.IsAncestorOf(b), IsFalse)
	}

	// No member is an ancestor of any other member.
	set := NewKeyTree()
	for _, k := range linearized {
		set.Insert(k)
	}
	for _, k := range linearized {
		for _, a := range k.Ancestors() {
			c.Assert(set.Has(a), IsFalse)
		}
	}
}

func (s *testTreeSuite) TestCompleteRegion(c *C) {
	a := morton.Root.FinestFirstChild()
	b := morton.Root.FinestLastChild()

	region := CompleteRegion(a, b)
	c.Assert(len(region) > 0, IsTrue)

	fa := a.FinestAncestor(b)
	for _, k := range region {
		// Bounds hold and the common ancestor covers everything.
		c.Assert(a.Morton < k.Morton, IsTrue)
		c.Assert(k.Morton < b.Morton, IsTrue)
		c.Assert(fa.IsAncestorOf(k) || fa.Equal(k), IsTrue)
		c.Assert(k.Equal(a) || k.Equal(b), IsFalse)
	}

	// Sorted, no overlaps.
	for i := 0; i+1 < len(region); i++ {
		c.Assert(region[i].Less(region[i+1]), IsTrue)
		c.Assert(region[i].IsAncestorOf(region[i+1]), IsFalse)
	}

	// The region tiles the open interval exactly: the first key starts
	// right after a and the last ends right before b.
	c.Assert(region[0].FinestFirstChild().Morton>>15, Equals, a.Morton>>15+1)
	c.Assert(region[len(region)-1].FinestLastChild().Morton>>15, Equals, b.Morton>>15-1)
	for i := 0; i+1 < len(region); i++ {
		c.Assert(region[i+1].FinestFirstChild().Morton>>15,
			Equals, region[i].FinestLastChild().Morton>>15+1)
	}
}

func (s *testTreeSuite) TestCompleteRegionAdjacent(c *C) {
	parent := fixtureKeys(c, 1, 7)[0].Parent().Parent()
	children := parent.Children()

	// Adjacent cells leave nothing to fill.
	c.Assert(CompleteRegion(children[0], children[1]), HasLen, 0)
}

func (s *testTreeSuite) TestCompleteBetween(c *C) {
	keys := LinearizeKeys(fixtureKeys(c, 100, 3))

	start := morton.Root.FinestFirstChild()
	end := morton.Root.FinestLastChild()
	complete := CompleteBetween(keys, start, end)

	checkTiling(c, complete, start, end)

	// All input keys survive completion.
	set := NewKeyTree()
	for _, k := range complete {
		set.Insert(k)
	}
	for _, k := range keys {
		c.Assert(set.Has(k), IsTrue)
	}
}

func (s *testTreeSuite) TestCompleteBetweenEmpty(c *C) {
	start := morton.Root.FinestFirstChild()
	end := morton.Root.FinestLastChild()

	complete := CompleteBetween(nil, start, end)
	checkTiling(c, complete, start, end)
}

// checkTiling asserts the keys tile [start, end] contiguously without
// overlap.
func checkTiling(c *C, keys []morton.MortonKey, start, end morton.MortonKey) {
	c.Assert(len(keys) > 0, IsTrue)
	c.Assert(keys[0].FinestFirstChild().Morton>>15, Equals, start.Morton>>15)
	c.Assert(keys[len(keys)-1].FinestLastChild().Morton>>15, Equals, end.Morton>>15)

	for i := 0; i+1 < len(keys); i++ {
		c.Assert(keys[i+1].FinestFirstChild().Morton>>15,
			Equals, keys[i].FinestLastChild().Morton>>15+1)
	}
}

func (s *testTreeSuite) TestFindSeeds(c *C) {
	keys := LinearizeKeys(fixtureKeys(c, 500, 1))

	seeds := FindSeeds(keys)
	c.Assert(len(seeds) > 0, IsTrue)

	level := seeds[0].Level()
	for i, seed := range seeds {
		c.Assert(seed.Level(), Equals, level)
		if i > 0 {
			c.Assert(seeds[i-1].Less(seed), IsTrue)
		}
	}

	c.Assert(FindSeeds(nil), HasLen, 0)
}

func (s *testTreeSuite) TestSplitBlocks(c *C) {
	points := fixturePoints(c, 10000, 2)

	blocks := []morton.MortonKey{morton.Root}
	leaves := SplitBlocks(points, blocks, 150)

	checkTiling(c, leaves, morton.Root.FinestFirstChild(), morton.Root.FinestLastChild())

	for _, leaf := range leaves {
		if leaf.Level() < morton.DeepestLevel {
			c.Assert(countRange(points, leaf) <= 150, IsTrue)
		}
	}
}

func (s *testTreeSuite) TestSplitBlocksKeepsEmptyChildren(c *C) {
	// A point cloud in one octant still yields a cover of the whole cube.
	points := make([]morton.Point, 0, 500)
	rng := rand.New(rand.NewSource(4))
	domain := unitDomain()
	for i := 0; i < 500; i++ {
		coord := [3]float64{rng.Float64() * 0.4, rng.Float64() * 0.4, rng.Float64() * 0.4}
		key, err := morton.FromPoint(coord, domain)
		c.Assert(err, IsNil)
		points = append(points, morton.Point{Coordinate: coord, GlobalIdx: uint64(i), Key: key})
	}
	sortPointsForTest(points)

	leaves := SplitBlocks(points, []morton.MortonKey{morton.Root}, 150)
	checkTiling(c, leaves, morton.Root.FinestFirstChild(), morton.Root.FinestLastChild())

	empty := 0
	for _, leaf := range leaves {
		if countRange(points, leaf) == 0 {
			empty++
		}
	}
	c.Assert(empty > 0, IsTrue)
}

func (s *testTreeSuite) TestBalanceKeysLocal(c *C) {
	// A corner cluster against a coarse remainder must refine the coarse
	// side until no two adjacent leaves differ by more than one level.
	rng := rand.New(rand.NewSource(5))
	domain := unitDomain()

	points := make([]morton.Point, 0, 1001)
	for i := 0; i < 1000; i++ {
		coord := [3]float64{rng.Float64() * 0.01, rng.Float64() * 0.01, rng.Float64() * 0.01}
		key, err := morton.FromPoint(coord, domain)
		c.Assert(err, IsNil)
		points = append(points, morton.Point{Coordinate: coord, GlobalIdx: uint64(i), Key: key})
	}
	far, err := morton.FromPoint([3]float64{0.99, 0.99, 0.99}, domain)
	c.Assert(err, IsNil)
	points = append(points, morton.Point{Coordinate: [3]float64{0.99, 0.99, 0.99}, GlobalIdx: 1000, Key: far})
	sortPointsForTest(points)

	leaves := SplitBlocks(points, []morton.MortonKey{morton.Root}, 150)

	balanced := CompleteBetween(
		LinearizeKeys(BalanceKeys(leaves)),
		morton.Root.FinestFirstChild(),
		morton.Root.FinestLastChild())

	checkTiling(c, balanced, morton.Root.FinestFirstChild(), morton.Root.FinestLastChild())
	c.Assert(len(balanced) > len(leaves), IsTrue)
	checkTwoToOne(c, balanced)
}

func (s *testTreeSuite) TestKeyTreeEnclosing(c *C) {
	keys := LinearizeKeys(fixtureKeys(c, 200, 6))
	complete := CompleteBetween(keys,
		morton.Root.FinestFirstChild(), morton.Root.FinestLastChild())

	set := NewKeyTree()
	for _, k := range complete {
		set.Insert(k)
	}
	c.Assert(set.Len(), Equals, len(complete))

	for _, k := range keys {
		leaf, ok := set.Enclosing(k)
		c.Assert(ok, IsTrue)
		c.Assert(leaf.Equal(k) || leaf.IsAncestorOf(k), IsTrue)
	}

	// Missing: a key coarser than the whole tree.
	_, ok := set.Enclosing(morton.Root)
	c.Assert(ok, IsFalse)
}
