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
	"sort"
	"sync"

	. "github.com/pingcap/check"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

var _ = Suite(&testDistributedSuite{})

type testDistributedSuite struct {
}

func sortPointsForTest(points []morton.Point) {
	sort.Slice(points, func(i, j int) bool { return points[i].Less(points[j]) })
}

// buildTrees runs one construction per rank over an in-process
// communicator and returns every rank's tree.
func buildTrees(c *C, clouds [][][3]float64, balanced bool, opts Options) []*DistributedTree {
	size := len(clouds)
	comms := comm.NewLocalComms(size)

	trees := make([]*DistributedTree, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			trees[r], errs[r] = NewDistributedTreeWithOptions(clouds[r], balanced, opts, comms[r])
		}(r)
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		c.Assert(errs[r], IsNil)
		c.Assert(trees[r], NotNil)
	}

	return trees
}

func uniformCloud(rank, n int) [][3]float64 {
	rng := rand.New(rand.NewSource(int64(1000 + rank)))

	cloud := make([][3]float64, n)
	for i := range cloud {
		cloud[i] = [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}

	return cloud
}

// globalLeaves concatenates every rank's leaf keys in rank order.
func globalLeaves(trees []*DistributedTree) []morton.MortonKey {
	var keys []morton.MortonKey
	for _, t := range trees {
		keys = append(keys, t.Keys()...)
	}

	return keys
}

// checkCompleteness asserts that the leaf intervals tile the root cube
// with no gap and no overlap, in rank order.
func checkCompleteness(c *C, trees []*DistributedTree) {
	keys := globalLeaves(trees)
	checkTiling(c, keys, morton.Root.FinestFirstChild(), morton.Root.FinestLastChild())
}

// checkSorted asserts that leaves strictly increase within and across
// ranks and no leaf is an ancestor of another.
func checkSorted(c *C, trees []*DistributedTree) {
	keys := globalLeaves(trees)

	for i := 0; i+1 < len(keys); i++ {
		c.Assert(keys[i].Less(keys[i+1]), IsTrue)
		c.Assert(keys[i].IsAncestorOf(keys[i+1]), IsFalse)
	}
}

// checkPoints asserts that every global index survives exactly once and
// every point sits in a leaf that contains it.
func checkPoints(c *C, trees []*DistributedTree, total int) {
	count := 0
	seen := make(map[uint64]bool)

	for _, t := range trees {
		for _, leaf := range t.Leaves {
			for _, p := range leaf.Points {
				count++
				c.Assert(seen[p.GlobalIdx], IsFalse)
				seen[p.GlobalIdx] = true

				c.Assert(leaf.Key.Equal(p.Key) || leaf.Key.IsAncestorOf(p.Key), IsTrue)
			}
		}

		c.Assert(len(t.Points), Equals, leafPointCount(t))
	}

	c.Assert(count, Equals, total)
}

func leafPointCount(t *DistributedTree) int {
	n := 0
	for _, leaf := range t.Leaves {
		n += len(leaf.Points)
	}
	return n
}

// checkCapacity asserts the refinement bound for unbalanced trees.
func checkCapacity(c *C, trees []*DistributedTree, ncrit int) {
	for _, t := range trees {
		for _, leaf := range t.Leaves {
			if leaf.Key.Level() < morton.DeepestLevel {
				c.Assert(len(leaf.Points) <= ncrit, IsTrue)
			}
		}
	}
}

// checkTwoToOne asserts, over a sorted global leaf set, that for every
// leaf and every same-level neighbor cell of it, each leaf overlapping
// that cell differs from the leaf by at most one level.
func checkTwoToOne(c *C, keys []morton.MortonKey) {
	starts := make([]uint64, len(keys))
	for i, k := range keys {
		starts[i] = k.FinestFirstChild().Morton
	}

	for _, k := range keys {
		for _, n := range k.Neighbors() {
			lo := n.FinestFirstChild().Morton
			hi := n.FinestLastChild().Morton

			// Every leaf overlapping the neighbor cell.
			first := sort.Search(len(starts), func(i int) bool { return starts[i] > lo })
			if first > 0 {
				first--
			}
			for i := first; i < len(keys) && starts[i] <= hi; i++ {
				b := keys[i]
				if b.FinestLastChild().Morton < lo {
					continue
				}

				diff := int64(k.Level()) - int64(b.Level())
				if diff < 0 {
					diff = -diff
				}
				c.Assert(diff <= 1, IsTrue,
					Commentf("leaves %s and %s", k.String(), b.String()))
			}
		}
	}
}

// A single rank with a uniform random cloud, unbalanced.
func (s *testDistributedSuite) TestSingleRankUniform(c *C) {
	trees := buildTrees(c, [][][3]float64{uniformCloud(0, 10000)}, false, DefaultOptions())

	checkCompleteness(c, trees)
	checkSorted(c, trees)
	checkPoints(c, trees, 10000)
	checkCapacity(c, trees, NCrit)

	leaves := len(trees[0].Leaves)
	c.Assert(leaves >= 400, IsTrue, Commentf("leaves=%d", leaves))
	c.Assert(leaves <= 2000, IsTrue, Commentf("leaves=%d", leaves))

	c.Assert(trees[0].Balanced, IsFalse)
	c.Assert(trees[0].Comm().Size(), Equals, 1)
}

// A corner cluster plus one far point; the cluster fragments into deep
// leaves while the far point stays coarse, and balancing strictly grows
// the tree into a 2:1 one.
func (s *testDistributedSuite) TestCornerCluster(c *C) {
	rng := rand.New(rand.NewSource(2))
	cloud := make([][3]float64, 0, 1001)
	for i := 0; i < 1000; i++ {
		cloud = append(cloud, [3]float64{
			rng.Float64() * 0.01, rng.Float64() * 0.01, rng.Float64() * 0.01})
	}
	cloud = append(cloud, [3]float64{0.99, 0.99, 0.99})

	trees := buildTrees(c, [][][3]float64{cloud}, false, DefaultOptions())
	checkCompleteness(c, trees)
	checkPoints(c, trees, 1001)

	for _, leaf := range trees[0].Leaves {
		if len(leaf.Points) == 0 {
			continue
		}
		if leaf.Points[0].Coordinate[0] < 0.02 {
			c.Assert(leaf.Key.Level() >= 4, IsTrue,
				Commentf("cluster leaf at level %d", leaf.Key.Level()))
		} else {
			c.Assert(leaf.Key.Level() < 4, IsTrue,
				Commentf("far leaf at level %d", leaf.Key.Level()))
		}
	}

	balancedTrees := buildTrees(c, [][][3]float64{cloud}, true, DefaultOptions())
	checkCompleteness(c, balancedTrees)
	checkSorted(c, balancedTrees)
	checkPoints(c, balancedTrees, 1001)
	checkTwoToOne(c, globalLeaves(balancedTrees))

	c.Assert(balancedTrees[0].Balanced, IsTrue)
	c.Assert(len(balancedTrees[0].Leaves) > len(trees[0].Leaves), IsTrue)
}

// Four ranks with uniform clouds, balanced; the hyksort partition keeps
// the load near the mean.
func (s *testDistributedSuite) TestFourRanksBalanced(c *C) {
	clouds := [][][3]float64{
		uniformCloud(0, 25000),
		uniformCloud(1, 25000),
		uniformCloud(2, 25000),
		uniformCloud(3, 25000),
	}

	trees := buildTrees(c, clouds, true, DefaultOptions())

	checkCompleteness(c, trees)
	checkSorted(c, trees)
	checkPoints(c, trees, 100000)
	checkTwoToOne(c, globalLeaves(trees))

	mean := 100000.0 / 4
	for _, t := range trees {
		c.Assert(float64(len(t.Points)) <= 2*mean, IsTrue,
			Commentf("points=%d", len(t.Points)))
	}
}

// Duplicate coordinates attach to one leaf with distinct indices.
func (s *testDistributedSuite) TestDuplicatePoints(c *C) {
	dup := [3]float64{0.3, 0.6, 0.9}

	clouds := make([][][3]float64, 2)
	for r := range clouds {
		clouds[r] = uniformCloud(r, 500)
		for i := 0; i < 50; i++ {
			clouds[r] = append(clouds[r], dup)
		}
	}

	trees := buildTrees(c, clouds, false, DefaultOptions())
	checkCompleteness(c, trees)
	checkPoints(c, trees, 1100)

	// All copies of the duplicate live under exactly one leaf.
	owners := make(map[uint64]int)
	indices := make(map[uint64]bool)
	for _, t := range trees {
		for _, leaf := range t.Leaves {
			for _, p := range leaf.Points {
				if p.Coordinate == dup {
					owners[leaf.Key.Morton]++
					c.Assert(indices[p.GlobalIdx], IsFalse)
					indices[p.GlobalIdx] = true
				}
			}
		}
	}
	c.Assert(owners, HasLen, 1)
	for _, n := range owners {
		c.Assert(n, Equals, 100)
	}
}

// One rank provides every point; construction still terminates with a
// complete tree and both ranks own contiguous ranges.
func (s *testDistributedSuite) TestEmptyRank(c *C) {
	clouds := [][][3]float64{
		uniformCloud(0, 10000),
		nil,
	}

	trees := buildTrees(c, clouds, false, DefaultOptions())

	checkCompleteness(c, trees)
	checkSorted(c, trees)
	checkPoints(c, trees, 10000)
	checkCapacity(c, trees, NCrit)
}

func (s *testDistributedSuite) TestBadTopologyRejected(c *C) {
	comms := comm.NewLocalComms(1)

	_, err := NewDistributedTreeWithOptions(
		uniformCloud(0, 10), false, Options{NCrit: NCrit, K: 3}, comms[0])
	c.Assert(err, NotNil)
}

func (s *testDistributedSuite) TestDeterministicLeafSet(c *C) {
	cloud := uniformCloud(7, 5000)

	a := buildTrees(c, [][][3]float64{cloud}, false, DefaultOptions())
	b := buildTrees(c, [][][3]float64{cloud}, false, DefaultOptions())

	c.Assert(globalLeaves(a), DeepEquals, globalLeaves(b))
}
