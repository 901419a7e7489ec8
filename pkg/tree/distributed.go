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
	"time"

	"github.com/fagongzi/log"
	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/codec"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/hyksort"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// NCrit is the default refinement bound: the maximum number of points a
// leaf above the deepest level may hold.
const NCrit = 150

// Options are the construction parameters.
type Options struct {
	// NCrit is the maximum number of points per leaf.
	NCrit int
	// K is the hyksort fan out, a power of two that the communicator size
	// must be a power of.
	K int
}

// DefaultOptions returns the default construction parameters.
func DefaultOptions() Options {
	return Options{NCrit: NCrit, K: hyksort.DefaultK}
}

// LeafNode is a leaf key together with the points it owns. Every point's
// own encoding is a descendant of or equal to the leaf key.
type LeafNode struct {
	Key    morton.MortonKey
	Points []morton.Point
}

// DistributedTree is the rank-local share of a distributed linear octree:
// an ordered, disjoint run of leaves whose union across all ranks tiles
// the root cube exactly once, the points that fall inside them, and the
// shared domain.
type DistributedTree struct {
	Balanced bool
	Domain   *morton.Domain
	Leaves   []LeafNode
	Points   []morton.Point

	comm comm.Communicator
}

// NewDistributedTree builds the tree over the communicator with default
// parameters. Every rank passes its local slice of the global point cloud
// and the same balanced flag.
func NewDistributedTree(coordinates [][3]float64, balanced bool, c comm.Communicator) (*DistributedTree, error) {
	return NewDistributedTreeWithOptions(coordinates, balanced, DefaultOptions(), c)
}

// NewDistributedTreeWithOptions builds the tree with explicit parameters.
func NewDistributedTreeWithOptions(coordinates [][3]float64, balanced bool, opts Options, c comm.Communicator) (*DistributedTree, error) {
	begin := time.Now()

	phase := time.Now()
	domain, err := morton.NewDomainFromGlobalPoints(coordinates, c)
	if err != nil {
		return nil, errors.Wrapf(err, "build domain")
	}
	if err := checkDomainConsistency(domain, c); err != nil {
		return nil, err
	}
	observePhase(labelPhaseDomain, phase)

	points, err := morton.EncodePoints(coordinates, c.Rank(), domain)
	if err != nil {
		return nil, errors.Wrapf(err, "encode points")
	}

	phase = time.Now()
	sorted, err := hyksort.Sort(points, opts.K, c)
	if err != nil {
		return nil, errors.Wrapf(err, "sort points")
	}
	observePhase(labelPhaseHyksort, phase)

	phase = time.Now()
	seeds := FindSeeds(uniqueKeys(sorted))

	blocks, err := CompleteBlockTree(seeds, c)
	if err != nil {
		return nil, errors.Wrapf(err, "build blocks")
	}

	sorted, err = TransferPoints(sorted, seeds, c)
	if err != nil {
		return nil, errors.Wrapf(err, "build blocks")
	}

	leaves := SplitBlocks(sorted, blocks, opts.NCrit)
	observePhase(labelPhaseBlocks, phase)

	if balanced {
		phase = time.Now()
		leaves, err = balance(leaves, c)
		if err != nil {
			return nil, errors.Wrapf(err, "balance")
		}
		observePhase(labelPhaseBalance, phase)
	}

	phase = time.Now()
	sorted, err = DistributePoints(sorted, leaves, c)
	if err != nil {
		return nil, errors.Wrapf(err, "distribute points")
	}
	observePhase(labelPhaseDistribute, phase)

	t := &DistributedTree{
		Balanced: balanced,
		Domain:   domain,
		Points:   sorted,
		comm:     c,
	}
	if err := t.attach(leaves); err != nil {
		return nil, err
	}

	leavesGauge.Set(float64(len(t.Leaves)))
	localPointsGauge.Set(float64(len(t.Points)))

	log.Infof("tree: build completed, rank=<%d> leaves=<%d> points=<%d> balanced=<%t> elapsed=<%s>",
		c.Rank(), len(t.Leaves), len(t.Points), balanced, time.Since(begin))
	return t, nil
}

// Keys returns the leaf keys in Morton order.
func (t *DistributedTree) Keys() []morton.MortonKey {
	keys := make([]morton.MortonKey, 0, len(t.Leaves))
	for _, l := range t.Leaves {
		keys = append(keys, l.Key)
	}

	return keys
}

// Comm returns the communicator the tree was built over.
func (t *DistributedTree) Comm() comm.Communicator {
	return t.comm
}

// balance replaces the rank's leaves with their 2:1 balanced closure.
// Spilled keys travel to the rank owning their position, every rank
// linearizes the merged set keeping the finer key, and re-completes its
// range with the block machinery.
func balance(leaves []morton.MortonKey, c comm.Communicator) ([]morton.MortonKey, error) {
	emitted := BalanceKeys(leaves)

	routed, err := DistributeKeys(emitted, leaves, c)
	if err != nil {
		return nil, err
	}

	if len(leaves) == 0 {
		// Inactive rank: it owns no range, so nothing routes here.
		return nil, nil
	}

	linearized := LinearizeKeys(routed)

	start := leaves[0].FinestFirstChild()
	end := leaves[len(leaves)-1].FinestLastChild()
	return CompleteBetween(linearized, start, end), nil
}

// attach groups the rank's points under their enclosing leaves.
func (t *DistributedTree) attach(leafKeys []morton.MortonKey) error {
	lookup := NewKeyTree()
	index := make(map[uint64]int, len(leafKeys))

	t.Leaves = make([]LeafNode, len(leafKeys))
	for i, k := range leafKeys {
		t.Leaves[i] = LeafNode{Key: k}
		index[k.Morton] = i
		lookup.Insert(k)
	}

	for _, p := range t.Points {
		leaf, ok := lookup.Enclosing(p.Key)
		if !ok {
			return errors.Errorf("point without enclosing leaf, key=<%s> rank=<%d>",
				p.Key.String(), t.comm.Rank())
		}

		i := index[leaf.Morton]
		t.Leaves[i].Points = append(t.Leaves[i].Points, p)
	}

	return nil
}

// checkDomainConsistency asserts that every rank derived a bit-identical
// domain. Cheap, and it catches ranks disagreeing on their inputs before
// the construction drifts into a deadlock.
func checkDomainConsistency(domain *morton.Domain, c comm.Communicator) error {
	gathered, err := c.AllGather(codec.EncodeDomain(domain))
	if err != nil {
		return errors.Wrapf(err, "check domain")
	}

	for rank, data := range gathered {
		other, err := codec.DecodeDomain(data)
		if err != nil {
			return errors.Wrapf(err, "check domain")
		}
		if !domain.Equal(other) {
			return errors.Errorf("domain mismatch, rank=<%d> theirs=<%+v> ours=<%+v>",
				rank, other, domain)
		}
	}

	return nil
}

func uniqueKeys(points []morton.Point) []morton.MortonKey {
	keys := make([]morton.MortonKey, 0, len(points))
	for _, p := range points {
		if len(keys) > 0 && keys[len(keys)-1].Equal(p.Key) {
			continue
		}
		keys = append(keys, p.Key)
	}

	return keys
}
