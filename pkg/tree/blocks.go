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
	"sort"

	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/codec"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// FindSeeds returns the coarsest keys of the minimal complete region
// spanned by the sorted local keys. The seeds anchor the rank's block
// cover.
func FindSeeds(keys []morton.MortonKey) []morton.MortonKey {
	if len(keys) == 0 {
		return nil
	}

	min := keys[0]
	max := keys[len(keys)-1]

	complete := CompleteRegion(min, max)
	complete = append(complete, min, max)

	coarsest := morton.DeepestLevel
	for _, k := range complete {
		if l := k.Level(); l < coarsest {
			coarsest = l
		}
	}

	var seeds []morton.MortonKey
	for _, k := range complete {
		if k.Level() == coarsest {
			seeds = append(seeds, k)
		}
	}

	SortKeys(seeds)
	return seeds
}

// rankBoundaries is the per-rank view of an all-gathered key exchange:
// which ranks contributed and what they contributed.
type rankBoundaries struct {
	active []bool
	keys   [][]morton.MortonKey
}

func gatherKeys(keys []morton.MortonKey, c comm.Communicator) (*rankBoundaries, error) {
	gathered, err := c.AllGather(codec.EncodeKeys(keys))
	if err != nil {
		return nil, errors.Wrapf(err, "gather rank boundaries")
	}

	b := &rankBoundaries{
		active: make([]bool, len(gathered)),
		keys:   make([][]morton.MortonKey, len(gathered)),
	}
	for rank, data := range gathered {
		ks, err := codec.DecodeKeys(data)
		if err != nil {
			return nil, errors.Wrapf(err, "gather rank boundaries")
		}
		b.active[rank] = len(ks) > 0
		b.keys[rank] = ks
	}

	return b, nil
}

func (b *rankBoundaries) firstActive() int {
	for rank, a := range b.active {
		if a {
			return rank
		}
	}
	return -1
}

func (b *rankBoundaries) lastActive() int {
	for rank := len(b.active) - 1; rank >= 0; rank-- {
		if b.active[rank] {
			return rank
		}
	}
	return -1
}

func (b *rankBoundaries) nextActive(rank int) int {
	for r := rank + 1; r < len(b.active); r++ {
		if b.active[r] {
			return r
		}
	}
	return -1
}

func (b *rankBoundaries) prevActive(rank int) int {
	for r := rank - 1; r >= 0; r-- {
		if b.active[r] {
			return r
		}
	}
	return -1
}

// CompleteBlockTree turns the rank's sorted seeds into the minimal block
// cover of its key range. The first and last active ranks extend their
// range to the corners of the root cube; every other boundary is the next
// active rank's first seed, learned from an all-gather. The union of the
// returned blocks across ranks is a complete linear octree.
func CompleteBlockTree(seeds []morton.MortonKey, c comm.Communicator) ([]morton.MortonKey, error) {
	mins := seeds[:0:0]
	if len(seeds) > 0 {
		mins = append(mins, seeds[0])
	}

	boundaries, err := gatherKeys(mins, c)
	if err != nil {
		return nil, err
	}

	if len(seeds) == 0 {
		return nil, nil
	}

	work := append([]morton.MortonKey(nil), seeds...)

	if c.Rank() == boundaries.firstActive() {
		// Extend the range to the deepest first descendant of the root.
		fa := morton.Root.FinestFirstChild().FinestAncestor(work[0])
		if !fa.Equal(work[0]) {
			work = append(work, fa.Children()[0])
			SortKeys(work)
		}
	}

	if c.Rank() == boundaries.lastActive() {
		fa := morton.Root.FinestLastChild().FinestAncestor(work[len(work)-1])
		if !fa.Equal(work[len(work)-1]) {
			work = append(work, fa.Children()[7])
		}
	} else if next := boundaries.nextActive(c.Rank()); next >= 0 {
		work = append(work, boundaries.keys[next][0])
	}

	blocks := make([]morton.MortonKey, 0, len(work))
	for i := 0; i+1 < len(work); i++ {
		blocks = append(blocks, work[i])
		blocks = append(blocks, CompleteRegion(work[i], work[i+1])...)
	}

	if c.Rank() == boundaries.lastActive() {
		blocks = append(blocks, work[len(work)-1])
	}

	SortKeys(blocks)
	return LinearizeKeys(blocks), nil
}

// TransferPoints ships every point that sorts below the rank's first seed
// to the previous active rank, whose block cover owns that key range. The
// exchange is a sparse all-to-all; the result is sorted.
func TransferPoints(points []morton.Point, seeds []morton.MortonKey, c comm.Communicator) ([]morton.Point, error) {
	mins := seeds[:0:0]
	if len(seeds) > 0 {
		mins = append(mins, seeds[0])
	}

	boundaries, err := gatherKeys(mins, c)
	if err != nil {
		return nil, err
	}

	send := make([][]byte, c.Size())
	kept := points

	prev := boundaries.prevActive(c.Rank())
	if prev >= 0 && len(seeds) > 0 && c.Rank() != boundaries.firstActive() {
		minSeed := seeds[0]
		cut := sort.Search(len(points), func(i int) bool {
			return points[i].Key.Morton >= minSeed.Morton
		})
		send[prev] = codec.EncodePoints(points[:cut])
		kept = points[cut:]
	}

	received, err := c.AllToAll(send)
	if err != nil {
		return nil, errors.Wrapf(err, "transfer points")
	}

	out := append([]morton.Point(nil), kept...)
	for _, data := range received {
		part, err := codec.DecodePoints(data)
		if err != nil {
			return nil, errors.Wrapf(err, "transfer points")
		}
		out = append(out, part...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
