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

// leafPartition is the global partition induced by every active rank's
// first leaf: rank owners[i] owns the key range starting at starts[i].
type leafPartition struct {
	starts []uint64
	owners []int
}

// gatherLeafPartition all-gathers each rank's first leaf and derives the
// global partition boundaries.
func gatherLeafPartition(leaves []morton.MortonKey, c comm.Communicator) (*leafPartition, error) {
	firsts := []morton.MortonKey{}
	if len(leaves) > 0 {
		firsts = append(firsts, leaves[0])
	}

	boundaries, err := gatherKeys(firsts, c)
	if err != nil {
		return nil, err
	}

	p := &leafPartition{}
	for rank, a := range boundaries.active {
		if !a {
			continue
		}
		p.starts = append(p.starts, boundaries.keys[rank][0].FinestFirstChild().Morton)
		p.owners = append(p.owners, rank)
	}

	return p, nil
}

// owner returns the rank owning the deepest level key, the last partition
// whose start does not exceed it.
func (p *leafPartition) owner(key morton.MortonKey) int {
	idx := sort.Search(len(p.starts), func(i int) bool {
		return p.starts[i] > key.FinestFirstChild().Morton
	})

	if idx == 0 {
		// Before the first boundary; only possible for keys outside every
		// range, which the completion of the block cover rules out.
		return p.owners[0]
	}

	return p.owners[idx-1]
}

// DistributePoints routes every point to the rank owning its enclosing
// leaf, per the all-gathered leaf partition. Global indices travel with
// the points; the result is sorted.
func DistributePoints(points []morton.Point, leaves []morton.MortonKey, c comm.Communicator) ([]morton.Point, error) {
	partition, err := gatherLeafPartition(leaves, c)
	if err != nil {
		return nil, err
	}

	if len(partition.starts) == 0 {
		if len(points) > 0 {
			return nil, errors.Errorf("no rank owns any leaf for %d points", len(points))
		}
		return nil, nil
	}

	buckets := make([][]morton.Point, c.Size())
	for _, p := range points {
		to := partition.owner(p.Key)
		buckets[to] = append(buckets[to], p)
	}

	send := make([][]byte, c.Size())
	for rank, bucket := range buckets {
		if len(bucket) > 0 {
			send[rank] = codec.EncodePoints(bucket)
		}
	}

	received, err := c.AllToAll(send)
	if err != nil {
		return nil, errors.Wrapf(err, "distribute points")
	}

	var out []morton.Point
	for _, data := range received {
		part, err := codec.DecodePoints(data)
		if err != nil {
			return nil, errors.Wrapf(err, "distribute points")
		}
		out = append(out, part...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// DistributeKeys routes every key to the rank owning its deepest first
// descendant under the partition induced by the given leaves. Used by the
// balancer to hand spilled balancing keys to their owners.
func DistributeKeys(keys []morton.MortonKey, leaves []morton.MortonKey, c comm.Communicator) ([]morton.MortonKey, error) {
	partition, err := gatherLeafPartition(leaves, c)
	if err != nil {
		return nil, err
	}

	if len(partition.starts) == 0 {
		return nil, nil
	}

	buckets := make([][]morton.MortonKey, c.Size())
	for _, k := range keys {
		to := partition.owner(k)
		buckets[to] = append(buckets[to], k)
	}

	send := make([][]byte, c.Size())
	for rank, bucket := range buckets {
		if len(bucket) > 0 {
			send[rank] = codec.EncodeKeys(bucket)
		}
	}

	received, err := c.AllToAll(send)
	if err != nil {
		return nil, errors.Wrapf(err, "distribute keys")
	}

	var out []morton.MortonKey
	for _, data := range received {
		part, err := codec.DecodeKeys(data)
		if err != nil {
			return nil, errors.Wrapf(err, "distribute keys")
		}
		out = append(out, part...)
	}

	SortKeys(out)
	return out, nil
}
