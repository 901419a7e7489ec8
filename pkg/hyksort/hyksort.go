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

// Package hyksort sorts Morton encoded points across a communicator. The
// sort is a recursive sample sort: in each round the communicator splits
// into k colour groups, every rank buckets its points by k-1 sampled
// global splitters and ships bucket j into group j, then the groups
// recurse until they are single ranks. On return every rank holds a
// contiguous range of the globally sorted point multiset, ordered by rank.
package hyksort

import (
	"sort"

	"github.com/fagongzi/log"
	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/codec"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// DefaultK is the fan out per round.
const DefaultK = 2

// ErrBadTopology returned when k is not a power of two or the communicator
// size is not a power of k.
var ErrBadTopology = errors.New("communicator size must be a power of k, k a power of two")

// Sort sorts the points over the communicator. The input is not modified.
func Sort(points []morton.Point, k int, c comm.Communicator) ([]morton.Point, error) {
	if err := checkTopology(k, c.Size()); err != nil {
		return nil, err
	}

	cur := append([]morton.Point(nil), points...)
	sortPoints(cur)

	for c.Size() > 1 {
		m := c.Size()
		groupSize := m / k

		splitters, err := selectSplitters(cur, k, c)
		if err != nil {
			return nil, err
		}

		// Bucket j is the key range [splitter j-1, splitter j). The
		// in-group target staggers by origin rank to spread the load.
		bounds := bucketBounds(cur, splitters, k)
		send := make([][]byte, m)
		for j := 0; j < k; j++ {
			dest := j*groupSize + c.Rank()%groupSize
			send[dest] = codec.EncodePoints(cur[bounds[j]:bounds[j+1]])
		}

		received, err := c.AllToAll(send)
		if err != nil {
			return nil, errors.Wrapf(err, "hyksort exchange")
		}

		cur = cur[:0]
		for _, data := range received {
			part, err := codec.DecodePoints(data)
			if err != nil {
				return nil, errors.Wrapf(err, "hyksort exchange")
			}
			cur = append(cur, part...)
		}
		sortPoints(cur)

		sub, err := c.Split(c.Rank() / groupSize)
		if err != nil {
			return nil, errors.Wrapf(err, "hyksort split")
		}
		c = sub

		log.Debugf("hyksort: round done, group=<%d> local=<%d>", groupSize, len(cur))
	}

	return cur, nil
}

func checkTopology(k, size int) error {
	if k < 2 || k&(k-1) != 0 {
		return errors.Wrapf(ErrBadTopology, "k=<%d>", k)
	}

	for size > 1 {
		if size%k != 0 {
			return errors.Wrapf(ErrBadTopology, "k=<%d> size=<%d>", k, size)
		}
		size /= k
	}

	return nil
}

// selectSplitters samples k-1 local quantiles, gathers the samples from
// every rank and picks the k-1 global splitters from the sorted pool.
// Ranks holding fewer than k-1 points contribute what they have, so empty
// ranks still participate.
func selectSplitters(sorted []morton.Point, k int, c comm.Communicator) ([]morton.MortonKey, error) {
	var local []morton.MortonKey
	for i := 1; i < k; i++ {
		idx := i * len(sorted) / k
		if idx < len(sorted) {
			local = append(local, sorted[idx].Key)
		}
	}

	gathered, err := c.AllGather(codec.EncodeKeys(local))
	if err != nil {
		return nil, errors.Wrapf(err, "gather splitter samples")
	}

	var pool []morton.MortonKey
	for _, data := range gathered {
		keys, err := codec.DecodeKeys(data)
		if err != nil {
			return nil, errors.Wrapf(err, "gather splitter samples")
		}
		pool = append(pool, keys...)
	}

	splitters := make([]morton.MortonKey, 0, k-1)
	if len(pool) == 0 {
		return splitters, nil
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].Less(pool[j]) })
	for j := 1; j < k; j++ {
		idx := j * len(pool) / k
		if idx >= len(pool) {
			idx = len(pool) - 1
		}
		splitters = append(splitters, pool[idx])
	}

	return splitters, nil
}

// bucketBounds returns k+1 indices partitioning the sorted points into the
// key ranges delimited by the splitters. An empty splitter pool only
// happens when no rank holds data, so missing splitters close their
// buckets at the end.
func bucketBounds(sorted []morton.Point, splitters []morton.MortonKey, k int) []int {
	bounds := make([]int, k+1)
	for j := 1; j < k; j++ {
		if j-1 < len(splitters) {
			s := splitters[j-1]
			bounds[j] = sort.Search(len(sorted), func(i int) bool {
				return sorted[i].Key.Morton >= s.Morton
			})
		} else {
			bounds[j] = len(sorted)
		}
	}
	bounds[k] = len(sorted)

	sort.Ints(bounds)
	return bounds
}

func sortPoints(points []morton.Point) {
	sort.Slice(points, func(i, j int) bool { return points[i].Less(points[j]) })
}
