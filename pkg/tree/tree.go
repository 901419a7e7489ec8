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

	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// SortKeys sorts keys in Morton order.
func SortKeys(keys []morton.MortonKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// LinearizeKeys removes duplicates and ancestors from a sorted key slice,
// keeping the finer key. In Morton order every ancestor immediately
// precedes its first present descendant, so a pairwise scan suffices.
func LinearizeKeys(keys []morton.MortonKey) []morton.MortonKey {
	linearized := make([]morton.MortonKey, 0, len(keys))

	for i := 0; i < len(keys); i++ {
		if i+1 < len(keys) &&
			(keys[i].Equal(keys[i+1]) || keys[i].IsAncestorOf(keys[i+1])) {
			continue
		}
		linearized = append(linearized, keys[i])
	}

	return linearized
}

// CompleteRegion returns the minimal sorted set of keys tiling the open
// interval between a and b. Neither endpoint nor any of their descendants
// is emitted; for adjacent keys the result is empty.
func CompleteRegion(a, b morton.MortonKey) []morton.MortonKey {
	var region []morton.MortonKey

	work := a.FinestAncestor(b).Children()
	for len(work) > 0 {
		current := work[len(work)-1]
		work = work[:len(work)-1]

		if current.Morton > a.Morton && current.Morton < b.Morton && !current.IsAncestorOf(b) {
			region = append(region, current)
		} else if current.IsAncestorOf(a) || current.IsAncestorOf(b) {
			work = append(work, current.Children()...)
		}
	}

	SortKeys(region)
	return region
}

// CompleteBetween tiles the closed interval [start, end] with the given
// sorted, linearized keys plus minimal fills for every gap between them.
// A gap before the first or after the last key is tiled by start or end
// itself, kept as a deepest level key, plus the minimal fill between it
// and the adjacent key, so that edge tiling is not minimal. start and end
// are deepest level keys bracketing the range to cover.
func CompleteBetween(keys []morton.MortonKey, start, end morton.MortonKey) []morton.MortonKey {
	if len(keys) == 0 {
		out := []morton.MortonKey{start}
		out = append(out, CompleteRegion(start, end)...)
		out = append(out, end)
		SortKeys(out)
		return LinearizeKeys(out)
	}

	out := make([]morton.MortonKey, 0, len(keys))

	if start.Morton < keys[0].FinestFirstChild().Morton {
		out = append(out, start)
		out = append(out, CompleteRegion(start, keys[0])...)
	}

	for i, k := range keys {
		out = append(out, k)
		if i+1 < len(keys) {
			out = append(out, CompleteRegion(k, keys[i+1])...)
		}
	}

	last := keys[len(keys)-1]
	if last.FinestLastChild().Morton < end.Morton {
		out = append(out, CompleteRegion(last, end)...)
		out = append(out, end)
	}

	SortKeys(out)
	return LinearizeKeys(out)
}
