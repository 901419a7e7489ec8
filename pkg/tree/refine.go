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

// countRange returns how many of the sorted points fall inside the block's
// key interval [DFD, DLD].
func countRange(points []morton.Point, block morton.MortonKey) int {
	lo := block.FinestFirstChild().Morton
	hi := block.FinestLastChild().Morton

	start := sort.Search(len(points), func(i int) bool {
		return points[i].Key.Morton >= lo
	})
	end := sort.Search(len(points), func(i int) bool {
		return points[i].Key.Morton > hi
	})

	return end - start
}

// SplitBlocks refines the sorted blocks until no block at a level above
// the deepest holds more than ncrit of the sorted points. Children with no
// points are kept, so the refined cover stays complete.
func SplitBlocks(points []morton.Point, blocks []morton.MortonKey, ncrit int) []morton.MortonKey {
	current := append([]morton.MortonKey(nil), blocks...)

	for {
		next := make([]morton.MortonKey, 0, len(current))
		stable := true

		for _, block := range current {
			if block.Level() < morton.DeepestLevel && countRange(points, block) > ncrit {
				next = append(next, block.Children()...)
				stable = false
				continue
			}
			next = append(next, block)
		}

		current = next
		if stable {
			break
		}
	}

	SortKeys(current)
	return current
}
