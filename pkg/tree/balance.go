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
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

// BalanceKeys emits the 2:1 balancing closure of the keys. Working from
// the deepest level upward, every key inserts the eight children of each
// neighbor of its grandparent. The inserted keys are processed in turn,
// so for a key at level L every same-level neighbor of its ancestor at
// level A <= L-2 ends up covered by cells of level A+1 or finer.
// Balancing only adds keys; the result is the raw emitted set, sorted but
// overlapping, and callers linearize it keeping the finer key.
func BalanceKeys(keys []morton.MortonKey) []morton.MortonKey {
	set := NewKeyTree()
	perLevel := make([][]morton.MortonKey, morton.DeepestLevel+1)

	add := func(k morton.MortonKey) {
		if set.Insert(k) {
			perLevel[k.Level()] = append(perLevel[k.Level()], k)
		}
	}

	for _, k := range keys {
		add(k)
	}

	for level := morton.DeepestLevel; level >= 1; level-- {
		// Processing level L only inserts keys at L-1, so the slice is
		// stable while it is walked.
		for _, k := range perLevel[level] {
			// The root has no neighbors, so keys at levels 1 and 2 add
			// nothing.
			for _, n := range k.Parent().Parent().Neighbors() {
				for _, child := range n.Children() {
					add(child)
				}
			}
		}
	}

	return set.Keys()
}
