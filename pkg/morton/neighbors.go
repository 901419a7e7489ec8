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

// KeyInDirection returns the same-level key found by moving direction[j]
// boxes along axis j from the key's box. Negative steps are allowed. The
// second return is false when the move leaves the root cube.
func (k MortonKey) KeyInDirection(direction [3]int64) (MortonKey, bool) {
	level := k.Level()

	maxBoxes := int64(1) << level
	step := int64(1) << (DeepestLevel - level)

	var anchor [3]uint64
	for i := 0; i < 3; i++ {
		moved := int64(k.Anchor[i]) + step*direction[i]
		if moved < 0 || moved >= maxBoxes*step {
			return MortonKey{}, false
		}
		anchor[i] = uint64(moved)
	}

	return MortonKey{Anchor: anchor, Morton: encodeAnchor(anchor, level)}, true
}

// Neighbors returns the up to 26 same-level keys sharing a face, edge or
// corner with the key. Directions leaving the root cube are omitted.
func (k MortonKey) Neighbors() []MortonKey {
	neighbors := make([]MortonKey, 0, 26)

	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for dz := int64(-1); dz <= 1; dz++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}

				if n, ok := k.KeyInDirection([3]int64{dx, dy, dz}); ok {
					neighbors = append(neighbors, n)
				}
			}
		}
	}

	return neighbors
}
