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

// Point is a 3D cartesian point with its globally unique index and the key
// of the deepest level box that encloses it. Points order by (key, global
// index) so that sorting is deterministic under duplicate coordinates.
type Point struct {
	Coordinate [3]float64
	GlobalIdx  uint64
	Key        MortonKey
}

// Less orders points by key, ties broken by global index.
func (p Point) Less(other Point) bool {
	if p.Key.Morton != other.Key.Morton {
		return p.Key.Morton < other.Key.Morton
	}

	return p.GlobalIdx < other.GlobalIdx
}

// EncodePoints attaches keys and global indices to raw coordinates. The
// global index concatenates the origin rank with the local position.
func EncodePoints(coordinates [][3]float64, rank int, domain *Domain) ([]Point, error) {
	points := make([]Point, 0, len(coordinates))

	for i, c := range coordinates {
		key, err := FromPoint(c, domain)
		if err != nil {
			return nil, err
		}

		points = append(points, Point{
			Coordinate: c,
			GlobalIdx:  uint64(rank)<<32 | uint64(i),
			Key:        key,
		})
	}

	return points, nil
}
