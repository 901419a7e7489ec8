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

import (
	"math"

	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
)

// The global domain is inflated symmetrically by this fraction of the
// largest extent so that boundary points encode unambiguously.
const domainEpsilonScale = 1e-5

var (
	// ErrEmptyPointSet returned when no rank contributes any point.
	ErrEmptyPointSet = errors.New("empty point set")
	// ErrInvalidCoordinate returned for NaN or infinite coordinates.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrOutOfDomain returned when a point lies outside the domain cube.
	ErrOutOfDomain = errors.New("point outside of domain")
)

// Domain is the axis-aligned cube all keys are encoded against. Every rank
// holds a bit-identical copy.
type Domain struct {
	Origin   [3]float64
	Diameter [3]float64
}

// NewDomainFromLocalPoints returns the bounding box of the local points.
func NewDomainFromLocalPoints(points [][3]float64) (*Domain, error) {
	min, max, err := bounds(points)
	if err != nil {
		return nil, err
	}

	if min[0] > max[0] {
		return nil, ErrEmptyPointSet
	}

	return inflate(min, max), nil
}

// NewDomainFromGlobalPoints returns the bounding box of the points across
// all ranks of the communicator. The reduction uses min/max only, so every
// rank computes a bit-identical domain.
func NewDomainFromGlobalPoints(points [][3]float64, c comm.Communicator) (*Domain, error) {
	min, max, err := bounds(points)
	if err != nil {
		return nil, err
	}

	globalMin, err := c.AllReduceF64(comm.ReduceMin, min[:])
	if err != nil {
		return nil, errors.Wrapf(err, "reduce domain min")
	}

	globalMax, err := c.AllReduceF64(comm.ReduceMax, max[:])
	if err != nil {
		return nil, errors.Wrapf(err, "reduce domain max")
	}

	if globalMin[0] > globalMax[0] {
		return nil, ErrEmptyPointSet
	}

	return inflate(
		[3]float64{globalMin[0], globalMin[1], globalMin[2]},
		[3]float64{globalMax[0], globalMax[1], globalMax[2]}), nil
}

// Anchor maps a point to the integer anchor of its enclosing box on the
// deepest level grid, clamped at the upper boundary.
func (d *Domain) Anchor(p [3]float64) ([3]uint64, error) {
	var anchor [3]uint64

	for i := 0; i < 3; i++ {
		if math.IsNaN(p[i]) || math.IsInf(p[i], 0) {
			return anchor, errors.Wrapf(ErrInvalidCoordinate, "coordinate=<%v>", p)
		}

		if p[i] < d.Origin[i] || p[i] > d.Origin[i]+d.Diameter[i] {
			return anchor, errors.Wrapf(ErrOutOfDomain, "coordinate=<%v> domain=<%+v>", p, d)
		}

		a := uint64(math.Floor((p[i] - d.Origin[i]) * float64(LevelSize) / d.Diameter[i]))
		if a >= LevelSize {
			a = LevelSize - 1
		}
		anchor[i] = a
	}

	return anchor, nil
}

// Equal reports bitwise equality of two domains.
func (d *Domain) Equal(other *Domain) bool {
	for i := 0; i < 3; i++ {
		if math.Float64bits(d.Origin[i]) != math.Float64bits(other.Origin[i]) ||
			math.Float64bits(d.Diameter[i]) != math.Float64bits(other.Diameter[i]) {
			return false
		}
	}

	return true
}

// bounds returns the componentwise min and max of the points. An empty
// slice yields +inf/-inf sentinels so the values stay reduction-neutral.
func bounds(points [][3]float64) ([3]float64, [3]float64, error) {
	min := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	max := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}

	for _, p := range points {
		for i := 0; i < 3; i++ {
			if math.IsNaN(p[i]) || math.IsInf(p[i], 0) {
				return min, max, errors.Wrapf(ErrInvalidCoordinate, "coordinate=<%v>", p)
			}

			if p[i] < min[i] {
				min[i] = p[i]
			}
			if p[i] > max[i] {
				max[i] = p[i]
			}
		}
	}

	return min, max, nil
}

func inflate(min, max [3]float64) *Domain {
	maxExtent := 0.0
	for i := 0; i < 3; i++ {
		if e := max[i] - min[i]; e > maxExtent {
			maxExtent = e
		}
	}

	eps := domainEpsilonScale * maxExtent
	if eps == 0 {
		eps = domainEpsilonScale
	}

	d := &Domain{}
	for i := 0; i < 3; i++ {
		d.Origin[i] = min[i] - eps
		d.Diameter[i] = max[i] - min[i] + 2*eps
	}

	return d
}
