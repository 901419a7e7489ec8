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
	"math/rand"
	"sync"

	. "github.com/pingcap/check"
	"github.com/pkg/errors"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
)

var _ = Suite(&testDomainSuite{})

type testDomainSuite struct {
}

func (s *testDomainSuite) TestFromLocalPoints(c *C) {
	rng := rand.New(rand.NewSource(0))

	points := make([][3]float64, 1000)
	for i := range points {
		points[i] = [3]float64{rng.Float64(), 2 * rng.Float64(), 3 * rng.Float64()}
	}

	domain, err := NewDomainFromLocalPoints(points)
	c.Assert(err, IsNil)

	// Strict containment: every point encodes without error.
	for _, p := range points {
		_, err := domain.Anchor(p)
		c.Assert(err, IsNil)
	}
}

func (s *testDomainSuite) TestFromLocalPointsEmpty(c *C) {
	_, err := NewDomainFromLocalPoints(nil)
	c.Assert(errors.Cause(err), Equals, ErrEmptyPointSet)
}

func (s *testDomainSuite) TestFromGlobalPoints(c *C) {
	size := 4
	comms := comm.NewLocalComms(size)

	domains := make([]*Domain, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(r)))
			points := make([][3]float64, 100)
			for i := range points {
				// Shift per rank so every rank only sees a slice of the
				// global bounding box.
				points[i] = [3]float64{
					float64(r) + rng.Float64(),
					rng.Float64(),
					rng.Float64(),
				}
			}

			domain, err := NewDomainFromGlobalPoints(points, comms[r])
			c.Assert(err, IsNil)
			domains[r] = domain
		}(r)
	}
	wg.Wait()

	// Bitwise identical on every rank.
	for r := 1; r < size; r++ {
		c.Assert(domains[r].Equal(domains[0]), IsTrue)
	}

	// The global box covers the union of all local slices.
	c.Assert(domains[0].Origin[0] < 0.1, IsTrue)
	c.Assert(domains[0].Origin[0]+domains[0].Diameter[0] > float64(size)-0.5, IsTrue)
}

func (s *testDomainSuite) TestGlobalEmptyRank(c *C) {
	comms := comm.NewLocalComms(2)

	domains := make([]*Domain, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()

			var points [][3]float64
			if r == 0 {
				points = [][3]float64{{0, 0, 0}, {1, 1, 1}}
			}

			domain, err := NewDomainFromGlobalPoints(points, comms[r])
			c.Assert(err, IsNil)
			domains[r] = domain
		}(r)
	}
	wg.Wait()

	c.Assert(domains[1].Equal(domains[0]), IsTrue)
}
