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

package comm

import (
	"sync"

	"github.com/pkg/errors"
)

// localWorld is the shared rendezvous board of an in-process communicator.
// A collective runs in two phases: every rank deposits its contribution,
// then every rank drains the full board. The board is reusable; ranks that
// race ahead into the next collective wait for the drain to finish.
type localWorld struct {
	mu       sync.Mutex
	cond     *sync.Cond
	initOnce sync.Once

	size     int
	arrived  int
	departed int
	draining bool
	contribs []interface{}
}

func (w *localWorld) init(size int) {
	w.initOnce.Do(func() {
		w.size = size
		w.cond = sync.NewCond(&w.mu)
		w.contribs = make([]interface{}, size)
	})
}

// exchange deposits the rank's contribution and returns everyone's,
// indexed by rank.
func (w *localWorld) exchange(rank int, contrib interface{}) []interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.draining {
		w.cond.Wait()
	}

	w.contribs[rank] = contrib
	w.arrived++
	if w.arrived == w.size {
		w.draining = true
		w.departed = 0
		w.cond.Broadcast()
	}

	for !w.draining {
		w.cond.Wait()
	}

	out := make([]interface{}, w.size)
	copy(out, w.contribs)

	w.departed++
	if w.departed == w.size {
		w.draining = false
		w.arrived = 0
		w.cond.Broadcast()
	}

	return out
}

// LocalComm is an in-process communicator: every rank is a goroutine and
// collectives rendezvous through a shared board. It is the SPMD harness
// used by the tests and the demo driver.
type LocalComm struct {
	rank  int
	world *localWorld

	mu     sync.Mutex
	closed bool
}

// NewLocalComms returns size communicators sharing one world, one per rank.
// Each returned communicator must be driven by its own goroutine.
func NewLocalComms(size int) []Communicator {
	world := &localWorld{}
	world.init(size)

	comms := make([]Communicator, size)
	for i := 0; i < size; i++ {
		comms[i] = &LocalComm{rank: i, world: world}
	}

	return comms
}

// Rank implements Communicator.
func (c *LocalComm) Rank() int {
	return c.rank
}

// Size implements Communicator.
func (c *LocalComm) Size() int {
	return c.world.size
}

type splitProposal struct {
	color     int
	candidate *localWorld
}

// Split implements Communicator. Every rank proposes a fresh world; the
// group adopts the proposal of its lowest old rank.
func (c *LocalComm) Split(color int) (Communicator, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	proposals := c.world.exchange(c.rank, splitProposal{
		color:     color,
		candidate: &localWorld{},
	})

	newRank := -1
	groupSize := 0
	var adopted *localWorld

	for rank, v := range proposals {
		p := v.(splitProposal)
		if p.color != color {
			continue
		}

		if adopted == nil {
			adopted = p.candidate
		}
		if rank == c.rank {
			newRank = groupSize
		}
		groupSize++
	}

	adopted.init(groupSize)
	return &LocalComm{rank: newRank, world: adopted}, nil
}

// AllReduceF64 implements Communicator.
func (c *LocalComm) AllReduceF64(op ReduceOp, send []float64) ([]float64, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	contribs := c.world.exchange(c.rank, send)

	vecs := make([][]float64, 0, len(contribs))
	for _, v := range contribs {
		vec := v.([]float64)
		if len(vec) != len(send) {
			return nil, errors.Wrapf(ErrBadShape, "allreduce, expect=<%d> actual=<%d>",
				len(send), len(vec))
		}
		vecs = append(vecs, vec)
	}

	return reduceF64(op, vecs), nil
}

// AllGather implements Communicator.
func (c *LocalComm) AllGather(send []byte) ([][]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	contribs := c.world.exchange(c.rank, send)

	out := make([][]byte, len(contribs))
	for rank, v := range contribs {
		out[rank] = v.([]byte)
	}

	return out, nil
}

// AllToAll implements Communicator.
func (c *LocalComm) AllToAll(send [][]byte) ([][]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	if len(send) != c.world.size {
		return nil, errors.Wrapf(ErrBadShape, "alltoall, expect=<%d> actual=<%d>",
			c.world.size, len(send))
	}

	contribs := c.world.exchange(c.rank, send)

	out := make([][]byte, len(contribs))
	for rank, v := range contribs {
		out[rank] = v.([][]byte)[c.rank]
	}

	return out, nil
}

// Close implements Communicator.
func (c *LocalComm) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *LocalComm) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	return nil
}
