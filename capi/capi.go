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

// Package main exposes the distributed tree to host languages over a flat
// C ABI. Build with:
//
//	go build -buildmode=c-shared -o librustytree.so ./capi
//
// Handles are opaque 64 bit ids owned by this library; rtree_free releases
// a tree handle together with the C copies of its buffers. The in-process
// communicator is exposed the same way: the host creates a universe of N
// ranks and drives one thread per rank.
package main

/*
#include <stdlib.h>
#include <string.h>

typedef struct {
	unsigned long long anchor[3];
	unsigned long long morton;
} rtree_morton_key_t;

typedef struct {
	double coordinate[3];
	unsigned long long global_idx;
	rtree_morton_key_t key;
} rtree_point_t;

typedef struct {
	double origin[3];
	double diameter[3];
} rtree_domain_t;
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/tree"
)

type treeHandle struct {
	tree *tree.DistributedTree

	commRaw uint64
	keys    unsafe.Pointer
	nkeys   int
	points  unsafe.Pointer
	npoints int
}

var (
	mu        sync.Mutex
	nextID    uint64
	universes = make(map[uint64][]comm.Communicator)
	comms     = make(map[uint64]comm.Communicator)
	trees     = make(map[uint64]*treeHandle)
)

func allocID() uint64 {
	nextID++
	return nextID
}

//export rtree_local_universe_new
func rtree_local_universe_new(size C.int) C.ulonglong {
	mu.Lock()
	defer mu.Unlock()

	id := allocID()
	universes[id] = comm.NewLocalComms(int(size))
	return C.ulonglong(id)
}

//export rtree_local_comm
func rtree_local_comm(universe C.ulonglong, rank C.int) C.ulonglong {
	mu.Lock()
	defer mu.Unlock()

	ranks, ok := universes[uint64(universe)]
	if !ok || int(rank) < 0 || int(rank) >= len(ranks) {
		return 0
	}

	id := allocID()
	comms[id] = ranks[rank]
	return C.ulonglong(id)
}

//export rtree_new
func rtree_new(commRaw C.ulonglong, coordinates *C.double, npoints C.ulonglong, balanced C.int) C.ulonglong {
	mu.Lock()
	c, ok := comms[uint64(commRaw)]
	mu.Unlock()
	if !ok {
		return 0
	}

	n := int(npoints)
	flat := unsafe.Slice((*float64)(unsafe.Pointer(coordinates)), 3*n)
	coords := make([][3]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = [3]float64{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}

	t, err := tree.NewDistributedTree(coords, balanced != 0, c)
	if err != nil {
		return 0
	}

	h := &treeHandle{tree: t, commRaw: uint64(commRaw)}
	h.fillBuffers()

	mu.Lock()
	defer mu.Unlock()
	id := allocID()
	trees[id] = h
	return C.ulonglong(id)
}

// fillBuffers copies the leaf keys and points into C memory so that the
// host can keep raw pointers without pinning Go memory.
func (h *treeHandle) fillBuffers() {
	keys := h.tree.Keys()
	h.nkeys = len(keys)
	h.keys = C.malloc(C.size_t(h.nkeys+1) * C.sizeof_rtree_morton_key_t)

	ckeys := unsafe.Slice((*C.rtree_morton_key_t)(h.keys), h.nkeys+1)
	for i, k := range keys {
		ckeys[i] = makeCKey(k)
	}

	h.npoints = len(h.tree.Points)
	h.points = C.malloc(C.size_t(h.npoints+1) * C.sizeof_rtree_point_t)

	cpoints := unsafe.Slice((*C.rtree_point_t)(h.points), h.npoints+1)
	for i, p := range h.tree.Points {
		cpoints[i] = C.rtree_point_t{
			coordinate: [3]C.double{
				C.double(p.Coordinate[0]),
				C.double(p.Coordinate[1]),
				C.double(p.Coordinate[2]),
			},
			global_idx: C.ulonglong(p.GlobalIdx),
			key:        makeCKey(p.Key),
		}
	}
}

func makeCKey(k morton.MortonKey) C.rtree_morton_key_t {
	return C.rtree_morton_key_t{
		anchor: [3]C.ulonglong{
			C.ulonglong(k.Anchor[0]),
			C.ulonglong(k.Anchor[1]),
			C.ulonglong(k.Anchor[2]),
		},
		morton: C.ulonglong(k.Morton),
	}
}

func fromCKey(k C.rtree_morton_key_t) morton.MortonKey {
	return morton.FromMorton(uint64(k.morton))
}

func getTree(handle C.ulonglong) *treeHandle {
	mu.Lock()
	defer mu.Unlock()
	return trees[uint64(handle)]
}

//export rtree_free
func rtree_free(handle C.ulonglong) {
	mu.Lock()
	h, ok := trees[uint64(handle)]
	delete(trees, uint64(handle))
	mu.Unlock()

	if ok {
		C.free(h.keys)
		C.free(h.points)
	}
}

//export rtree_keys_ptr
func rtree_keys_ptr(handle C.ulonglong) *C.rtree_morton_key_t {
	if h := getTree(handle); h != nil {
		return (*C.rtree_morton_key_t)(h.keys)
	}
	return nil
}

//export rtree_keys_len
func rtree_keys_len(handle C.ulonglong) C.ulonglong {
	if h := getTree(handle); h != nil {
		return C.ulonglong(h.nkeys)
	}
	return 0
}

//export rtree_points_ptr
func rtree_points_ptr(handle C.ulonglong) *C.rtree_point_t {
	if h := getTree(handle); h != nil {
		return (*C.rtree_point_t)(h.points)
	}
	return nil
}

//export rtree_points_len
func rtree_points_len(handle C.ulonglong) C.ulonglong {
	if h := getTree(handle); h != nil {
		return C.ulonglong(h.npoints)
	}
	return 0
}

//export rtree_domain
func rtree_domain(handle C.ulonglong) C.rtree_domain_t {
	var out C.rtree_domain_t
	h := getTree(handle)
	if h == nil {
		return out
	}

	for i := 0; i < 3; i++ {
		out.origin[i] = C.double(h.tree.Domain.Origin[i])
		out.diameter[i] = C.double(h.tree.Domain.Diameter[i])
	}
	return out
}

//export rtree_balanced
func rtree_balanced(handle C.ulonglong) C.int {
	if h := getTree(handle); h != nil && h.tree.Balanced {
		return 1
	}
	return 0
}

//export rtree_comm_raw
func rtree_comm_raw(handle C.ulonglong) C.ulonglong {
	if h := getTree(handle); h != nil {
		return C.ulonglong(h.commRaw)
	}
	return 0
}

//export rtree_key_parent
func rtree_key_parent(key C.rtree_morton_key_t) C.rtree_morton_key_t {
	return makeCKey(fromCKey(key).Parent())
}

//export rtree_key_level
func rtree_key_level(key C.rtree_morton_key_t) C.ulonglong {
	return C.ulonglong(fromCKey(key).Level())
}

//export rtree_key_children
func rtree_key_children(key C.rtree_morton_key_t, out *C.rtree_morton_key_t) {
	children := unsafe.Slice(out, 8)
	for i, c := range fromCKey(key).Children() {
		children[i] = makeCKey(c)
	}
}

//export rtree_key_from_point
func rtree_key_from_point(coordinate *C.double, domain C.rtree_domain_t) C.rtree_morton_key_t {
	var p [3]float64
	var d morton.Domain
	flat := unsafe.Slice((*float64)(unsafe.Pointer(coordinate)), 3)
	for i := 0; i < 3; i++ {
		p[i] = flat[i]
		d.Origin[i] = float64(domain.origin[i])
		d.Diameter[i] = float64(domain.diameter[i])
	}

	key, err := morton.FromPoint(p, &d)
	if err != nil {
		return C.rtree_morton_key_t{}
	}
	return makeCKey(key)
}

func main() {}
