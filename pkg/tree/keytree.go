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
	"github.com/google/btree"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/morton"
)

const defaultBTreeDegree = 64

// KeyItem is the key btree item.
type KeyItem struct {
	key morton.MortonKey
}

// Less orders items by Morton order.
func (i *KeyItem) Less(other btree.Item) bool {
	return i.key.Morton < other.(*KeyItem).key.Morton
}

// KeyTree is an ordered set of Morton keys backed by a btree. It serves
// membership tests for the balancer and enclosing-leaf lookups.
type KeyTree struct {
	tree *btree.BTree
}

// NewKeyTree returns an empty key tree.
func NewKeyTree() *KeyTree {
	return &KeyTree{
		tree: btree.New(defaultBTreeDegree),
	}
}

// Len returns the number of keys.
func (t *KeyTree) Len() int {
	return t.tree.Len()
}

// Insert adds the key; reports whether it was not already present.
func (t *KeyTree) Insert(key morton.MortonKey) bool {
	return t.tree.ReplaceOrInsert(&KeyItem{key: key}) == nil
}

// Has reports membership.
func (t *KeyTree) Has(key morton.MortonKey) bool {
	return t.tree.Has(&KeyItem{key: key})
}

// Ascend visits the keys in Morton order until fn returns false.
func (t *KeyTree) Ascend(fn func(key morton.MortonKey) bool) {
	t.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(*KeyItem).key)
	})
}

// Keys returns all keys in Morton order.
func (t *KeyTree) Keys() []morton.MortonKey {
	keys := make([]morton.MortonKey, 0, t.tree.Len())
	t.Ascend(func(key morton.MortonKey) bool {
		keys = append(keys, key)
		return true
	})

	return keys
}

// Enclosing returns the deepest member that equals the key or is one of
// its ancestors. In Morton order every candidate sorts at or before the
// key, so the search descends from the key until a container is found.
func (t *KeyTree) Enclosing(key morton.MortonKey) (morton.MortonKey, bool) {
	var found morton.MortonKey
	ok := false

	t.tree.DescendLessOrEqual(&KeyItem{key: key}, func(i btree.Item) bool {
		member := i.(*KeyItem).key
		if member.Equal(key) || member.IsAncestorOf(key) {
			found = member
			ok = true
			return false
		}

		// Members between an ancestor and the key are all descendants of
		// that ancestor, so the walk stays short on linearized trees.
		return true
	})

	return found, ok
}
