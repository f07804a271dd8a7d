// Copyright 2025 The CloudFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagedtree

import (
	"bytes"
	"context"
	"fmt"
)

// NilBlock is the disk-block value meaning "no node", mirroring the
// original's tree_null_block.
const NilBlock = 0

// lowerBound returns the index of the first key in keys that is >= key,
// and whether an exact match was found at that index.
func lowerBound(keys [][]byte, key []byte) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(keys[mid], key)
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(keys) && bytes.Equal(keys[lo], key)
}

// Find descends the tree looking for key, returning its value and true, or
// false if absent. Root() == NilBlock means an empty tree.
func (t *Tree) Find(ctx context.Context, key []byte) ([]byte, bool, error) {
	block := t.Root()
	for block != NilBlock {
		info, err := t.GetNode(ctx, block, false)
		if err != nil {
			return nil, false, err
		}
		node := info.Node()
		idx, exact := lowerBound(node.Keys, key)
		if node.Leaf {
			if exact {
				return append([]byte(nil), node.Values[idx]...), true, nil
			}
			return nil, false, nil
		}
		block = node.Children[idx]
	}
	return nil, false, nil
}

// LowerBound returns the first key >= key in tree order together with its
// value, scanning across leaves if the starting leaf is exhausted. It is
// used by range-map style consumers that need "the interval covering or
// following this point" rather than an exact match.
func (t *Tree) LowerBound(ctx context.Context, key []byte) (foundKey, value []byte, ok bool, err error) {
	block := t.Root()
	for block != NilBlock {
		info, err := t.GetNode(ctx, block, false)
		if err != nil {
			return nil, nil, false, err
		}
		node := info.Node()
		idx, exact := lowerBound(node.Keys, key)
		if node.Leaf {
			if exact {
				return append([]byte(nil), node.Keys[idx]...), append([]byte(nil), node.Values[idx]...), true, nil
			}
			if idx < len(node.Keys) {
				return append([]byte(nil), node.Keys[idx]...), append([]byte(nil), node.Values[idx]...), true, nil
			}
			return nil, nil, false, nil
		}
		block = node.Children[idx]
	}
	return nil, nil, false, nil
}

// Insert sets key -> value, allocating and splitting nodes as needed. It
// implements descent-with-eager-split: any full node encountered on the way
// down is split before descending further, so a single pass suffices (the
// classic B-tree insertion strategy also used by the original on-disk
// format's fixed branch factor).
func (t *Tree) Insert(ctx context.Context, key, value []byte) error {
	maxEntries := MaxEntries(t.KeySize, t.ValueSize)

	if t.Root() == NilBlock {
		leaf := &Node{Leaf: true, Keys: [][]byte{key}, Values: [][]byte{value}}
		info, err := t.AllocNode(leaf)
		if err != nil {
			return err
		}
		t.setRoot(info.Block())
		return nil
	}

	rootInfo, err := t.EditNode(ctx, t.Root(), false)
	if err != nil {
		return err
	}
	if len(rootInfo.Node().Keys) >= maxEntries {
		oldRoot := rootInfo
		midKey, rightBlock, err := t.splitNode(ctx, oldRoot, maxEntries)
		if err != nil {
			return err
		}
		newRoot := &Node{
			Leaf:     false,
			Keys:     [][]byte{midKey},
			Children: []uint32{oldRoot.Block(), rightBlock},
		}
		newRootInfo, err := t.AllocNode(newRoot)
		if err != nil {
			return err
		}
		t.setRoot(newRootInfo.Block())
		rootInfo = newRootInfo
	}

	return t.insertNonFull(ctx, rootInfo, key, value, maxEntries)
}

// splitNode splits a full node in two, returning the separator key promoted
// to the parent and the newly allocated right sibling's block.
func (t *Tree) splitNode(ctx context.Context, info *NodeInfo, maxEntries int) (midKey []byte, rightBlock uint32, err error) {
	node := info.Node()
	mid := len(node.Keys) / 2

	right := &Node{Leaf: node.Leaf}
	right.Keys = append(right.Keys, node.Keys[mid+1:]...)
	right.Values = append(right.Values, node.Values[mid+1:]...)
	if !node.Leaf {
		right.Children = append(right.Children, node.Children[mid+1:]...)
	}

	separator := node.Keys[mid]

	node.Keys = node.Keys[:mid]
	node.Values = node.Values[:mid]
	if !node.Leaf {
		node.Children = node.Children[:mid+1]
	}

	rightInfo, err := t.AllocNode(right)
	if err != nil {
		return nil, 0, fmt.Errorf("pagedtree: split: %w", err)
	}
	return separator, rightInfo.Block(), nil
}

// insertNonFull inserts into a subtree rooted at a node already known to
// have spare capacity (the caller pre-splits full children before
// descending).
func (t *Tree) insertNonFull(ctx context.Context, info *NodeInfo, key, value []byte, maxEntries int) error {
	node := info.Node()
	idx, exact := lowerBound(node.Keys, key)

	if node.Leaf {
		if exact {
			node.Values[idx] = append([]byte(nil), value...)
			return nil
		}
		node.Keys = append(node.Keys, nil)
		copy(node.Keys[idx+1:], node.Keys[idx:])
		node.Keys[idx] = append([]byte(nil), key...)
		node.Values = append(node.Values, nil)
		copy(node.Values[idx+1:], node.Values[idx:])
		node.Values[idx] = append([]byte(nil), value...)
		return nil
	}

	childBlock := node.Children[idx]
	childInfo, err := t.EditNode(ctx, childBlock, false)
	if err != nil {
		return err
	}
	if len(childInfo.Node().Keys) >= maxEntries {
		midKey, rightBlock, err := t.splitNode(ctx, childInfo, maxEntries)
		if err != nil {
			return err
		}
		node.Keys = append(node.Keys, nil)
		copy(node.Keys[idx+1:], node.Keys[idx:])
		node.Keys[idx] = midKey
		node.Children = append(node.Children, 0)
		copy(node.Children[idx+2:], node.Children[idx+1:])
		node.Children[idx+1] = rightBlock
		if bytes.Compare(key, midKey) >= 0 {
			childInfo, err = t.EditNode(ctx, rightBlock, false)
			if err != nil {
				return err
			}
		}
	}
	return t.insertNonFull(ctx, childInfo, key, value, maxEntries)
}
