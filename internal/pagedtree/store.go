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
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// WriteFunc persists a node's serialized block at the given disk block
// number.
type WriteFunc func(ctx context.Context, block uint32, raw []byte) error

// AllocFunc allocates a fresh node-slot disk block number.
type AllocFunc func() (uint32, error)

// Callbacks is the per-tree vtable of spec §4.5: allocating fresh node
// slots, reading existing ones, and persisting edited ones.
type Callbacks struct {
	Alloc AllocFunc
	Read  ReadFunc
	Write WriteFunc
}

// Move records a node's relocation during a copy-on-write Sync pass: From
// remains referenced by the last committed checkpoint until that
// checkpoint is superseded, at which point it may be freed.
type Move struct {
	From, To uint32
}

// Tree is one copy-on-write B-tree instance sharing a Cache with its
// siblings, as spec §4.5 describes ("the cache is shared by all trees").
type Tree struct {
	KeySize, ValueSize int
	cache              *Cache
	cb                 Callbacks

	mu   sync.Mutex
	root uint32

	dirtyMu sync.Mutex
	dirty   map[uint32]*NodeInfo
}

// NewTree attaches a Tree of the given key/value sizes, rooted at root, to
// the shared cache using cb for persistence.
func NewTree(cache *Cache, cb Callbacks, root uint32, keySize, valueSize int) *Tree {
	return &Tree{
		KeySize:   keySize,
		ValueSize: valueSize,
		cache:     cache,
		cb:        cb,
		root:      root,
		dirty:     make(map[uint32]*NodeInfo),
	}
}

// Root returns the tree's current root disk block.
func (t *Tree) Root() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// setRoot is used internally after a COW sync remaps the root.
func (t *Tree) setRoot(r uint32) {
	t.mu.Lock()
	t.root = r
	t.mu.Unlock()
}

// GetNode fetches the node at block, for read-only use.
func (t *Tree) GetNode(ctx context.Context, block uint32, nonBlocking bool) (*NodeInfo, error) {
	return t.cache.Get(ctx, block, t.KeySize, t.ValueSize, nonBlocking, t.cb.Read)
}

// EditNode fetches the node at block and marks it dirty, linking it onto
// this tree's dirty list for the next COW Sync.
func (t *Tree) EditNode(ctx context.Context, block uint32, nonBlocking bool) (*NodeInfo, error) {
	info, err := t.GetNode(ctx, block, nonBlocking)
	if err != nil {
		return nil, err
	}
	t.cache.MarkDirty(info)
	t.dirtyMu.Lock()
	t.dirty[block] = info
	t.dirtyMu.Unlock()
	return info, nil
}

// AllocNode allocates a fresh node slot and installs node into the cache,
// pre-marked dirty so it's swept up by the next Sync.
func (t *Tree) AllocNode(node *Node) (*NodeInfo, error) {
	block, err := t.cb.Alloc()
	if err != nil {
		return nil, fmt.Errorf("pagedtree: alloc node: %w", err)
	}
	info := t.cache.Put(block, node)
	t.cache.MarkDirty(info)
	t.dirtyMu.Lock()
	t.dirty[block] = info
	t.dirtyMu.Unlock()
	return info, nil
}

// Sync performs the copy-on-write checkpoint sync of spec §4.5: atomically
// steal the dirty list; for each dirty node allocate a fresh disk block
// (the old block stays referenced by the last checkpoint); remap child
// pointers in each dirty node via the old->new map; recompute checksum;
// write; then report the new root. The caller (internal/server's
// Host.Checkpoint) defers freeing each returned Move's "from" block in the
// node bitmap until the next checkpoint commits.
func (t *Tree) Sync(ctx context.Context) (newRoot uint32, moved []Move, err error) {
	t.dirtyMu.Lock()
	stolen := t.dirty
	t.dirty = make(map[uint32]*NodeInfo)
	t.dirtyMu.Unlock()

	if len(stolen) == 0 {
		return t.Root(), nil, nil
	}

	remap := make(map[uint32]uint32, len(stolen))
	order := make([]uint32, 0, len(stolen))
	for b := range stolen {
		order = append(order, b)
	}

	for _, oldBlock := range order {
		newBlock, err := t.cb.Alloc()
		if err != nil {
			return 0, nil, fmt.Errorf("pagedtree: sync: alloc for old block %d: %w", oldBlock, err)
		}
		remap[oldBlock] = newBlock
	}

	for _, oldBlock := range order {
		info := stolen[oldBlock]
		node := info.Node()
		if !node.Leaf {
			for i, c := range node.Children {
				if nb, ok := remap[c]; ok {
					node.Children[i] = nb
				}
			}
		}
		node.Generation++
		raw, err := node.Marshal(t.KeySize, t.ValueSize)
		if err != nil {
			return 0, nil, fmt.Errorf("pagedtree: sync: marshal block %d: %w", oldBlock, err)
		}
		newBlock := remap[oldBlock]
		if err := t.cb.Write(ctx, newBlock, raw); err != nil {
			return 0, nil, fmt.Errorf("pagedtree: sync: write block %d: %w", newBlock, err)
		}
		moved = append(moved, Move{From: oldBlock, To: newBlock})
	}

	oldRoot := t.Root()
	nr, ok := remap[oldRoot]
	if !ok {
		// Root itself wasn't dirty (shouldn't normally happen once any
		// descendant changed, since COW requires re-writing the path to
		// the root, but tolerate it defensively).
		nr = oldRoot
	}
	t.setRoot(nr)
	klog.V(1).Infof("pagedtree: COW sync moved %d nodes, new root %d", len(moved), nr)
	return nr, moved, nil
}
