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

// Package alloc implements the segment allocator (component C2): a bitmap
// over the fixed universe of log segments, and a second bitmap over paged
// B-tree node slots whose frees are deferred until the owning checkpoint
// commits.
package alloc

import (
	"fmt"
	"sync"

	"github.com/cloudfs-project/cloudfs/api/layout"
)

// Bitmap is a fixed-size, linearly-scanned allocation bitmap.
type Bitmap struct {
	mu   sync.Mutex
	bits []uint64
	n    int
}

// NewBitmap creates a Bitmap over n indices, all initially clear (free).
func NewBitmap(n int) *Bitmap {
	return &Bitmap{bits: make([]uint64, (n+63)/64), n: n}
}

// Alloc scans for the first clear bit, sets it, and returns its index.
func (b *Bitmap) Alloc() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.bits {
		if b.bits[w] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			idx := w*64 + bit
			if idx >= b.n {
				break
			}
			if b.bits[w]&(1<<uint(bit)) == 0 {
				b.bits[w] |= 1 << uint(bit)
				return idx, nil
			}
		}
	}
	return 0, fmt.Errorf("alloc: no free slots in bitmap of size %d", b.n)
}

// Free clears bit idx, making it available for reuse.
func (b *Bitmap) Free(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits[idx/64] &^= 1 << uint(idx%64)
}

// Set marks idx allocated unconditionally, used when restoring a bitmap
// from a checkpoint at recovery.
func (b *Bitmap) Set(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits[idx/64] |= 1 << uint(idx%64)
}

// IsSet reports whether idx is currently allocated.
func (b *Bitmap) IsSet(idx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits[idx/64]&(1<<uint(idx%64)) != 0
}

// Snapshot returns a copy of the raw words, for checkpointing.
func (b *Bitmap) Snapshot() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.bits))
	copy(out, b.bits)
	return out
}

// Restore replaces the bitmap contents, used at recovery.
func (b *Bitmap) Restore(words []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.bits, words)
}

// deferredFree is a node-slot free that must not take effect until the
// checkpoint generation in which it was requested has committed: the old
// block may still be referenced by the last durable checkpoint.
type deferredFree struct {
	idx        int
	generation uint64
}

// Allocator owns the segment bitmap and the paged B-tree node-slot bitmap
// for one host. Segment frees take effect immediately (callers only free a
// segment once the cleaner has drained it and no checkpoint can still
// reference it); node-slot frees are deferred to the next checkpoint commit
// because a not-yet-persisted checkpoint's superTreeRoot may still chain
// through the old block.
type Allocator struct {
	Segments *Bitmap
	Nodes    *Bitmap

	mu       sync.Mutex
	deferred []deferredFree
}

// New creates an Allocator sized to the spec's fixed universes:
// layout.MaxNumSegments segments and layout.TreeMaxBlocks node slots.
func New() *Allocator {
	return &Allocator{
		Segments: NewBitmap(layout.MaxNumSegments),
		Nodes:    NewBitmap(layout.TreeMaxBlocks),
	}
}

// AllocSegment returns the first free segment index.
func (a *Allocator) AllocSegment() (int, error) { return a.Segments.Alloc() }

// FreeSegment immediately returns a segment to the free pool. Callers must
// only do this once the segment cleaner has confirmed no live data remains
// in it and it is no longer referenced by any range-map entry.
func (a *Allocator) FreeSegment(idx int) { a.Segments.Free(idx) }

// AllocNode returns the first free paged B-tree node slot.
func (a *Allocator) AllocNode() (int, error) { return a.Nodes.Alloc() }

// DeferFreeNode queues idx to be freed once generation's checkpoint commits
// (see package doc and spec §4.2).
func (a *Allocator) DeferFreeNode(idx int, generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred = append(a.deferred, deferredFree{idx: idx, generation: generation})
}

// CommitGeneration releases every deferred node free queued at or before
// generation, called by the checkpointer once that generation's checkpoint
// slot is durably written.
func (a *Allocator) CommitGeneration(generation uint64) {
	a.mu.Lock()
	remaining := a.deferred[:0]
	var toFree []int
	for _, d := range a.deferred {
		if d.generation <= generation {
			toFree = append(toFree, d.idx)
		} else {
			remaining = append(remaining, d)
		}
	}
	a.deferred = remaining
	a.mu.Unlock()

	for _, idx := range toFree {
		a.Nodes.Free(idx)
	}
}
