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

package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"
)

// History is a tamper-evident, append-only audit log of every checkpoint a
// host has ever committed: each commit's marshaled bytes becomes a leaf in a
// Merkle tree, so an auditor who recorded an old root can verify that a
// later root still extends it, the same incremental range construction the
// teacher uses to integrate log entries into a tile tree. This supplements
// recovery (which only cares about the latest generation) with a record a
// monitor can use to detect a rolled-back or rewritten checkpoint slot.
type History struct {
	mu    sync.Mutex
	rf    *compact.RangeFactory
	rng   *compact.Range
	size  uint64
	root  []byte
	leafs [][]byte
}

// NewHistory creates an empty checkpoint history.
func NewHistory() *History {
	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
	return &History{rf: rf, rng: rf.NewEmptyRange(0)}
}

// Append adds cp's marshaled form as the next leaf, returning the new root
// hash and tree size.
func (h *History) Append(ctx context.Context, marshaled []byte) (root []byte, size uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	leafHash := rfc6962.DefaultHasher.HashLeaf(marshaled)
	if err := h.rng.Append(leafHash, nil); err != nil {
		return nil, 0, fmt.Errorf("checkpoint: history append: %w", err)
	}
	root, err = h.rng.GetRootHash(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint: history root: %w", err)
	}
	h.size++
	h.root = root
	h.leafs = append(h.leafs, marshaled)
	return root, h.size, nil
}

// Root returns the most recently computed root hash and tree size.
func (h *History) Root() (root []byte, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.root, h.size
}
