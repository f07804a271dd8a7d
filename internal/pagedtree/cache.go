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

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheLines is the number of lines in the shared node cache (2^11, per
// spec §4.5), backed here by golang-lru's bounded cache the same way the
// teacher bounds its in-memory dedup table (dedupe.go); golang-lru's own
// recency ordering stands in for the original's balanced bit-tree, and no
// separate per-line recency bit is kept.
const CacheLines = 1 << 11

// NodeInfo is the cache's placeholder/home for one resident node: either
// being fetched (ready == false, waiters populated) or resident.
type NodeInfo struct {
	mu      sync.Mutex
	block   uint32
	node    *Node
	ready   bool
	err     error
	waiters []chan struct{}
	refs    int
	dirty   bool
}

// Cache is the shared, pseudo-LRU node cache used by every tree backed by
// the same Store.
type Cache struct {
	lru *lru.Cache[uint32, *NodeInfo]
}

// NewCache creates a cache with CacheLines lines.
func NewCache() *Cache {
	c, err := lru.New[uint32, *NodeInfo](CacheLines)
	if err != nil {
		// Only possible if CacheLines <= 0, which it never is.
		panic(fmt.Errorf("pagedtree: new cache: %w", err))
	}
	return &Cache{lru: c}
}

// ReadFunc loads the NodeSize-byte block at the given disk block number.
type ReadFunc func(ctx context.Context, block uint32) ([]byte, error)

// ErrWouldBlock is returned by Get in a non-blocking context when the node
// isn't cache-resident and fetching it would require waiting on I/O; the
// caller queues a delayed lookup to be retried in a blocking context
// (spec §4.5 Node fault policy, §5 Suspension points).
var ErrWouldBlock = fmt.Errorf("pagedtree: would block")

// Get returns the cached or freshly-fetched node at block, incrementing its
// refcount and nudging its cache line toward most-recently-used. If
// nonBlocking is true and the node is not already resident, Get returns
// ErrWouldBlock immediately instead of issuing I/O.
func (c *Cache) Get(ctx context.Context, block uint32, keySize, valueSize int, nonBlocking bool, read ReadFunc) (*NodeInfo, error) {
	if info, ok := c.lru.Get(block); ok {
		return c.awaitReady(ctx, info)
	}

	if nonBlocking {
		return nil, ErrWouldBlock
	}

	info := &NodeInfo{block: block}
	info.mu.Lock()
	existing, loaded, _ := c.lru.PeekOrAdd(block, info)
	if loaded {
		info.mu.Unlock()
		return c.awaitReady(ctx, existing)
	}

	raw, err := read(ctx, block)
	if err != nil {
		info.err = err
		info.ready = true
		c.wakeLocked(info)
		info.mu.Unlock()
		return nil, err
	}
	node, err := Unmarshal(raw, keySize, valueSize)
	if err != nil {
		info.err = err
		info.ready = true
		c.wakeLocked(info)
		info.mu.Unlock()
		return nil, err
	}
	info.node = node
	info.ready = true
	info.refs++
	c.wakeLocked(info)
	info.mu.Unlock()
	return info, nil
}

// Put installs a freshly allocated, caller-populated node into the cache
// without reading it back from disk (used by alloc_node).
func (c *Cache) Put(block uint32, node *Node) *NodeInfo {
	info := &NodeInfo{block: block, node: node, ready: true, refs: 1}
	c.lru.Add(block, info)
	return info
}

func (c *Cache) wakeLocked(info *NodeInfo) {
	for _, ch := range info.waiters {
		close(ch)
	}
	info.waiters = nil
}

// awaitReady waits (if necessary) for a concurrently-loading NodeInfo to
// finish, then returns it with its refcount bumped.
func (c *Cache) awaitReady(ctx context.Context, info *NodeInfo) (*NodeInfo, error) {
	info.mu.Lock()
	if info.ready {
		if info.err != nil {
			info.mu.Unlock()
			return nil, info.err
		}
		info.refs++
		info.mu.Unlock()
		return info, nil
	}
	ch := make(chan struct{})
	info.waiters = append(info.waiters, ch)
	info.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.err != nil {
		return nil, info.err
	}
	info.refs++
	return info, nil
}

// Release drops a reference previously obtained from Get/Put.
func (c *Cache) Release(info *NodeInfo) {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.refs > 0 {
		info.refs--
	}
}

// MarkDirty flags info as modified, for collection by a tree's Sync pass.
func (c *Cache) MarkDirty(info *NodeInfo) {
	info.mu.Lock()
	info.dirty = true
	info.mu.Unlock()
}

// Node returns the resident node payload. Caller must hold a reference.
func (info *NodeInfo) Node() *Node {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.node
}

// Block returns the node's disk block number.
func (info *NodeInfo) Block() uint32 {
	return info.block
}
