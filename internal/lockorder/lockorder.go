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

// Package lockorder records the strict lock acquisition order CloudFS
// components must follow to avoid deadlock when more than one of a host's
// locks is held at once. Rank values order those locks, and a Holder lets a
// goroutine check that each lock it takes while already holding one has a
// strictly higher Rank; Holder.Acquire reports a violation as an error.
package lockorder

// Rank orders the locks a single goroutine may hold concurrently. A
// goroutine must never acquire a Rank it already holds a higher Rank than;
// it may always acquire a strictly higher Rank.
type Rank int

const (
	// RankPOSIX guards the filesystem-facing request façade that translates
	// incoming I/O into VDisk operations.
	RankPOSIX Rank = iota
	// RankVDisk guards a VDisk's chain state (secret, entropy, generation).
	RankVDisk
	// RankDemandFetch guards in-flight demand-paging of a not-yet-local block.
	RankDemandFetch
	// RankBufferedRanges guards a VDisk's not-yet-flushed interval writes.
	RankBufferedRanges
	// RankMetaLog guards a host's active-segment pointer and rollover state.
	RankMetaLog
	// RankAppendLog guards one segment's reservation/stable-end bookkeeping.
	RankAppendLog
	// RankRefCounts guards the paged-tree node cache's refcounts.
	RankRefCounts
	// RankSegmentList guards the open-segment LRU cache.
	RankSegmentList
	// RankRemoteLog guards one subscriber's streaming replication state.
	RankRemoteLog
	// RankBTreeRange guards a range map's top-level tree pointer.
	RankBTreeRange
	// RankRangeMap guards a range map's buffered-insert ring.
	RankRangeMap
	// RankRangeMapCache guards the paged-tree node cache shared by the range
	// and LSN trees.
	RankRangeMapCache
	// RankRangeMapQueues guards pending-flush queues built on the cache.
	RankRangeMapQueues
	// RankRangeMapNodes guards individual node edit buffers.
	RankRangeMapNodes
	// RankObsolescence guards the cleaner's obsolescence-counter heap.
	RankObsolescence
)

// Highest is the greatest Rank defined.
const Highest = RankObsolescence

// Holder tracks the highest Rank a goroutine-local caller currently holds.
// It checks only the ranks passed to Acquire; it takes no lock itself and
// wraps none.
type Holder struct {
	current Rank
	held    bool
}

// Acquire records that the caller is about to take a lock of rank r,
// returning an error if doing so would violate the strict ordering (r must
// be greater than whatever Rank, if any, is already held).
func (h *Holder) Acquire(r Rank) error {
	if h.held && r <= h.current {
		return rankViolation{held: h.current, attempted: r}
	}
	h.current = r
	h.held = true
	return nil
}

// Release clears the held rank, permitting the next Acquire to start fresh.
func (h *Holder) Release() {
	h.held = false
}

type rankViolation struct {
	held, attempted Rank
}

func (e rankViolation) Error() string {
	return "lockorder: attempted to acquire rank that does not strictly exceed the currently held rank"
}
