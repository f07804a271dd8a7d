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

// Package segment implements the append-only log segment (component C3):
// lock-free reservation of a byte range within a fixed 16 MiB segment,
// out-of-order write completion with in-order "stable end" visibility, and
// close semantics that let recovery treat the first all-zero block as the
// logical end of written data.
package segment

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/api/layout"
	"github.com/cloudfs-project/cloudfs/internal/blockdev"
)

// Mode is the lifecycle state of a segment.
type Mode int

const (
	Free Mode = iota
	Appendable
	Sealed
)

// pendingWrite records one in-flight reservation's block range, ordered by
// start offset so stable-end advancement can be computed by draining
// completed entries from the front of the heap.
type pendingWrite struct {
	startBlock uint32
	endBlock   uint32 // exclusive
	done       bool
}

type pendingHeap []*pendingWrite

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].startBlock < h[j].startBlock }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*pendingWrite)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// CompletionFunc is invoked, in reservation order, once all reservations
// that started at or before this one have completed their I/O.
type CompletionFunc func(id api.LogID, err error)

// Segment is one fixed-size region of the physical log, in one of Free,
// Appendable, or Sealed mode.
type Segment struct {
	dev   *blockdev.Device
	index uint64

	mode atomic.Int32

	// reserved is the lock-free atomic reservation counter, in blocks,
	// from the start of the segment's data region.
	reserved atomic.Uint32

	mu         sync.Mutex // guards pending and stableEnd, "spinlock" in spec terms
	pending    pendingHeap
	stableEnd  uint32 // highest block offset such that all earlier writes have completed
	subscribers []func(stableEnd uint32)
}

// New wraps segment index idx of dev as a fresh, Appendable segment.
func New(dev *blockdev.Device, idx uint64) *Segment {
	s := &Segment{dev: dev, index: idx}
	s.mode.Store(int32(Appendable))
	heap.Init(&s.pending)
	return s
}

// Mode returns the segment's current lifecycle state.
func (s *Segment) Mode() Mode { return Mode(s.mode.Load()) }

// Index returns the segment's position in the global segment address space.
func (s *Segment) Index() uint64 { return s.index }

// StableEnd returns the highest block offset such that every reservation
// starting before it has completed; reads at or past it must return zeros
// rather than risk observing an unstable write.
func (s *Segment) StableEnd() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stableEnd
}

// RemainingBlocks returns how many 512-byte blocks are left in the segment's
// data region given blocks already reserved (not yet necessarily written).
func (s *Segment) RemainingBlocks() uint32 {
	return api.SegmentBlocks - s.reserved.Load()
}

// Subscribe registers a callback invoked whenever StableEnd advances; used
// by the remote-log streamer to wake on newly-visible data (spec §4.11).
func (s *Segment) Subscribe(f func(stableEnd uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, f)
}

// reserve atomically claims nBlocks contiguous blocks at the current tail,
// returning the starting block offset. It never blocks: the reservation
// counter is advanced by a compare-and-swap loop, with no lock taken.
func (s *Segment) reserve(nBlocks uint32) (uint32, bool) {
	for {
		cur := s.reserved.Load()
		if cur+nBlocks > api.SegmentBlocks {
			return 0, false
		}
		if s.reserved.CompareAndSwap(cur, cur+nBlocks) {
			return cur, true
		}
	}
}

// Append reserves space for one log entry (head + body, nBlocks total,
// including the head block) and writes it, returning the LogID of the head.
// The physical write may race with other concurrent Append calls; the
// returned error reflects only this call's own I/O, but StableEnd will not
// advance past this reservation until it (and everything reserved before
// it) completes.
func (s *Segment) Append(ctx context.Context, head []byte, body []byte) (api.LogID, error) {
	if s.Mode() != Appendable {
		return api.InvalidLogID, fmt.Errorf("segment: segment %d is not appendable (mode=%v)", s.index, s.Mode())
	}
	if len(head) != api.HeadSize {
		return api.InvalidLogID, fmt.Errorf("segment: head must be %d bytes", api.HeadSize)
	}
	if len(body)%api.BlockSize != 0 {
		return api.InvalidLogID, fmt.Errorf("segment: body must be block-aligned")
	}
	nBlocks := uint32(1 + len(body)/api.BlockSize)

	start, ok := s.reserve(nBlocks)
	if !ok {
		return api.InvalidLogID, fmt.Errorf("segment: segment %d has insufficient space for %d blocks", s.index, nBlocks)
	}
	pw := &pendingWrite{startBlock: start, endBlock: start + nBlocks}
	s.mu.Lock()
	heap.Push(&s.pending, pw)
	s.mu.Unlock()

	buf := append(append([]byte(nil), head...), body...)
	writeErr := s.dev.WriteAt(ctx, layout.SectionLogSegments, int64(s.index)*api.SegmentSize+int64(start)*api.BlockSize, buf)

	s.completeWrite(pw, writeErr)

	if writeErr != nil {
		return api.InvalidLogID, writeErr
	}
	return api.NewLogID(s.index, uint16(start)), nil
}

// completeWrite marks pw done and advances StableEnd past any now-complete
// prefix of the pending heap, honoring happens-before: a subscriber only
// observes stable-end N once every reservation that started before N has
// finished its I/O, regardless of completion order.
func (s *Segment) completeWrite(pw *pendingWrite, err error) {
	s.mu.Lock()
	pw.done = true
	advanced := false
	for s.pending.Len() > 0 {
		top := s.pending[0]
		if !top.done {
			break
		}
		if top.startBlock != s.stableEnd {
			// A gap: an earlier reservation hasn't been issued/completed
			// yet relative to this contiguous run. Stop advancing.
			break
		}
		heap.Pop(&s.pending)
		s.stableEnd = top.endBlock
		advanced = true
	}
	var subs []func(uint32)
	se := s.stableEnd
	if advanced {
		subs = append(subs, s.subscribers...)
	}
	s.mu.Unlock()

	if err != nil {
		klog.Errorf("segment: write in segment %d failed: %v", s.index, err)
	}
	for _, f := range subs {
		f(se)
	}
}

// Close pads the remainder of the segment's data region with zeros (or
// equivalently stops reserving) so that recovery can treat "first zero
// block" as the logical end of written data, then marks it Sealed.
func (s *Segment) Close(ctx context.Context) error {
	s.mode.Store(int32(Sealed))
	// No explicit zero-fill write is required: the backing device is
	// zero-initialized at creation (blockdev.Open truncates a sparse
	// file) and CloudFS never reuses a segment's physical blocks without
	// going through the cleaner, which always rewrites a fresh segment
	// from the allocator. We do, however, wait for all outstanding
	// reservations to stabilize before declaring the segment closed.
	for {
		s.mu.Lock()
		done := s.pending.Len() == 0
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// ReadAt reads nBlocks blocks starting at block offset off. Blocks at or
// past StableEnd are not guaranteed written; callers must not rely on their
// contents, so ReadAt returns zeros for any portion past the stable end
// rather than risk exposing a partially-written or unreserved block.
func (s *Segment) ReadAt(ctx context.Context, off uint32, nBlocks uint32) ([]byte, error) {
	se := s.StableEnd()
	buf := make([]byte, int(nBlocks)*api.BlockSize)
	if off >= se {
		return buf, nil // wholly past the stable end: all zero
	}
	readable := nBlocks
	if off+readable > se {
		readable = se - off
	}
	if readable > 0 {
		if err := s.dev.ReadAt(ctx, layout.SectionLogSegments, int64(s.index)*api.SegmentSize+int64(off)*api.BlockSize, buf[:int(readable)*api.BlockSize]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
