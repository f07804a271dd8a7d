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

// Package cleaner implements segment reclamation (component C9): ranking
// segments by how much of their content has been superseded, copying
// whatever is still live into a fresh segment, and patching the range map
// entries that pointed at the moved data before the old segment is returned
// to the allocator. Rewrites of the forward/backward pointer records that
// chained through it are journaled as PatchIntents and applied only by
// ReplayJournal's caller-supplied apply function.
package cleaner

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/alloc"
	"github.com/cloudfs-project/cloudfs/internal/fingerprint"
)

// growthWindow is the number of recent RecordObsolescence samples averaged
// per segment into candidate.growth.
const growthWindow = 30

// candidate is one entry in the obsolescence max-heap: a segment ranked by
// the fraction of its blocks that are no longer live. growth keeps a moving
// average of recent obsolescence increments; it is reported in
// SelectCandidates' log line and does not affect the ranking.
type candidate struct {
	segment  uint64
	obsolete uint32
	liveHint uint32 // total blocks written, for computing reclaimable fraction
	growth   *movingaverage.ConcurrentMovingAverage
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	// Max-heap on obsolete fraction (obsolete/liveHint, compared by
	// cross-multiplication): the segment with the largest reclaimable share
	// is cleaned first.
	return uint64(h[i].obsolete)*uint64(h[j].liveHint) > uint64(h[j].obsolete)*uint64(h[i].liveHint)
}
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Update is one range-map replacement the cleaner needs applied once a
// segment's live data has been recopied: the logical interval [From, To)
// that used to resolve to OldTarget must now resolve to NewTarget. This
// mirrors the original's batched "struct update" (add_update), deferred
// until the copy pass completes so the range map is only rewritten once per
// segment rather than once per block.
type Update struct {
	From, To           uint64
	OldTarget, NewTarget api.LogID
}

// PatchIntent is one pointer-record rewrite: the segment boundary record at
// From used to chain to OldTarget; after copying, it must chain to
// NewTarget instead. Patching pointer records is the only step of
// compaction that is not naturally crash-consistent by way of copy-on-write
// (see SPEC_FULL.md Open Question (b)): a crash between copying a segment's
// data and rewriting the pointer record that referenced it would otherwise
// leave the log chain pointing at a freed segment. Journal entries are
// written and fsynced before the corresponding patch is applied, and are
// only cleared after the patch itself is durable, so recovery can always
// tell whether a patch needs to be retried.
type PatchIntent struct {
	Direction api.PointerDirection
	From      api.LogID
	OldTarget api.LogID
	NewTarget api.LogID
}

// Journal durably records PatchIntents before they are applied, and is
// consulted at recovery to re-apply any intent whose patch never completed.
type Journal interface {
	Append(ctx context.Context, intent PatchIntent) error
	Clear(ctx context.Context, intent PatchIntent) error
	Pending(ctx context.Context) ([]PatchIntent, error)
}

// SegmentReader retrieves the still-live body bytes for a log entry.
type SegmentReader interface {
	ReadEntry(ctx context.Context, id api.LogID) (head api.Head, body []byte, err error)
}

// SegmentWriter is the subset of MetaLog the cleaner writes recopied entries
// through.
type SegmentWriter interface {
	Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error)
}

// RangeMapPatcher applies a resolved Update to the logical interval map.
type RangeMapPatcher interface {
	Insert(ctx context.Context, from, length uint64, target api.LogID) error
}

// Cleaner selects and compacts segments.
type Cleaner struct {
	alloc   *alloc.Allocator
	reader  SegmentReader
	writer  SegmentWriter
	rangeMp RangeMapPatcher
	journal Journal

	mu    sync.Mutex
	heap  candidateHeap
	index map[uint64]*candidate

	lowWaterPct int
	overlap     *fingerprint.Graph
}

// UseOverlapGraph opts a Cleaner into dedup-aware tie-breaking: when two or
// more candidates are otherwise equally reclaimable, SelectCandidates prefers
// the ones that share the most fingerprinted content with the rest of the
// batch, so a single compaction pass is more likely to coalesce duplicate
// data into one fresh segment (spec §4.9/§4.10 interaction).
func (c *Cleaner) UseOverlapGraph(g *fingerprint.Graph) {
	c.overlap = g
}

// New creates a Cleaner over the given collaborators. lowWaterPct is the
// obsolescence percentage (0-100) below which SelectCandidates stops
// proposing segments to reclaim.
func New(a *alloc.Allocator, reader SegmentReader, writer SegmentWriter, rangeMp RangeMapPatcher, journal Journal, lowWaterPct int) *Cleaner {
	return &Cleaner{
		alloc:       a,
		reader:      reader,
		writer:      writer,
		rangeMp:     rangeMp,
		journal:     journal,
		index:       make(map[uint64]*candidate),
		lowWaterPct: lowWaterPct,
	}
}

// RecordObsolescence accumulates obsoleteBlocks more garbage in segment,
// out of liveHint total blocks the segment ever held. It is fed by the
// range map whenever a write supersedes an earlier one (see
// internal/rangemap.Map.ObsolescenceSnapshot).
func (c *Cleaner) RecordObsolescence(segment uint64, obsoleteBlocks, liveHint uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cd, ok := c.index[segment]
	if !ok {
		cd = &candidate{segment: segment, growth: movingaverage.Concurrent(movingaverage.New(growthWindow))}
		c.index[segment] = cd
		heap.Push(&c.heap, cd)
	}
	cd.obsolete += obsoleteBlocks
	cd.growth.Add(float64(obsoleteBlocks))
	if liveHint > cd.liveHint {
		cd.liveHint = liveHint
	}
	heap.Fix(&c.heap, indexOf(c.heap, cd))
}

func indexOf(h candidateHeap, cd *candidate) int {
	for i, c := range h {
		if c == cd {
			return i
		}
	}
	return -1
}

// SelectCandidates returns up to n segments worth reclaiming, highest
// obsolescence fraction first, without removing them from the heap (a
// segment is only cleared once its compaction fully commits).
func (c *Cleaner) SelectCandidates(n int) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append(candidateHeap(nil), c.heap...)
	heap.Init(&cp)

	var out []uint64
	var pcts []int
	for len(cp) > 0 && len(out) < n {
		top := heap.Pop(&cp).(*candidate)
		if top.liveHint == 0 {
			continue
		}
		pct := int(top.obsolete) * 100 / int(top.liveHint)
		if pct < c.lowWaterPct {
			break
		}
		out = append(out, top.segment)
		pcts = append(pcts, pct)
		klog.V(2).Infof("cleaner: selected segment %d (obsolescence %d%%, smoothed growth/sample %.1f)", top.segment, pct, top.growth.Avg())
	}
	if c.overlap != nil {
		out = reorderByOverlap(out, pcts, c.overlap)
	}
	return out
}

// reorderByOverlap re-sorts each contiguous run of segments tied on
// obsolescence percentage by their total fingerprint overlap weight with the
// rest of the run, highest first, so dedup-heavy groups compact together.
// Segments not tied with any neighbor are left in their original order.
func reorderByOverlap(segs []uint64, pcts []int, g *fingerprint.Graph) []uint64 {
	out := append([]uint64(nil), segs...)
	for start := 0; start < len(out); {
		end := start + 1
		for end < len(out) && pcts[end] == pcts[start] {
			end++
		}
		if end-start > 1 {
			run := out[start:end]
			score := make(map[uint64]int, len(run))
			for _, a := range run {
				total := 0
				for _, b := range run {
					total += g.Weight(a, b)
				}
				score[a] = total
			}
			for i := 1; i < len(run); i++ {
				for j := i; j > 0 && score[run[j]] > score[run[j-1]]; j-- {
					run[j], run[j-1] = run[j-1], run[j]
				}
			}
		}
		start = end
	}
	return out
}

// CompactSegment copies every entry in liveEntries into a fresh segment via
// c.writer, journals each of intents, applies the range-map updates that
// redirect references away from the old segment, and finally clears the
// journaled intents. It does not itself rewrite pointer records: intents are
// only journaled and cleared here (ReplayJournal is what applies them).
// It does not itself free the old segment: the caller does that only once
// it has independently confirmed (e.g. via the range map) that nothing
// still resolves into it.
func (c *Cleaner) CompactSegment(ctx context.Context, liveEntries []api.LogID, intents []PatchIntent) ([]Update, error) {
	// Fan out the disk reads -- the slow, parallelizable half of the copy
	// pass -- and keep the actual append to the fresh segment sequential,
	// since it must land in a single, caller-determined order.
	type loaded struct {
		head api.Head
		body []byte
	}
	entries := make([]loaded, len(liveEntries))
	g, gctx := errgroup.WithContext(ctx)
	for i, old := range liveEntries {
		i, old := i, old
		g.Go(func() error {
			head, body, err := c.reader.ReadEntry(gctx, old)
			if err != nil {
				return fmt.Errorf("cleaner: read entry %v: %w", old, err)
			}
			entries[i] = loaded{head: head, body: body}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var updates []Update
	for i, old := range liveEntries {
		e := entries[i]
		newID, err := c.writer.Append(ctx, e.head, e.body)
		if err != nil {
			return nil, fmt.Errorf("cleaner: recopy entry %v: %w", old, err)
		}
		updates = append(updates, Update{
			From:      e.head.Blkno,
			To:        e.head.Blkno + uint64(e.head.NumBlocks),
			OldTarget: old,
			NewTarget: newID,
		})
	}

	for _, intent := range intents {
		if err := c.journal.Append(ctx, intent); err != nil {
			return nil, fmt.Errorf("cleaner: journal patch intent: %w", err)
		}
	}

	for _, u := range updates {
		if err := c.rangeMp.Insert(ctx, u.From, u.To-u.From, u.NewTarget); err != nil {
			return nil, fmt.Errorf("cleaner: patch range map [%d,%d): %w", u.From, u.To, err)
		}
	}

	for _, intent := range intents {
		if err := c.journal.Clear(ctx, intent); err != nil {
			klog.Errorf("cleaner: failed to clear journaled patch intent %+v: %v", intent, err)
		}
	}

	return updates, nil
}

// ReplayJournal re-applies every pending PatchIntent left over from a
// compaction that crashed after journaling but before (or during) applying
// its patches. Recovery calls this before accepting new writes.
func (c *Cleaner) ReplayJournal(ctx context.Context, apply func(PatchIntent) error) error {
	pending, err := c.journal.Pending(ctx)
	if err != nil {
		return fmt.Errorf("cleaner: replay journal: %w", err)
	}
	for _, intent := range pending {
		if err := apply(intent); err != nil {
			return fmt.Errorf("cleaner: replay intent %+v: %w", intent, err)
		}
		if err := c.journal.Clear(ctx, intent); err != nil {
			return fmt.Errorf("cleaner: clear replayed intent %+v: %w", intent, err)
		}
	}
	return nil
}
