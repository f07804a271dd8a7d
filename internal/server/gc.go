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

package server

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
)

// RunGCLoop periodically feeds each volume's range-map obsolescence counts
// into its cleaner and compacts whatever segments clear the low-water mark,
// until ctx is cancelled.
func (h *Host) RunGCLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.runGCPass(ctx)
		}
	}
}

func (h *Host) runGCPass(ctx context.Context) {
	h.mu.Lock()
	slots := make([]*diskSlot, 0, len(h.disks))
	for _, s := range h.disks {
		slots = append(slots, s)
	}
	h.mu.Unlock()

	for _, slot := range slots {
		for segIdx, obsolete := range slot.byLBA.ObsolescenceSnapshot() {
			live := h.metalog.Segment(segIdx).StableEnd()
			slot.clean.RecordObsolescence(segIdx, obsolete, live)
		}
		for _, segIdx := range slot.clean.SelectCandidates(1) {
			if err := h.compactSegment(ctx, slot, segIdx); err != nil {
				klog.Errorf("server: gc: compact segment %d for %s: %v", segIdx, slot.vd.ID().Hex(), err)
			}
		}
	}
}

// compactSegment recopies segIdx's still-live entries belonging to slot's
// volume and, once the cleaner confirms every one of them now resolves
// elsewhere, frees the old segment.
//
// Pointer-record relinking (the PatchIntent side of compaction, for
// segments referenced from another segment's forward/backward chain
// pointer) is not implemented: this build always compacts with an empty
// intent list. A reclaimed segment's neighbors are not patched to route
// around it, which is only safe as long as nothing still walks the raw
// segment chain to resolve data -- true for reads and replication catch-up,
// which both go through the range map and the LSN index -- but would need
// fixing before the segment chain itself is used for recovery ordering
// beyond what the checkpoint bitmap already covers.
func (h *Host) compactSegment(ctx context.Context, slot *diskSlot, segIdx uint64) error {
	entries, err := h.scanSegment(ctx, segIdx)
	if err != nil {
		return err
	}

	var live []api.LogID
	for _, e := range entries {
		if !e.Head.Disk.Equals(slot.vd.ID()) || e.Head.Tag != api.TagUpdate {
			continue
		}
		rng, ok, err := slot.byLBA.Lookup(ctx, e.Head.Blkno)
		if err != nil {
			return err
		}
		if !ok || !rng.Target.Equals(e.ID) {
			continue // superseded since this entry was written
		}
		if rng.From > e.Head.Blkno || rng.From+rng.Length < e.Head.Blkno+uint64(e.Head.NumBlocks) {
			continue // only partially still resolves here, leave it to a later pass
		}
		live = append(live, e.ID)
	}

	if len(live) > 0 {
		if _, err := slot.clean.CompactSegment(ctx, live, nil); err != nil {
			return err
		}
	}

	if h.archiver != nil {
		raw, err := h.metalog.Segment(segIdx).ReadAt(ctx, 0, api.SegmentBlocks)
		if err != nil {
			return fmt.Errorf("server: gc: read segment %d for archival: %w", segIdx, err)
		}
		h.mu.Lock()
		generation := h.generation
		h.mu.Unlock()
		if err := h.archiver.Archive(ctx, segIdx, generation, raw); err != nil {
			return err
		}
	}

	h.alloc.FreeSegment(int(segIdx))
	return nil
}
