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

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/streamer"
)

// physicalEntry is one parsed on-disk log entry together with the physical
// position it was read from, the unit both the replication streamer and
// the segment cleaner scan a segment in terms of.
type physicalEntry struct {
	ID   api.LogID
	Head api.Head
	Body []byte
}

// scanSegment walks every entry of segmentIdx from its first block,
// stopping at the first all-zero (TagEOF) head, which Segment.ReadAt
// guarantees past its StableEnd.
func (h *Host) scanSegment(ctx context.Context, segmentIdx uint64) ([]physicalEntry, error) {
	seg := h.metalog.Segment(segmentIdx)
	var out []physicalEntry
	off := uint32(0)
	for off < api.SegmentBlocks {
		headBuf, err := seg.ReadAt(ctx, off, 1)
		if err != nil {
			return nil, fmt.Errorf("server: scan segment %d: read head at block %d: %w", segmentIdx, off, err)
		}
		head, err := api.UnmarshalHead(headBuf)
		if err != nil {
			return nil, fmt.Errorf("server: scan segment %d: unmarshal head at block %d: %w", segmentIdx, off, err)
		}
		if head.Tag == api.TagEOF {
			break
		}
		id := api.NewLogID(segmentIdx, uint16(off))
		nBlocks := uint32(1)
		if head.Tag == api.TagUpdate {
			present := uint32(head.PopCount())
			var body []byte
			if present > 0 {
				body, err = seg.ReadAt(ctx, off+1, present)
				if err != nil {
					return nil, fmt.Errorf("server: scan segment %d: read body at block %d: %w", segmentIdx, off, err)
				}
			}
			out = append(out, physicalEntry{ID: id, Head: head, Body: body})
			nBlocks += present
		}
		off += nBlocks
	}
	return out, nil
}

// SegmentForLSN implements streamer.HistoryReader via the volume's
// secondary LSN index.
func (h *Host) SegmentForLSN(ctx context.Context, disk api.Hash, lsn uint64) (uint64, error) {
	slot, ok := h.slotFor(disk)
	if !ok {
		return 0, fmt.Errorf("server: unknown volume %s", disk.Hex())
	}
	id, ok, err := slot.byLBA.LookupLSN(ctx, lsn)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("server: lsn %d not indexed for %s", lsn, disk.Hex())
	}
	return id.Segment(), nil
}

// ScanSegment implements streamer.HistoryReader, narrowing a full segment
// scan to the entries belonging to disk.
func (h *Host) ScanSegment(ctx context.Context, disk api.Hash, segment uint64) ([]streamer.Entry, error) {
	entries, err := h.scanSegment(ctx, segment)
	if err != nil {
		return nil, err
	}
	var out []streamer.Entry
	for _, e := range entries {
		if e.Head.Disk.Equals(disk) {
			out = append(out, streamer.Entry{Head: e.Head, Body: e.Body})
		}
	}
	return out, nil
}
