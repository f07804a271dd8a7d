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
	"bytes"
	"context"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
)

// sealActiveSegment fills the host's current active segment to within a
// handful of blocks of capacity using a raw TagEOF filler record, the same
// priming trick metalog's own rollover test uses, so that the next small
// append is forced to roll over and seal whatever was active beforehand.
func sealActiveSegment(t *testing.T, ctx context.Context, h *Host) {
	t.Helper()
	active := h.metalog.ActiveSegment()
	remaining := active.RemainingBlocks()
	fillBlocks := remaining - 1
	body := make([]byte, (fillBlocks-1)*api.BlockSize)
	headBuf, err := (&api.Head{Tag: api.TagEOF}).Marshal()
	if err != nil {
		t.Fatalf("Marshal filler head: %v", err)
	}
	if _, err := active.Append(ctx, headBuf, body); err != nil {
		t.Fatalf("priming append: %v", err)
	}
}

func TestCompactSegmentFreesSegmentWithNoLiveEntries(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	disk := api.Checksum([]byte("volume-gc-empty"))
	if _, err := h.CreateVolume(ctx, disk, nil); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	sealActiveSegment(t, ctx, h)

	// Any write now rolls segment 0 over, sealing it with nothing but the
	// priming filler and the rollover's own forward pointer.
	other := api.Checksum([]byte("volume-gc-other"))
	vdOther, err := h.CreateVolume(ctx, other, nil)
	if err != nil {
		t.Fatalf("CreateVolume (other): %v", err)
	}
	if _, err := vdOther.Write(ctx, make([]byte, api.BlockSize), 0, 1); err != nil {
		t.Fatalf("Write to trigger rollover: %v", err)
	}
	if got := h.metalog.ActiveSegment().Index(); got == 0 {
		t.Fatal("segment did not roll over, test setup is broken")
	}

	slot, ok := h.slotFor(disk)
	if !ok {
		t.Fatal("slotFor did not find the just-created volume")
	}
	if err := h.compactSegment(ctx, slot, 0); err != nil {
		t.Fatalf("compactSegment: %v", err)
	}
	if h.alloc.Segments.IsSet(0) {
		t.Fatal("compactSegment did not free a segment with no surviving entries")
	}
}

func TestCompactSegmentRecopiesLiveEntryAndDropsObsolete(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	disk := api.Checksum([]byte("volume-gc-live"))
	vd, err := h.CreateVolume(ctx, disk, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	bodyOld := bytes.Repeat([]byte{0xaa}, api.BlockSize)
	if _, err := vd.Write(ctx, bodyOld, 10, 1); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	bodyNew := bytes.Repeat([]byte{0xbb}, api.BlockSize)
	if _, err := vd.Write(ctx, bodyNew, 10, 1); err != nil {
		t.Fatalf("overwriting Write: %v", err)
	}

	sealActiveSegment(t, ctx, h)
	if _, err := vd.Write(ctx, bytes.Repeat([]byte{0xcc}, api.BlockSize), 99, 1); err != nil {
		t.Fatalf("Write to trigger rollover: %v", err)
	}
	if got := h.metalog.ActiveSegment().Index(); got == 0 {
		t.Fatal("segment did not roll over, test setup is broken")
	}

	slot, ok := h.slotFor(disk)
	if !ok {
		t.Fatal("slotFor did not find the just-created volume")
	}
	if err := h.compactSegment(ctx, slot, 0); err != nil {
		t.Fatalf("compactSegment: %v", err)
	}
	if h.alloc.Segments.IsSet(0) {
		t.Fatal("compactSegment did not free the now-sealed segment")
	}

	got, err := vd.Read(ctx, h, 10, 1)
	if err != nil {
		t.Fatalf("Read after compaction: %v", err)
	}
	if !bytes.Equal(got, bodyNew) {
		t.Fatal("Read after compaction did not return the still-live overwrite")
	}
}

func TestRunGCPassToleratesVolumeWithNoObsolescence(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)

	disk := api.Checksum([]byte("volume-gc-quiet"))
	vd, err := h.CreateVolume(ctx, disk, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := vd.Write(ctx, make([]byte, api.BlockSize), 0, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A pass over a volume with nothing obsolete should neither select any
	// candidate nor touch the still-writable segment.
	h.runGCPass(ctx)

	if !h.alloc.Segments.IsSet(0) {
		t.Fatal("runGCPass freed the active segment of a volume with no obsolescence")
	}
}
