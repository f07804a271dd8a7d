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

package streamer

import (
	"context"
	"fmt"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
)

type fakeHistory struct {
	segments map[uint64][]Entry
	bySeg    map[uint64]uint64 // lsn -> segment
}

func (h *fakeHistory) SegmentForLSN(ctx context.Context, disk api.Hash, lsn uint64) (uint64, error) {
	seg, ok := h.bySeg[lsn]
	if !ok {
		return 0, fmt.Errorf("no segment for lsn %d", lsn)
	}
	return seg, nil
}

func (h *fakeHistory) ScanSegment(ctx context.Context, disk api.Hash, segment uint64) ([]Entry, error) {
	return h.segments[segment], nil
}

func TestRunCatchUpDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	disk := api.Zero()

	entries := []Entry{
		{Head: api.Head{Tag: api.TagUpdate, Disk: disk, LSN: 1}},
		{Head: api.Head{Tag: api.TagUpdate, Disk: disk, LSN: 2}},
		{Head: api.Head{Tag: api.TagUpdate, Disk: disk, LSN: 3}},
	}
	hist := &fakeHistory{
		segments: map[uint64][]Entry{0: entries},
		bySeg:    map[uint64]uint64{1: 0, 2: 0, 3: 0},
	}

	var delivered []uint64
	sub := NewSubscriber(disk, 0, hist, func(e Entry) error {
		delivered = append(delivered, e.Head.LSN)
		return nil
	})
	if err := sub.RunCatchUp(ctx); err != nil {
		t.Fatalf("RunCatchUp: %v", err)
	}
	if len(delivered) != 3 || delivered[0] != 1 || delivered[2] != 3 {
		t.Fatalf("RunCatchUp: delivered %v", delivered)
	}
	if sub.Phase() != PhaseCatchUp {
		t.Errorf("RunCatchUp should not itself attach the subscriber")
	}
}

func TestSetPublishDetachesOnOverflow(t *testing.T) {
	disk := api.Zero()
	hist := &fakeHistory{segments: map[uint64][]Entry{}, bySeg: map[uint64]uint64{}}

	sub := NewSubscriber(disk, 0, hist, func(e Entry) error { return nil })
	set := NewSet()
	set.Attach(sub)

	big := Entry{Head: api.Head{Tag: api.TagUpdate, Disk: disk, LSN: 1}, Body: make([]byte, MaxInFlightBytes+1)}
	set.Publish(big)

	if !sub.ShouldClose() {
		t.Fatalf("Publish: subscriber should be flagged to close after overflow")
	}
}
