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
	"math/bits"

	"github.com/cloudfs-project/cloudfs/internal/dashboard"
)

// Snapshot implements dashboard.Source.
//
// ReplicaLagLSN is always empty: no collaborator currently reports a peer's
// applied LSN back to the primary, so there is nothing honest to put in it.
// Wiring that requires either extending the quorum wire protocol with a
// heartbeat/ack or polling GET /lsn on each peer from here; left open.
func (h *Host) Snapshot(ctx context.Context) dashboard.Snapshot {
	h.mu.Lock()
	generation := h.generation
	slots := make([]*diskSlot, 0, len(h.disks))
	for _, s := range h.disks {
		slots = append(slots, s)
	}
	h.mu.Unlock()

	var reclaiming []uint64
	for _, slot := range slots {
		reclaiming = append(reclaiming, slot.clean.SelectCandidates(1<<16)...)
	}

	return dashboard.Snapshot{
		SegmentsTotal:      countSetBits(h.alloc.Segments.Snapshot()),
		SegmentsReclaiming: reclaiming,
		ReplicaLagLSN:      map[string]uint64{},
		ChosenGeneration:   generation,
	}
}

func countSetBits(words []uint64) int {
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}
