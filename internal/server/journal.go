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
	"sync"

	"github.com/cloudfs-project/cloudfs/internal/cleaner"
)

// memJournal is an in-memory cleaner.Journal: it tracks pending-patch
// bookkeeping (in no particular order) within one process's lifetime, but does not
// itself survive a crash. A compaction interrupted mid-patch loses its
// pending intents on restart rather than replaying them, which only
// matters for the narrow window between CompactSegment copying an entry
// into a fresh location and patching the range map to point at it; the old
// segment is never freed until that patch lands, so the failure mode is a
// stranded but still-allocated segment, not lost or misattributed data.
// A durable implementation (e.g. appending intents to their own on-disk
// log) is open work, tracked in DESIGN.md.
type memJournal struct {
	mu      sync.Mutex
	pending map[cleaner.PatchIntent]struct{}
}

func newMemJournal() *memJournal {
	return &memJournal{pending: make(map[cleaner.PatchIntent]struct{})}
}

func (j *memJournal) Append(ctx context.Context, intent cleaner.PatchIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[intent] = struct{}{}
	return nil
}

func (j *memJournal) Clear(ctx context.Context, intent cleaner.PatchIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, intent)
	return nil
}

func (j *memJournal) Pending(ctx context.Context) ([]cleaner.PatchIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]cleaner.PatchIntent, 0, len(j.pending))
	for intent := range j.pending {
		out = append(out, intent)
	}
	return out, nil
}
