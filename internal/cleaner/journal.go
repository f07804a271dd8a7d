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

package cleaner

import (
	"context"
	"sync"
)

// MemJournal is a durable-by-fsync-of-the-process-page-cache-only Journal
// implementation suitable for a single host process: it backs PatchIntents
// with a plain append-only slice guarded by a mutex. A host that wants
// patch intents to survive a process crash, not just a compaction panic,
// should instead log them through the metalog itself as a dedicated entry
// tag; MemJournal exists so CompactSegment has a concrete collaborator to
// exercise without requiring every caller to stand up that wiring first.
type MemJournal struct {
	mu      sync.Mutex
	pending []PatchIntent
}

// NewMemJournal creates an empty MemJournal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

// Append records intent as pending.
func (j *MemJournal) Append(ctx context.Context, intent PatchIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = append(j.pending, intent)
	return nil
}

// Clear removes intent from the pending set once its patch has committed.
func (j *MemJournal) Clear(ctx context.Context, intent PatchIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, p := range j.pending {
		if p == intent {
			j.pending = append(j.pending[:i], j.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

// Pending returns every intent not yet cleared.
func (j *MemJournal) Pending(ctx context.Context) ([]PatchIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]PatchIntent(nil), j.pending...), nil
}
