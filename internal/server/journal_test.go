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
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/cleaner"
)

func TestMemJournalAppendMakesIntentPending(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()

	intent := cleaner.PatchIntent{
		Direction: api.PointerNext,
		From:      api.NewLogID(0, 0),
		OldTarget: api.NewLogID(1, 0),
		NewTarget: api.NewLogID(2, 0),
	}
	if err := j.Append(ctx, intent); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != intent {
		t.Fatalf("Pending() = %v, want [%v]", pending, intent)
	}
}

func TestMemJournalClearRemovesIntent(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()

	intent := cleaner.PatchIntent{
		Direction: api.PointerPrev,
		From:      api.NewLogID(3, 0),
		OldTarget: api.NewLogID(4, 0),
		NewTarget: api.NewLogID(5, 0),
	}
	if err := j.Append(ctx, intent); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Clear(ctx, intent); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("Pending() after Clear = %v, want empty", pending)
	}
}

func TestMemJournalClearUnknownIntentIsNoop(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	intent := cleaner.PatchIntent{From: api.NewLogID(9, 0)}
	if err := j.Clear(ctx, intent); err != nil {
		t.Fatalf("Clear on never-appended intent returned an error: %v", err)
	}
}

func TestMemJournalTracksMultipleIntentsIndependently(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()

	a := cleaner.PatchIntent{From: api.NewLogID(1, 0), OldTarget: api.NewLogID(1, 1), NewTarget: api.NewLogID(1, 2)}
	b := cleaner.PatchIntent{From: api.NewLogID(2, 0), OldTarget: api.NewLogID(2, 1), NewTarget: api.NewLogID(2, 2)}
	if err := j.Append(ctx, a); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if err := j.Append(ctx, b); err != nil {
		t.Fatalf("Append b: %v", err)
	}
	if err := j.Clear(ctx, a); err != nil {
		t.Fatalf("Clear a: %v", err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != b {
		t.Fatalf("Pending() = %v, want [%v]", pending, b)
	}
}
