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

package metalog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/alloc"
	"github.com/cloudfs-project/cloudfs/internal/blockdev"
)

func newTestMetaLog(t *testing.T) *MetaLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.Open(path, 64<<20)
	if err != nil {
		t.Fatalf("blockdev.Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	a := alloc.New()
	ml, err := Open(context.Background(), dev, a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ml
}

func updateHead(disk api.Hash) api.Head {
	return api.Head{Tag: api.TagUpdate, Disk: disk, NumBlocks: 1, Refs: []byte{1}}
}

func TestOpenStartsOnSegmentZero(t *testing.T) {
	ml := newTestMetaLog(t)
	if got := ml.ActiveSegment().Index(); got != 0 {
		t.Fatalf("ActiveSegment().Index() = %d, want 0", got)
	}
}

func TestAppendReturnsEntryOnActiveSegment(t *testing.T) {
	ml := newTestMetaLog(t)
	ctx := context.Background()
	disk := api.Hash{Valid: true}

	id, err := ml.Append(ctx, updateHead(disk), make([]byte, api.BlockSize))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id.Segment() != 0 {
		t.Fatalf("Append landed on segment %d, want 0", id.Segment())
	}
}

func TestAppendInvokesFingerprintCallbackPerBlock(t *testing.T) {
	ml := newTestMetaLog(t)
	ctx := context.Background()
	disk := api.Hash{Valid: true}

	var mu sync.Mutex
	var seen []int
	ml.OnFingerprint(func(id api.LogID, blockIndex int, block []byte) {
		mu.Lock()
		seen = append(seen, blockIndex)
		mu.Unlock()
	})

	head := updateHead(disk)
	head.NumBlocks = 2
	head.Refs = []byte{0b11}
	if _, err := ml.Append(ctx, head, make([]byte, 2*api.BlockSize)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("fingerprint callback saw block indices %v, want [0 1]", seen)
	}
}

func TestAppendInvokesWakeupCallback(t *testing.T) {
	ml := newTestMetaLog(t)
	ctx := context.Background()
	disk := api.Hash{Valid: true}

	woken := make(chan api.LogID, 1)
	ml.OnWakeup(func(id api.LogID) { woken <- id })

	id, err := ml.Append(ctx, updateHead(disk), make([]byte, api.BlockSize))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case got := <-woken:
		if !got.Equals(id) {
			t.Fatalf("wakeup callback saw %v, want %v", got, id)
		}
	default:
		t.Fatal("wakeup callback was not invoked synchronously")
	}
}

func TestBatchedWakeupsCoalesce(t *testing.T) {
	ml := newTestMetaLog(t)
	ml.UseBatchedWakeups(4, 20*time.Millisecond)
	ctx := context.Background()
	disk := api.Hash{Valid: true}

	var mu sync.Mutex
	var calls int
	ml.OnWakeup(func(id api.LogID) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	for i := 0; i < 4; i++ {
		if _, err := ml.Append(ctx, updateHead(disk), make([]byte, api.BlockSize)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		c := calls
		mu.Unlock()
		if c > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batched wakeup never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAppendRollsOverToNewSegmentWhenFull(t *testing.T) {
	ml := newTestMetaLog(t)
	ctx := context.Background()
	disk := api.Hash{Valid: true}

	// Fill segment 0 to within pointerSlack+1 blocks of capacity so the
	// next append is forced to roll over.
	remaining := ml.ActiveSegment().RemainingBlocks()
	fillBlocks := remaining - pointerSlack
	body := make([]byte, (fillBlocks-1)*api.BlockSize)
	head := api.Head{Tag: api.TagEOF}
	if _, err := ml.active.Append(ctx, mustMarshal(t, head), body); err != nil {
		t.Fatalf("priming append: %v", err)
	}

	id, err := ml.Append(ctx, updateHead(disk), make([]byte, api.BlockSize))
	if err != nil {
		t.Fatalf("Append after fill: %v", err)
	}
	if id.Segment() != 1 {
		t.Fatalf("Append after fill landed on segment %d, want 1 (rollover expected)", id.Segment())
	}
	if got := ml.ActiveSegment().Index(); got != 1 {
		t.Fatalf("ActiveSegment().Index() after rollover = %d, want 1", got)
	}
}

func mustMarshal(t *testing.T, h api.Head) []byte {
	t.Helper()
	buf, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return buf
}
