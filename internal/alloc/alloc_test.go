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

package alloc

import "testing"

func TestBitmapAllocFreeReuse(t *testing.T) {
	b := NewBitmap(4)
	for want := 0; want < 4; want++ {
		got, err := b.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if got != want {
			t.Fatalf("Alloc() = %d, want %d", got, want)
		}
	}
	if _, err := b.Alloc(); err == nil {
		t.Fatal("Alloc() on a full bitmap succeeded, want error")
	}
	b.Free(1)
	got, err := b.Alloc()
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if got != 1 {
		t.Fatalf("Alloc() after Free(1) = %d, want 1", got)
	}
}

func TestBitmapSetIsSet(t *testing.T) {
	b := NewBitmap(100)
	if b.IsSet(42) {
		t.Fatal("IsSet(42) = true before Set")
	}
	b.Set(42)
	if !b.IsSet(42) {
		t.Fatal("IsSet(42) = false after Set")
	}
	b.Free(42)
	if b.IsSet(42) {
		t.Fatal("IsSet(42) = true after Free")
	}
}

func TestBitmapSnapshotRestore(t *testing.T) {
	b := NewBitmap(200)
	b.Set(5)
	b.Set(130)
	snap := b.Snapshot()

	other := NewBitmap(200)
	other.Restore(snap)
	if !other.IsSet(5) || !other.IsSet(130) {
		t.Fatal("Restore did not reproduce the snapshotted bits")
	}
	if other.IsSet(6) {
		t.Fatal("Restore set an unrelated bit")
	}

	// Mutating the source after Snapshot must not affect the copy.
	b.Set(6)
	if other.IsSet(6) {
		t.Fatal("Snapshot aliased the live bitmap's backing array")
	}
}

func TestAllocatorSegmentAllocFree(t *testing.T) {
	a := New()
	idx, err := a.AllocSegment()
	if err != nil {
		t.Fatalf("AllocSegment: %v", err)
	}
	if !a.Segments.IsSet(idx) {
		t.Fatal("AllocSegment did not mark the segment bitmap")
	}
	a.FreeSegment(idx)
	if a.Segments.IsSet(idx) {
		t.Fatal("FreeSegment left the segment bitmap set")
	}
}

func TestAllocatorDeferFreeNodeCommitGeneration(t *testing.T) {
	a := New()
	idx, err := a.AllocNode()
	if err != nil {
		t.Fatalf("AllocNode: %v", err)
	}
	a.DeferFreeNode(idx, 5)

	a.CommitGeneration(4)
	if !a.Nodes.IsSet(idx) {
		t.Fatal("CommitGeneration(4) freed a node deferred at generation 5")
	}

	a.CommitGeneration(5)
	if a.Nodes.IsSet(idx) {
		t.Fatal("CommitGeneration(5) did not free a node deferred at generation 5")
	}
}

func TestAllocatorDeferFreeNodeOrderingPreserved(t *testing.T) {
	a := New()
	idxA, _ := a.AllocNode()
	idxB, _ := a.AllocNode()
	a.DeferFreeNode(idxA, 1)
	a.DeferFreeNode(idxB, 3)

	a.CommitGeneration(2)
	if a.Nodes.IsSet(idxA) {
		t.Fatal("generation-1 free did not apply at commit(2)")
	}
	if !a.Nodes.IsSet(idxB) {
		t.Fatal("generation-3 free applied early at commit(2)")
	}
}
