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
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/alloc"
	"github.com/cloudfs-project/cloudfs/internal/fingerprint"
)

type fakeReader struct {
	entries map[api.LogID]struct {
		head api.Head
		body []byte
	}
}

func (r *fakeReader) ReadEntry(ctx context.Context, id api.LogID) (api.Head, []byte, error) {
	e := r.entries[id]
	return e.head, e.body, nil
}

type fakeWriter struct {
	next uint64
}

func (w *fakeWriter) Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error) {
	w.next++
	return api.NewLogID(w.next, 0), nil
}

type fakeRangeMap struct {
	inserted []Update
}

func (m *fakeRangeMap) Insert(ctx context.Context, from, length uint64, target api.LogID) error {
	m.inserted = append(m.inserted, Update{From: from, To: from + length, NewTarget: target})
	return nil
}

func TestSelectCandidatesOrdersByObsolescence(t *testing.T) {
	c := New(alloc.New(), nil, nil, nil, nil, 10)
	c.RecordObsolescence(1, 5, 100)
	c.RecordObsolescence(2, 90, 100)
	c.RecordObsolescence(3, 50, 100)

	got := c.SelectCandidates(3)
	want := []uint64{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("SelectCandidates: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SelectCandidates[%d] = %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSelectCandidatesRespectsLowWater(t *testing.T) {
	c := New(alloc.New(), nil, nil, nil, nil, 50)
	c.RecordObsolescence(1, 10, 100)
	if got := c.SelectCandidates(5); len(got) != 0 {
		t.Errorf("SelectCandidates: got %v, want none below low-water", got)
	}
}

func TestSelectCandidatesBreaksTiesByOverlap(t *testing.T) {
	c := New(alloc.New(), nil, nil, nil, nil, 10)
	c.RecordObsolescence(1, 50, 100)
	c.RecordObsolescence(2, 50, 100)
	c.RecordObsolescence(3, 50, 100)

	g := fingerprint.NewGraph()
	g.Connect(2, 3)
	g.Connect(2, 3)
	c.UseOverlapGraph(g)

	got := c.SelectCandidates(3)
	if len(got) != 3 {
		t.Fatalf("SelectCandidates: got %v, want 3 entries", got)
	}
	if got[0] != 2 && got[0] != 3 {
		t.Errorf("SelectCandidates: top two tied-obsolescence slots should be the overlapping pair, got %v", got)
	}
	if got[1] != 2 && got[1] != 3 {
		t.Errorf("SelectCandidates: top two tied-obsolescence slots should be the overlapping pair, got %v", got)
	}
}

func TestCompactSegmentAppliesUpdates(t *testing.T) {
	ctx := context.Background()
	oldID := api.NewLogID(1, 5)
	reader := &fakeReader{entries: map[api.LogID]struct {
		head api.Head
		body []byte
	}{
		oldID: {head: api.Head{Blkno: 10, NumBlocks: 2}, body: make([]byte, 2*api.BlockSize)},
	}}
	writer := &fakeWriter{}
	rm := &fakeRangeMap{}
	journal := NewMemJournal()

	c := New(alloc.New(), reader, writer, rm, journal, 10)
	updates, err := c.CompactSegment(ctx, []api.LogID{oldID}, nil)
	if err != nil {
		t.Fatalf("CompactSegment: %v", err)
	}
	if len(updates) != 1 || updates[0].From != 10 || updates[0].To != 12 {
		t.Fatalf("CompactSegment: got %+v", updates)
	}
	if len(rm.inserted) != 1 {
		t.Fatalf("CompactSegment: range map not patched, got %v", rm.inserted)
	}

	pending, err := journal.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("CompactSegment: journal should be empty after a clean run, got %v", pending)
	}
}
