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

package vdisk

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/pagedtree"
	"github.com/cloudfs-project/cloudfs/internal/rangemap"
)

type memBackend struct {
	mu     sync.Mutex
	blocks map[uint32][]byte
	next   uint32
}

func newMemBackend() *memBackend {
	return &memBackend{blocks: make(map[uint32][]byte), next: 1}
}

func (m *memBackend) callbacks() pagedtree.Callbacks {
	return pagedtree.Callbacks{
		Alloc: func() (uint32, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			b := m.next
			m.next++
			return b, nil
		},
		Read: func(ctx context.Context, block uint32) ([]byte, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return append([]byte(nil), m.blocks[block]...), nil
		},
		Write: func(ctx context.Context, block uint32, raw []byte) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.blocks[block] = append([]byte(nil), raw...)
			return nil
		},
	}
}

func newTestRangeMap() *rangemap.Map {
	cache := pagedtree.NewCache()
	rangeTree := pagedtree.NewTree(cache, newMemBackend().callbacks(), pagedtree.NilBlock, rangemap.KeySize, rangemap.ValueSize)
	lsnTree := pagedtree.NewTree(cache, newMemBackend().callbacks(), pagedtree.NilBlock, 8, 8)
	return rangemap.New(rangeTree, lsnTree)
}

// fakeAppender is a minimal Appender that just remembers what it was asked
// to append, used to exercise VDisk.Write without touching a real MetaLog.
type fakeAppender struct {
	mu     sync.Mutex
	logs   []api.Head
	bodies [][]byte
	next   uint16
}

func (f *fakeAppender) Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, head)
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	id := api.NewLogID(0, f.next)
	f.next++
	return id, nil
}

// fakeBlockReader implements BlockReader over a fakeAppender's recorded
// entries, for tests that exercise VDisk.Read's elision-aware reconstruction.
type fakeBlockReader struct {
	appender *fakeAppender
}

func (r *fakeBlockReader) ReadEntry(ctx context.Context, id api.LogID) (api.Head, []byte, error) {
	r.appender.mu.Lock()
	defer r.appender.mu.Unlock()
	return r.appender.logs[id.BlockOffset()], r.appender.bodies[id.BlockOffset()], nil
}

func TestNewGenesisIsWritableAndRoundTripsSecret(t *testing.T) {
	vd, err := NewGenesis(api.Zero(), &fakeAppender{}, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	if !vd.IsWritable() {
		t.Fatal("NewGenesis did not leave the volume writable")
	}
	if _, err := vd.GetSecret(false); err != nil {
		t.Fatalf("GetSecret on a genesis volume: %v", err)
	}
}

func TestSetSecretRejectsWrongParent(t *testing.T) {
	vd := New(api.Zero(), &fakeAppender{}, newTestRangeMap(), RemoteStub)
	wrong, err := api.Random()
	if err != nil {
		t.Fatalf("api.Random: %v", err)
	}
	if err := vd.SetSecret(wrong, wrong); err == nil {
		t.Fatal("SetSecret accepted a secret that does not chain to the current parent")
	}
	if vd.IsWritable() {
		t.Fatal("a rejected SetSecret left the volume writable")
	}
}

func TestSetSecretAcceptsGenesisParent(t *testing.T) {
	secretParent, err := api.Random()
	if err != nil {
		t.Fatalf("api.Random: %v", err)
	}
	vd := &VDisk{disk: api.Zero(), parent: secretParent.Apply(), state: RemoteStub, log: &fakeAppender{}, byLBA: newTestRangeMap()}

	secretView, err := api.Random()
	if err != nil {
		t.Fatalf("api.Random: %v", err)
	}
	if err := vd.SetSecret(secretParent, secretView); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if !vd.IsWritable() {
		t.Fatal("SetSecret with a valid chain did not promote to Writable")
	}
	if got := vd.SecretView(); !got.Equals(secretView) {
		t.Fatal("SecretView() did not return the installed view seed")
	}
}

func TestWriteRejectedWhenNotWritable(t *testing.T) {
	vd := New(api.Zero(), &fakeAppender{}, newTestRangeMap(), RemoteStub)
	ctx := context.Background()
	if _, err := vd.Write(ctx, make([]byte, api.BlockSize), 0, 1); err == nil {
		t.Fatal("Write on a non-writable volume succeeded, want error")
	}
}

func TestWriteAdvancesLSNAndChainAndIndexesRange(t *testing.T) {
	vd, err := NewGenesis(api.Zero(), &fakeAppender{}, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	ctx := context.Background()

	if got := vd.CurrentLSN(); got != 0 {
		t.Fatalf("CurrentLSN() before any write = %d, want 0", got)
	}
	parentBefore := vd.CurrentID()

	buf := make([]byte, 2*api.BlockSize)
	if _, err := vd.Write(ctx, buf, 10, 2); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := vd.CurrentLSN(); got != 1 {
		t.Fatalf("CurrentLSN() after one write = %d, want 1", got)
	}
	if vd.CurrentID().Equals(parentBefore) {
		t.Fatal("Write did not advance the chain's current id")
	}
	if !vd.secretParent.Apply().Equals(vd.parent) {
		t.Fatal("apply(secret_parent) != parent after Write, the at-rest chain invariant is broken")
	}

	rng, ok, err := vd.byLBA.Lookup(ctx, 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Write did not record its range in the interval map")
	}
	if rng.From != 10 || rng.Length != 2 {
		t.Fatalf("Lookup(10) = {From:%d Length:%d}, want {10 2}", rng.From, rng.Length)
	}
}

func TestWriteElidesAllZeroBlocksFromBodyAndBitset(t *testing.T) {
	appender := &fakeAppender{}
	vd, err := NewGenesis(api.Zero(), appender, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	ctx := context.Background()

	buf := make([]byte, 3*api.BlockSize)
	for i := range buf[api.BlockSize : 2*api.BlockSize] {
		buf[api.BlockSize+i] = 0xaa // block 1 is the only non-zero block
	}
	if _, err := vd.Write(ctx, buf, 20, 3); err != nil {
		t.Fatalf("Write: %v", err)
	}

	head := appender.logs[0]
	if head.BitSet(0) || !head.BitSet(1) || head.BitSet(2) {
		t.Fatalf("bitset after partial-zero write = %08b, want only bit 1 set", head.Refs)
	}
	if got, want := len(appender.bodies[0]), api.BlockSize; got != want {
		t.Fatalf("appended body length = %d, want %d (elided zero blocks)", got, want)
	}

	rngZero, ok, err := vd.byLBA.Lookup(ctx, 20)
	if err != nil {
		t.Fatalf("Lookup(20): %v", err)
	}
	if !ok || rngZero.Target.IsValid() {
		t.Fatalf("Lookup(20) target = %v, want api.InvalidLogID for an elided zero block", rngZero.Target)
	}
	rngPresent, ok, err := vd.byLBA.Lookup(ctx, 21)
	if err != nil {
		t.Fatalf("Lookup(21): %v", err)
	}
	if !ok || !rngPresent.Target.IsValid() {
		t.Fatal("Lookup(21) did not resolve to a valid target for the one present block")
	}

	got, err := vd.Read(ctx, &fakeBlockReader{appender: appender}, 20, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("Read after an elided write did not reconstruct the original buffer")
	}
}

func TestSetSecretHandoffSucceedsAfterWrites(t *testing.T) {
	vd, err := NewGenesis(api.Zero(), &fakeAppender{}, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	ctx := context.Background()
	if _, err := vd.Write(ctx, bytes.Repeat([]byte{0x1}, api.BlockSize), 0, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	secretParent := vd.secretParent
	secretView := vd.secretView
	published := vd.CurrentID()
	if secretParent.Equals(published) {
		t.Fatal("the append secret must not equal the published chain position")
	}

	// Simulate handing the secret to another replica: a fresh VDisk that
	// only knows the public parent must accept it via SetSecret.
	stub := New(vd.disk, &fakeAppender{}, newTestRangeMap(), RemoteStub)
	stub.parent = published
	if err := stub.SetSecret(secretParent, secretView); err != nil {
		t.Fatalf("SetSecret handoff after a write: %v", err)
	}
	if !stub.IsWritable() {
		t.Fatal("SetSecret handoff did not promote the stub to writable")
	}
}

func TestSnapshotIsNeverWritable(t *testing.T) {
	vd, err := NewGenesis(api.Zero(), &fakeAppender{}, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	snap := vd.Snapshot(api.Checksum([]byte("child")))
	if snap.IsWritable() {
		t.Fatal("Snapshot produced a writable VDisk")
	}
	if snap.State() != Snapshot {
		t.Fatalf("Snapshot().State() = %v, want Snapshot", snap.State())
	}
}

func TestBranchInheritsSecretAndIsWritable(t *testing.T) {
	vd, err := NewGenesis(api.Zero(), &fakeAppender{}, newTestRangeMap())
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	newView, err := api.Random()
	if err != nil {
		t.Fatalf("api.Random: %v", err)
	}
	child := vd.Branch(api.Checksum([]byte("child")), newView)
	if !child.IsWritable() {
		t.Fatal("Branch did not produce a writable VDisk")
	}
	if child.CurrentID() != vd.CurrentID() {
		t.Fatal("Branch did not inherit the parent's current chain position")
	}
}
