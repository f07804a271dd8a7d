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

// Package vdisk implements the virtual disk (component C7): the per-volume
// state machine that owns a hash chain, an interval map, and either a
// writable secret or just the public parent hash, depending on whether this
// host holds the master copy of the volume.
package vdisk

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/rangemap"
)

// Capacity is the fixed logical size of every volume, matching the
// original's single hard-coded FILE_SIZE.
const Capacity = 0x800000000 // 32 GiB, in bytes

// State is a VDisk's coarse lifecycle/role.
type State int

const (
	// Writable means this host holds the secret and may append updates.
	Writable State = iota
	// RemoteStub means this host only knows the public parent hash and
	// mirrors updates received from the master over the streamer.
	RemoteStub
	// Snapshot means this VDisk is an immutable point-in-time branch;
	// writes are rejected.
	Snapshot
)

func (s State) String() string {
	switch s {
	case Writable:
		return "writable"
	case RemoteStub:
		return "remote-stub"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Appender is the subset of MetaLog a VDisk needs, narrowed for testability.
type Appender interface {
	Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error)
}

// VDisk is one volume's mutable state: its identity hash, hash-chain
// position, interval map, and (if writable) its current secret.
type VDisk struct {
	mu sync.Mutex

	disk         api.Hash // stable public identity
	parent       api.Hash // most recently applied head's id
	entropy      api.Hash // most recently applied head's entropy
	secretView   api.Hash
	secretParent api.Hash // only known when writable
	generation   uint64
	lsn          uint64

	state State

	parentBaseID api.Hash // set when this VDisk is a branch of another
	parentDisk   *VDisk

	log   Appender
	byLBA *rangemap.Map

	closed bool
}

// New creates a fresh VDisk identified by diskID, backed by log for its
// physical entries and byLBA for its logical interval map.
func New(diskID api.Hash, log Appender, byLBA *rangemap.Map, state State) *VDisk {
	return &VDisk{
		disk:  diskID,
		state: state,
		log:   log,
		byLBA: byLBA,
	}
}

// NewGenesis creates a brand-new, writable VDisk identified by diskID that
// nobody has written to yet, seeding its secret chain from fresh entropy
// (api.Random) the way LogFS seeds FILE_SIZE's worth of unwritten address
// space the first time a volume is created rather than replicated in.
func NewGenesis(diskID api.Hash, log Appender, byLBA *rangemap.Map) (*VDisk, error) {
	secretParent, err := api.Random()
	if err != nil {
		return nil, fmt.Errorf("vdisk: %s: generate secret: %w", diskID.Hex(), err)
	}
	secretView, err := api.Random()
	if err != nil {
		return nil, fmt.Errorf("vdisk: %s: generate secret view: %w", diskID.Hex(), err)
	}
	vd := &VDisk{
		disk:   diskID,
		parent: secretParent.Apply(),
		state:  RemoteStub,
		log:    log,
		byLBA:  byLBA,
	}
	if err := vd.SetSecret(secretParent, secretView); err != nil {
		return nil, err
	}
	return vd, nil
}

// ID returns the VDisk's stable public identity hash.
func (vd *VDisk) ID() api.Hash { return vd.disk }

// State returns the VDisk's current lifecycle state.
func (vd *VDisk) State() State {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.state
}

// IsWritable reports whether this host may append new updates to the
// volume, mirroring LogFS_VDiskIsWritable.
func (vd *VDisk) IsWritable() bool {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.state == Writable
}

// CurrentID returns the head id most recently applied to this volume's
// chain (LogFS_VDiskGetCurrentId).
func (vd *VDisk) CurrentID() api.Hash {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.parent
}

// IsOrphaned reports whether this VDisk was branched from a parent that is
// no longer locally resolvable (LogFS_VDiskIsOrphaned).
func (vd *VDisk) IsOrphaned() bool {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.parentDisk == nil && vd.parentBaseID.Valid
}

// CurrentLSN returns the LSN this volume will assign to its next write.
func (vd *VDisk) CurrentLSN() uint64 {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.lsn
}

// SetSecret installs the writable secret state for this volume: the current
// secret-parent hash and the view seed used to derive future secret ids,
// matching LogFS_VDiskSetSecret. It verifies apply(secretParent) == parent
// before installing anything, so a wrong or stale secret can never silently
// grant the append right for a chain position it doesn't actually own. It
// promotes the VDisk to Writable only on success.
func (vd *VDisk) SetSecret(secretParent, secretView api.Hash) error {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	if !secretParent.Apply().Equals(vd.parent) {
		return fmt.Errorf("vdisk: %s: setSecret rejected, apply(secret) does not match current parent", vd.disk.Hex())
	}
	vd.secretParent = secretParent
	vd.secretView = secretView
	vd.state = Writable
	return nil
}

// GetSecret returns the current secret-parent hash if this VDisk is
// writable. failIfBusy mirrors the original signature but this
// implementation never blocks: a quiesced volume simply isn't writable yet.
func (vd *VDisk) GetSecret(failIfBusy bool) (api.Hash, error) {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	if vd.state != Writable {
		return api.InvalidHash, fmt.Errorf("vdisk: %s: not writable", vd.disk.Hex())
	}
	return vd.secretParent, nil
}

// SecretView returns the view seed installed by SetSecret, used to derive
// future secret ids when fanning a write out to the next replica in line.
func (vd *VDisk) SecretView() api.Hash {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	return vd.secretView
}

// Write appends num_blocks worth of data starting at blkno, deriving the
// next secret id and entropy from the chain, and records the resulting
// interval in the logical map. Returns the new head's LogID.
func (vd *VDisk) Write(ctx context.Context, buf []byte, blkno uint64, numBlocks uint16) (api.LogID, error) {
	vd.mu.Lock()
	if vd.state != Writable {
		vd.mu.Unlock()
		return api.InvalidLogID, fmt.Errorf("vdisk: %s: write rejected, state=%s", vd.disk.Hex(), vd.state)
	}
	secretParent := vd.secretParent
	secretView := vd.secretView
	lsn := vd.lsn
	vd.mu.Unlock()

	nextEntropy := api.DeriveEntropy(secretParent, api.Checksum(buf))
	secretID := api.DeriveSecretID(secretView, nextEntropy)
	id := secretID.Apply()

	head := api.Head{
		Tag:         api.TagUpdate,
		Disk:        vd.disk,
		Parent:      secretParent,
		ID:          id,
		Entropy:     nextEntropy,
		LSN:         lsn,
		Blkno:       blkno,
		NumBlocks:   numBlocks,
		SlicesTotal: 1,
		NumParity:   0,
		Refs:        make([]byte, (int(numBlocks)+7)/8),
	}
	body := make([]byte, 0, int(numBlocks)*api.BlockSize)
	for i := 0; i < int(numBlocks); i++ {
		blk := buf[i*api.BlockSize : (i+1)*api.BlockSize]
		if isZeroBlock(blk) {
			continue
		}
		head.SetBit(i)
		body = append(body, blk...)
	}
	head.Checksum = api.ComputeChecksum(lsn, blkno, numBlocks, body, head.Refs)

	logID, err := vd.log.Append(ctx, head, body)
	if err != nil {
		return api.InvalidLogID, fmt.Errorf("vdisk: %s: append: %w", vd.disk.Hex(), err)
	}

	if err := insertPresenceRuns(ctx, vd.byLBA, &head, blkno, numBlocks, logID); err != nil {
		return api.InvalidLogID, fmt.Errorf("vdisk: %s: range map insert: %w", vd.disk.Hex(), err)
	}
	if err := vd.byLBA.RecordLSN(ctx, lsn, logID); err != nil {
		return api.InvalidLogID, fmt.Errorf("vdisk: %s: lsn index: %w", vd.disk.Hex(), err)
	}

	vd.mu.Lock()
	vd.secretParent = secretID
	vd.entropy = nextEntropy
	vd.parent = id
	vd.lsn++
	vd.mu.Unlock()

	klog.V(2).Infof("vdisk %s: wrote lsn=%d blkno=%d blocks=%d -> %s", vd.disk.Hex(), lsn, blkno, numBlocks, logID)
	return logID, nil
}

// isZeroBlock reports whether blk holds nothing but zero bytes, the
// condition under which Write elides it from the physical body entirely.
func isZeroBlock(blk []byte) bool {
	return bytes.Equal(blk, make([]byte, len(blk)))
}

// insertPresenceRuns records head's logical span in byLBA one contiguous
// present/absent run at a time, so that blocks elided for being all-zero map
// to api.InvalidLogID instead of the entry's LogID: no physical block backs
// them, and Read must not try to fetch one.
func insertPresenceRuns(ctx context.Context, byLBA *rangemap.Map, head *api.Head, blkno uint64, numBlocks uint16, logID api.LogID) error {
	i := 0
	for i < int(numBlocks) {
		present := head.BitSet(i)
		j := i + 1
		for j < int(numBlocks) && head.BitSet(j) == present {
			j++
		}
		target := api.InvalidLogID
		if present {
			target = logID
		}
		if err := byLBA.Insert(ctx, blkno+uint64(i), uint64(j-i), target); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// UpdateFromHead advances the chain state in response to an externally
// observed update head (e.g. one replayed from a remote-log stream), exactly
// as LogFS_VDiskUpdateFromHead does: only the public id/entropy move, never
// the secret.
func (vd *VDisk) UpdateFromHead(head api.Head) {
	if head.Tag != api.TagUpdate {
		return
	}
	vd.mu.Lock()
	vd.entropy = head.Entropy
	vd.parent = head.ID
	vd.mu.Unlock()
}

// BlockReader resolves a physical LogID to the entry it names, the way
// Read needs in order to tell which of an entry's logical blocks are
// actually backed by stored bytes.
type BlockReader interface {
	ReadEntry(ctx context.Context, id api.LogID) (api.Head, []byte, error)
}

// Read satisfies a read request by consulting the interval map, then
// delegating physical retrieval to r. A range whose target is
// api.InvalidLogID, like an unindexed region, reads back as zero: both mean
// no physical block was ever allocated for that logical address.
func (vd *VDisk) Read(ctx context.Context, r BlockReader, blkno uint64, numBlocks uint16) ([]byte, error) {
	out := make([]byte, int(numBlocks)*api.BlockSize)
	remaining := uint64(numBlocks)
	cur := blkno
	for remaining > 0 {
		rng, ok, err := vd.byLBA.Lookup(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Unwritten region: zero-filled, per spec's "reads of never-written
			// blocks return zero".
			cur++
			remaining--
			continue
		}
		avail := rng.From + rng.Length - cur
		if avail > remaining {
			avail = remaining
		}
		if !rng.Target.IsValid() {
			cur += avail
			remaining -= avail
			continue
		}
		head, body, err := r.ReadEntry(ctx, rng.Target)
		if err != nil {
			return nil, err
		}
		localStart := int(cur - head.Blkno)
		present := 0
		for i := 0; i < localStart; i++ {
			if head.BitSet(i) {
				present++
			}
		}
		for i := uint64(0); i < avail; i++ {
			dstOff := int(cur-blkno+i) * api.BlockSize
			if head.BitSet(localStart + int(i)) {
				srcOff := present * api.BlockSize
				copy(out[dstOff:dstOff+api.BlockSize], body[srcOff:srcOff+api.BlockSize])
				present++
			}
		}
		cur += avail
		remaining -= avail
	}
	return out, nil
}

// Snapshot creates an immutable branch of vd at its current chain position.
// Matches LogFS_VDiskSnapshot's semantics: the new VDisk shares history but
// can never be written to.
func (vd *VDisk) Snapshot(childID api.Hash) *VDisk {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	snap := &VDisk{
		disk:         childID,
		parent:       vd.parent,
		entropy:      vd.entropy,
		state:        Snapshot,
		parentBaseID: vd.disk,
		parentDisk:   vd,
		log:          vd.log,
		byLBA:        vd.byLBA,
	}
	return snap
}

// Branch creates a new writable VDisk diverging from vd's current chain
// position, seeded with a fresh secret view (LogFS_VDiskBranch).
func (vd *VDisk) Branch(childID api.Hash, secretView api.Hash) *VDisk {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	child := &VDisk{
		disk:         childID,
		parent:       vd.parent,
		entropy:      vd.entropy,
		secretParent: vd.secretParent,
		secretView:   secretView,
		state:        Writable,
		parentBaseID: vd.disk,
		parentDisk:   vd,
		log:          vd.log,
		byLBA:        vd.byLBA,
	}
	return child
}
