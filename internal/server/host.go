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

// Package server wires every CloudFS component into one running host: a
// block device, the allocator and paged-tree node cache it shares across
// every volume, the host-wide physical log, and the per-volume state
// (interval map, cleaner, live replication stream) each registered VDisk
// owns. cmd/cloudfsd is a thin flag-parsing and HTTP-listener shell around
// this package, the way the teacher's server binaries are thin shells
// around the appender they construct.
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/api/layout"
	"github.com/cloudfs-project/cloudfs/internal/acceptor"
	"github.com/cloudfs-project/cloudfs/internal/alloc"
	"github.com/cloudfs-project/cloudfs/internal/blockdev"
	"github.com/cloudfs-project/cloudfs/internal/blockdev/s3dev"
	"github.com/cloudfs-project/cloudfs/internal/checkpoint"
	"github.com/cloudfs-project/cloudfs/internal/cleaner"
	"github.com/cloudfs-project/cloudfs/internal/fingerprint"
	"github.com/cloudfs-project/cloudfs/internal/lockorder"
	"github.com/cloudfs-project/cloudfs/internal/metalog"
	"github.com/cloudfs-project/cloudfs/internal/options"
	"github.com/cloudfs-project/cloudfs/internal/pagedtree"
	"github.com/cloudfs-project/cloudfs/internal/peerdir"
	"github.com/cloudfs-project/cloudfs/internal/quorum"
	"github.com/cloudfs-project/cloudfs/internal/rangemap"
	"github.com/cloudfs-project/cloudfs/internal/streamer"
	"github.com/cloudfs-project/cloudfs/internal/vdisk"
)

// superKeySize/superValueSize describe the host-wide super-tree: keyed by a
// volume's 20-byte identity hash, valued with its two paged-tree roots
// (range map and LSN index), 4 bytes each, so a restarted host can locate
// every volume's trees from nothing but the last checkpointed root.
const (
	superKeySize   = api.HashSize
	superValueSize = 8
)

// diskSlot is everything a host keeps resident for one registered volume.
type diskSlot struct {
	vd      *vdisk.VDisk
	byLBA   *rangemap.Map
	streams *streamer.Set
	clean   *cleaner.Cleaner
	journal *memJournal
}

// Host aggregates every component (C1-C13) into one running node.
type Host struct {
	opts *options.HostOptions

	dev   *blockdev.Device
	alloc *alloc.Allocator
	cache *pagedtree.Cache

	metalog     *metalog.MetaLog
	checkpoints *checkpoint.Writer
	fpTable     *fingerprint.Table
	fpGraph     *fingerprint.Graph

	quorum     *quorum.Client
	acceptor   *acceptor.Acceptor
	httpClient *http.Client
	dirs       peerdir.Directory
	archiver   *s3dev.Archiver

	mu         sync.Mutex
	superTree  *pagedtree.Tree
	disks      map[api.Hash]*diskSlot
	generation uint64
	lastLogID  api.LogID
}

// NewHost opens (or creates) the device at path and brings a host online:
// recovering its last durable checkpoint if one exists, or starting from a
// fresh, empty on-disk state otherwise.
func NewHost(ctx context.Context, path string, capacity uint64, dirs peerdir.Directory, opts *options.HostOptions) (*Host, error) {
	if opts == nil {
		opts = options.NewHostOptions()
	}
	dev, err := blockdev.Open(path, capacity)
	if err != nil {
		return nil, fmt.Errorf("server: open device: %w", err)
	}

	h := &Host{
		opts:       opts,
		dev:        dev,
		alloc:      alloc.New(),
		cache:      pagedtree.NewCache(),
		disks:      make(map[api.Hash]*diskSlot),
		fpTable:    fingerprint.NewTable(),
		fpGraph:    fingerprint.NewGraph(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dirs:       dirs,
	}

	superRoot := uint32(pagedtree.NilBlock)
	if cp, rerr := checkpoint.Recover(ctx, dev); rerr == nil {
		h.alloc.Segments.Restore(cp.SegmentBitmap)
		h.alloc.Nodes.Restore(cp.NodeBitmap)
		superRoot = cp.SuperTreeRoot
		h.generation = cp.Generation
		h.lastLogID = cp.LogEnd
		klog.Infof("server: recovered checkpoint generation %d (logEnd=%v)", cp.Generation, cp.LogEnd)
	} else {
		klog.Infof("server: no recoverable checkpoint at %q, starting from fresh state: %v", path, rerr)
	}
	h.superTree = pagedtree.NewTree(h.cache, h.treeCallbacks(), superRoot, superKeySize, superValueSize)

	ml, err := metalog.Open(ctx, dev, h.alloc)
	if err != nil {
		return nil, fmt.Errorf("server: open metalog: %w", err)
	}
	ml.OnFingerprint(func(id api.LogID, blockIndex int, block []byte) {
		if !fingerprint.ShouldSample(blockIndex) {
			return
		}
		h.fpTable.ObserveSegmentBlock(h.fpGraph, api.Checksum(block), id)
	})
	ml.OnWakeup(h.onAppend)
	ml.UseBatchedWakeups(64, 50*time.Millisecond)
	h.metalog = ml

	h.checkpoints = checkpoint.NewWriter(dev, h.alloc)
	h.quorum = quorum.NewClient(h.httpClient, opts.QuorumThreshold)

	h.acceptor = acceptor.New(h, h.metalog, &replicaAdapter{dirs: dirs}, &httpGossiper{client: h.httpClient})
	h.acceptor.SetHostID(opts.HostID)

	if opts.ArchiveBucket != "" {
		archiver, err := s3dev.New(ctx, opts.ArchiveBucket)
		if err != nil {
			return nil, fmt.Errorf("server: construct archiver: %w", err)
		}
		h.archiver = archiver
	}

	return h, nil
}

// Close flushes a final checkpoint and releases the backing device.
func (h *Host) Close(ctx context.Context) error {
	if err := h.Checkpoint(ctx); err != nil {
		klog.Warningf("server: final checkpoint failed: %v", err)
	}
	return h.dev.Close()
}

// Options returns the host's configuration.
func (h *Host) Options() *options.HostOptions { return h.opts }

// Acceptor returns the host's write-quorum acceptor, for the HTTP layer.
func (h *Host) Acceptor() *acceptor.Acceptor { return h.acceptor }

// Quorum returns the host's write-quorum fan-out client, for the volume
// write path.
func (h *Host) Quorum() *quorum.Client { return h.quorum }

// treeCallbacks builds the pagedtree.Callbacks shared by every paged tree
// this host owns (the super-tree and every volume's range/LSN trees): node
// slots come from the shared node bitmap, and are persisted in the device's
// fixed B-tree section at a block-indexed offset.
func (h *Host) treeCallbacks() pagedtree.Callbacks {
	return pagedtree.Callbacks{
		Alloc: func() (uint32, error) {
			idx, err := h.alloc.AllocNode()
			return uint32(idx), err
		},
		Read: func(ctx context.Context, block uint32) ([]byte, error) {
			buf := make([]byte, pagedtree.NodeSize)
			if err := h.dev.ReadAt(ctx, layout.SectionBTree, int64(block)*pagedtree.NodeSize, buf); err != nil {
				return nil, err
			}
			return buf, nil
		},
		Write: func(ctx context.Context, block uint32, raw []byte) error {
			return h.dev.WriteAt(ctx, layout.SectionBTree, int64(block)*pagedtree.NodeSize, raw)
		},
	}
}

func packSuperValue(rangeRoot, lsnRoot uint32) []byte {
	buf := make([]byte, superValueSize)
	binary.BigEndian.PutUint32(buf[0:4], rangeRoot)
	binary.BigEndian.PutUint32(buf[4:8], lsnRoot)
	return buf
}

func unpackSuperValue(buf []byte) (rangeRoot, lsnRoot uint32) {
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8])
}

// newSlot builds the full set of per-volume collaborators (interval map,
// live stream set, and its own obsolescence cleaner) rooted at the given
// paged-tree blocks, which are pagedtree.NilBlock for a brand new volume.
func (h *Host) newSlot(disk api.Hash, rangeRoot, lsnRoot uint32, state vdisk.State) *diskSlot {
	cb := h.treeCallbacks()
	rangeTree := pagedtree.NewTree(h.cache, cb, rangeRoot, rangemap.KeySize, rangemap.ValueSize)
	lsnTree := pagedtree.NewTree(h.cache, cb, lsnRoot, 8, 8)
	byLBA := rangemap.New(rangeTree, lsnTree)
	byLBA.UseBackgroundFlush(rangemap.MaxInserts/2, 2*time.Second)

	vd := vdisk.New(disk, h.metalog, byLBA, state)

	j := newMemJournal()
	cl := cleaner.New(h.alloc, h, h.metalog, byLBA, j, h.opts.CleanerLowWater)
	cl.UseOverlapGraph(h.fpGraph)

	return &diskSlot{vd: vd, byLBA: byLBA, streams: streamer.NewSet(), clean: cl, journal: j}
}

// Lookup resolves disk to its in-memory VDisk, reconstructing its slot from
// the last checkpointed super-tree entry if this is the first time this
// process has touched it since starting (satisfies acceptor.VDiskDirectory
// and vdisk's own lookup needs for Read's BlockReader path).
func (h *Host) Lookup(disk api.Hash) (*vdisk.VDisk, bool) {
	h.mu.Lock()
	slot, ok := h.disks[disk]
	h.mu.Unlock()
	if ok {
		return slot.vd, true
	}

	val, found, err := h.superTree.Find(context.Background(), disk.Raw[:])
	if err != nil || !found {
		return nil, false
	}
	rangeRoot, lsnRoot := unpackSuperValue(val)

	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.disks[disk]; ok {
		return slot.vd, true
	}
	slot = h.newSlot(disk, rangeRoot, lsnRoot, vdisk.RemoteStub)
	h.disks[disk] = slot
	klog.V(1).Infof("server: lazily reconstructed volume %s from super-tree", disk.Hex())
	return slot.vd, true
}

// Create builds and registers a brand new RemoteStub VDisk for disk,
// satisfying acceptor.VDiskDirectory for a write whose volume this host has
// never seen before.
func (h *Host) Create(disk api.Hash) *vdisk.VDisk {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.disks[disk]; ok {
		return slot.vd
	}
	slot := h.newSlot(disk, pagedtree.NilBlock, pagedtree.NilBlock, vdisk.RemoteStub)
	h.disks[disk] = slot
	return slot.vd
}

// RegisterWritable installs an already-constructed, locally-owned writable
// VDisk (created by CreateVolume or a snapshot/branch operation) into the
// host's directory.
func (h *Host) RegisterWritable(vd *vdisk.VDisk, byLBA *rangemap.Map) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j := newMemJournal()
	cl := cleaner.New(h.alloc, h, h.metalog, byLBA, j, h.opts.CleanerLowWater)
	cl.UseOverlapGraph(h.fpGraph)
	h.disks[vd.ID()] = &diskSlot{vd: vd, byLBA: byLBA, streams: streamer.NewSet(), clean: cl, journal: j}
}

// slotFor returns the diskSlot for an already-registered volume.
func (h *Host) slotFor(disk api.Hash) (*diskSlot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.disks[disk]
	return slot, ok
}

// ReadEntry implements vdisk.BlockReader and cleaner.SegmentReader: it reads
// an entry's head and its physically-present body from its segment. The
// body is sized by the head's bitset popcount, not NumBlocks, since
// all-zero logical blocks are elided and never written.
func (h *Host) ReadEntry(ctx context.Context, id api.LogID) (api.Head, []byte, error) {
	seg := h.metalog.Segment(id.Segment())
	headBuf, err := seg.ReadAt(ctx, uint32(id.BlockOffset()), 1)
	if err != nil {
		return api.Head{}, nil, fmt.Errorf("server: read head at %v: %w", id, err)
	}
	head, err := api.UnmarshalHead(headBuf)
	if err != nil {
		return api.Head{}, nil, fmt.Errorf("server: unmarshal head at %v: %w", id, err)
	}
	present := head.PopCount()
	if present == 0 {
		return head, nil, nil
	}
	body, err := seg.ReadAt(ctx, uint32(id.BlockOffset())+1, uint32(present))
	if err != nil {
		return api.Head{}, nil, fmt.Errorf("server: read body at %v: %w", id, err)
	}
	return head, body, nil
}

// onAppend is MetaLog's wakeup callback: it records the latest log
// position and, if the entry belongs to a volume with live replication
// subscribers, pushes it onto that volume's stream set.
func (h *Host) onAppend(id api.LogID) {
	h.mu.Lock()
	h.lastLogID = id
	h.mu.Unlock()

	head, body, err := h.ReadEntry(context.Background(), id)
	if err != nil || head.Tag != api.TagUpdate {
		return
	}
	if slot, ok := h.slotFor(head.Disk); ok {
		slot.streams.Publish(streamer.Entry{Head: head, Body: body})
	}
}

// Checkpoint syncs every registered volume's interval and LSN trees, folds
// their new roots into the super-tree, syncs the super-tree itself, and
// commits the resulting bitmaps and root to the next checkpoint slot. A
// goroutine-local lockorder.Holder asserts this method only ever acquires
// locks in the documented order, since it is the one place a host touches
// every rank from RankRangeMap through RankBTreeRange in a single pass.
func (h *Host) Checkpoint(ctx context.Context) error {
	var order lockorder.Holder

	h.mu.Lock()
	slots := make([]*diskSlot, 0, len(h.disks))
	for _, s := range h.disks {
		slots = append(slots, s)
	}
	generation := h.generation + 1
	logEnd := h.lastLogID
	h.mu.Unlock()

	if err := order.Acquire(lockorder.RankRangeMap); err != nil {
		return fmt.Errorf("server: checkpoint: %w", err)
	}
	for _, slot := range slots {
		rangeRoot, lsnRoot, rangeMoved, lsnMoved, err := slot.byLBA.Sync(ctx)
		if err != nil {
			return fmt.Errorf("server: checkpoint: sync volume %s: %w", slot.vd.ID().Hex(), err)
		}
		for _, mv := range rangeMoved {
			h.alloc.DeferFreeNode(int(mv.From), generation)
		}
		for _, mv := range lsnMoved {
			h.alloc.DeferFreeNode(int(mv.From), generation)
		}
		if err := h.superTree.Insert(ctx, slot.vd.ID().Raw[:], packSuperValue(rangeRoot, lsnRoot)); err != nil {
			return fmt.Errorf("server: checkpoint: update super-tree for %s: %w", slot.vd.ID().Hex(), err)
		}
	}
	order.Release()

	if err := order.Acquire(lockorder.RankBTreeRange); err != nil {
		return fmt.Errorf("server: checkpoint: %w", err)
	}
	superRoot, superMoved, err := h.superTree.Sync(ctx)
	if err != nil {
		return fmt.Errorf("server: checkpoint: sync super-tree: %w", err)
	}
	for _, mv := range superMoved {
		h.alloc.DeferFreeNode(int(mv.From), generation)
	}
	order.Release()

	cp := &checkpoint.CheckPoint{
		Generation:    generation,
		LogEnd:        logEnd,
		SuperTreeRoot: superRoot,
		SegmentBitmap: h.alloc.Segments.Snapshot(),
		NodeBitmap:    h.alloc.Nodes.Snapshot(),
	}
	if err := h.checkpoints.Commit(ctx, cp); err != nil {
		return fmt.Errorf("server: checkpoint: commit: %w", err)
	}

	h.mu.Lock()
	h.generation = generation
	h.mu.Unlock()
	return nil
}

// RunCheckpointLoop commits a fresh checkpoint every opts.CheckpointInterval
// until ctx is cancelled.
func (h *Host) RunCheckpointLoop(ctx context.Context) {
	t := time.NewTicker(h.opts.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := h.Checkpoint(ctx); err != nil {
				klog.Errorf("server: checkpoint: %v", err)
			}
		}
	}
}
