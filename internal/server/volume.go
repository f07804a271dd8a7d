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
	"fmt"
	"time"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/cleaner"
	"github.com/cloudfs-project/cloudfs/internal/pagedtree"
	"github.com/cloudfs-project/cloudfs/internal/rangemap"
	"github.com/cloudfs-project/cloudfs/internal/streamer"
	"github.com/cloudfs-project/cloudfs/internal/vdisk"
)

// CreateVolume brings up a brand-new volume this host is primary for,
// seeded with fresh secret-chain entropy, and records it with the peer
// directory so replicas and clients can find it. This backs cloudfsctl's
// "newdisk" operation (spec §6).
func (h *Host) CreateVolume(ctx context.Context, disk api.Hash, replicas []string) (*vdisk.VDisk, error) {
	h.mu.Lock()
	if _, exists := h.disks[disk]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("server: volume %s already exists on this host", disk.Hex())
	}
	h.mu.Unlock()

	cb := h.treeCallbacks()
	rangeTree := pagedtree.NewTree(h.cache, cb, pagedtree.NilBlock, rangemap.KeySize, rangemap.ValueSize)
	lsnTree := pagedtree.NewTree(h.cache, cb, pagedtree.NilBlock, 8, 8)
	byLBA := rangemap.New(rangeTree, lsnTree)
	byLBA.UseBackgroundFlush(rangemap.MaxInserts/2, 2*time.Second)

	vd, err := vdisk.NewGenesis(disk, h.metalog, byLBA)
	if err != nil {
		return nil, fmt.Errorf("server: create volume %s: %w", disk.Hex(), err)
	}

	j := newMemJournal()
	cl := cleaner.New(h.alloc, h, h.metalog, byLBA, j, h.opts.CleanerLowWater)
	cl.UseOverlapGraph(h.fpGraph)

	h.mu.Lock()
	if _, exists := h.disks[disk]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("server: volume %s already exists on this host", disk.Hex())
	}
	h.disks[disk] = &diskSlot{vd: vd, byLBA: byLBA, streams: streamer.NewSet(), clean: cl, journal: j}
	h.mu.Unlock()

	if err := h.dirs.RegisterVolume(ctx, disk, replicas, h.opts.SelfAddr); err != nil {
		return nil, fmt.Errorf("server: register volume %s: %w", disk.Hex(), err)
	}
	return vd, nil
}

// SetVolumeSecret installs a volume's writable secret on this host, e.g.
// when a primary hands its secret off to the next replica in the write
// chain (spec §6 "setsecret"). It does not touch the peer directory: the
// caller updates ownership with ForceFailover once the secret has landed.
func (h *Host) SetVolumeSecret(ctx context.Context, disk api.Hash, secretParent, secretView api.Hash) error {
	vd, ok := h.Lookup(disk)
	if !ok {
		return fmt.Errorf("server: unknown volume %s", disk.Hex())
	}
	return vd.SetSecret(secretParent, secretView)
}

// ForceFailover reassigns primary ownership of disk away from excludedHost,
// typically a primary that has stopped answering (spec §6 "force"): it
// promotes the first address other than excludedHost among this host's own
// address followed by the replicas the directory lists for disk, in that
// order.
// Whichever replica is chosen must independently be handed the volume's
// secret via SetVolumeSecret before it can actually accept writes; this only
// updates who clients and replicas are told is primary.
func (h *Host) ForceFailover(ctx context.Context, disk api.Hash, excludedHost string) error {
	peers, self, ok := h.dirs.PeersFor(ctx, disk)
	if !ok {
		return fmt.Errorf("server: unknown volume %s", disk.Hex())
	}
	candidates := append([]string{self}, peers...)
	for _, addr := range candidates {
		if addr != excludedHost {
			return h.dirs.SetPrimary(ctx, disk, addr)
		}
	}
	return fmt.Errorf("server: no replica of %s left to promote, excluding %s", disk.Hex(), excludedHost)
}
