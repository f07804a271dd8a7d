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

// Package acceptor implements the replica-side half of the write-quorum
// protocol (component C13): validating an incoming write from a volume's
// primary owner, committing it locally, and gossiping it on to two further
// replicas so the write set as a whole stays well connected without every
// peer having to fan out to every other peer.
package acceptor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/vdisk"
)

// GossipFanout is the number of further peers a successfully accepted write
// is relayed to, per spec §4.13.
const GossipFanout = 2

// VDiskDirectory resolves and creates the VDisks a host knows about. Create
// is responsible for wiring a fresh VDisk to its own physical log and
// interval map and registering it, since only the directory's owner (the
// running host) holds those collaborators; the acceptor itself never
// constructs a VDisk directly.
type VDiskDirectory interface {
	Lookup(disk api.Hash) (*vdisk.VDisk, bool)
	Create(disk api.Hash) *vdisk.VDisk
}

// Gossiper relays an already-accepted write onward to further replicas.
type Gossiper interface {
	Gossip(ctx context.Context, peers []string, disk api.Hash, head api.Head, body []byte)
}

// ReplicaSet answers which hosts hold a copy of a given volume.
type ReplicaSet interface {
	// PeersFor returns every other host ID that should hold disk, and this
	// host's own ID.
	PeersFor(disk api.Hash) (peers []string, self string, ok bool)
}

// Writer is the subset of MetaLog the acceptor appends accepted writes
// through.
type Writer interface {
	Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error)
}

// Acceptor validates and commits writes relayed from a volume's primary
// owner.
type Acceptor struct {
	dir      VDiskDirectory
	writer   Writer
	replicas ReplicaSet
	gossip   Gossiper
	hostID   uuid.UUID

	mu sync.Mutex
}

// New creates an Acceptor over the given collaborators.
func New(dir VDiskDirectory, writer Writer, replicas ReplicaSet, gossip Gossiper) *Acceptor {
	return &Acceptor{dir: dir, writer: writer, replicas: replicas, gossip: gossip}
}

// SetHostID attaches this host's stable identity, included in Accept's log
// lines so a run can be correlated across an address change (e.g. after a
// restart picks up a new IP) without losing the thread.
func (a *Acceptor) SetHostID(id uuid.UUID) {
	a.hostID = id
}

// Request is one PUT /log body as parsed off the wire.
type Request struct {
	Disk         api.Hash
	ParentID     api.Hash
	Secret       api.Hash // zeroed when this host is not the primary recipient
	SecretView   api.Hash
	Head         api.Head
	Body         []byte
	DeclaredSize int // Content-Length, validated against len(Body)
}

// Accept validates req and, if acceptable, commits it locally and gossips it
// onward. It returns an error classifying why the write was refused when it
// was, so the HTTP layer can map it to the right status code.
func (a *Acceptor) Accept(ctx context.Context, req Request) error {
	if req.DeclaredSize > len(req.Body) {
		return fmt.Errorf("acceptor: body shorter than declared content-length")
	}

	peers, self, ok := a.replicas.PeersFor(req.Disk)
	if !ok {
		return fmt.Errorf("acceptor: this host is not a replica for %s", req.Disk.Hex())
	}

	vd, known := a.dir.Lookup(req.Disk)
	isNew := !known

	if !isNew {
		if vd.IsWritable() {
			if _, err := vd.GetSecret(false); err == nil {
				return fmt.Errorf("acceptor: refusing write, already master for %s", req.Disk.Hex())
			}
		}
		if !req.ParentID.Equals(vd.CurrentID()) {
			return fmt.Errorf("acceptor: parent mismatch for %s: got %s, have %s", req.Disk.Hex(), req.ParentID.Hex(), vd.CurrentID().Hex())
		}
	}

	wantChecksum := api.ComputeChecksum(req.Head.LSN, req.Head.Blkno, req.Head.NumBlocks, req.Body, req.Head.Refs)
	if !wantChecksum.Equals(req.Head.Checksum) {
		return fmt.Errorf("acceptor: checksum mismatch for %s", req.Disk.Hex())
	}

	if _, err := a.writer.Append(ctx, req.Head, req.Body); err != nil {
		return fmt.Errorf("acceptor: append: %w", err)
	}

	if isNew {
		vd = a.dir.Create(req.Disk)
	}
	vd.UpdateFromHead(req.Head)
	if req.Secret.Valid && !req.Secret.IsZero() {
		if err := vd.SetSecret(req.Secret, req.SecretView); err != nil {
			klog.V(1).Infof("acceptor: %v", err)
		}
	}

	if fanout := gossipTargets(peers, self, GossipFanout); len(fanout) > 0 && a.gossip != nil {
		a.gossip.Gossip(ctx, fanout, req.Disk, req.Head, req.Body)
	}

	klog.V(2).Infof("acceptor: accepted write for %s at lsn=%d (host=%s)", req.Disk.Hex(), req.Head.LSN, a.hostID)
	return nil
}

// gossipTargets picks up to n peers (excluding self) to relay a write to.
func gossipTargets(peers []string, self string, n int) []string {
	out := make([]string, 0, n)
	for _, p := range peers {
		if p == self {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}
