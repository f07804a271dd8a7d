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

// Package peerdir defines the interface a CloudFS host uses to resolve
// which replicas hold a given volume, and who it itself is. Concrete
// implementations live in subpackages (internal/peerdir/mysql); the core
// write-quorum and acceptor packages depend only on this interface.
package peerdir

import (
	"context"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/google/uuid"
)

// Directory resolves a volume's replica set and tracks which host currently
// holds the write secret for it.
type Directory interface {
	// PeersFor returns every host address holding a copy of disk and this
	// host's own address, or ok=false if disk is unknown to the directory.
	PeersFor(ctx context.Context, disk api.Hash) (peers []string, self string, ok bool)
	// RegisterVolume records that disk is now known to live on the given
	// replica set, owned by primary.
	RegisterVolume(ctx context.Context, disk api.Hash, replicas []string, primary string) error
	// SetPrimary updates which host currently holds disk's write secret,
	// e.g. after a forced failover (spec §6 CLI "force").
	SetPrimary(ctx context.Context, disk api.Hash, primary string) error
}

// HostRecord is one entry in a host directory: an identity and its address.
type HostRecord struct {
	ID   uuid.UUID
	Addr string
}
