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

// Package options holds the functional options shared by every host-level
// CloudFS entry point (cmd/cloudfsd and any embedder), following the same
// pattern as the paged-log storage layer this codebase is built on top of.
package options

import (
	"time"

	"github.com/google/uuid"
)

// DefaultCheckpointInterval is how often a host publishes a fresh checkpoint
// if WithCheckpointInterval is not supplied.
const DefaultCheckpointInterval = 30 * time.Second

// DefaultQuorumThreshold is the number of replicas (including the local
// host) that must acknowledge a write before it is reported durable, if
// WithQuorum is not supplied.
const DefaultQuorumThreshold = 2

// DefaultCleanerLowWater is the obsolescence fraction (0-100) below which
// the cleaner stops selecting new segments to reclaim.
const DefaultCleanerLowWater = 20

// HostOptions holds the configuration of one running CloudFS host.
type HostOptions struct {
	HostID             uuid.UUID
	SelfAddr           string
	CheckpointInterval time.Duration
	QuorumThreshold    int
	CleanerLowWater    int
	Peers              []string
	ArchiveBucket      string
}

// NewHostOptions returns a HostOptions populated with defaults, then
// modified by opts in order. A HostID is generated if WithHostID is not
// supplied, so every host in a replica set has a stable identity for gossip
// and write-quorum addressing without requiring operator-assigned names.
func NewHostOptions(opts ...func(*HostOptions)) *HostOptions {
	o := &HostOptions{
		HostID:             uuid.New(),
		CheckpointInterval: DefaultCheckpointInterval,
		QuorumThreshold:    DefaultQuorumThreshold,
		CleanerLowWater:    DefaultCleanerLowWater,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHostID fixes this host's identity, overriding the randomly generated
// default. Use this when a host's identity must survive a process restart.
func WithHostID(id uuid.UUID) func(*HostOptions) {
	return func(o *HostOptions) { o.HostID = id }
}

// WithCheckpointInterval configures how often a host publishes a fresh
// checkpoint of its segment/node bitmaps and super-tree root.
func WithCheckpointInterval(d time.Duration) func(*HostOptions) {
	return func(o *HostOptions) { o.CheckpointInterval = d }
}

// WithQuorum configures how many replicas (including the local host) must
// acknowledge a write before the client is told it is durable.
func WithQuorum(threshold int) func(*HostOptions) {
	return func(o *HostOptions) { o.QuorumThreshold = threshold }
}

// WithSelfAddr fixes the address this host advertises to a peer directory
// when it registers or claims primary ownership of a volume.
func WithSelfAddr(addr string) func(*HostOptions) {
	return func(o *HostOptions) { o.SelfAddr = addr }
}

// WithPeers sets HostOptions.Peers. The host does not read this field: its
// write fan-out uses the replica set the peer directory's PeersFor returns.
func WithPeers(peers ...string) func(*HostOptions) {
	return func(o *HostOptions) { o.Peers = append([]string(nil), peers...) }
}

// WithCleanerLowWater configures the obsolescence percentage below which the
// segment cleaner stops reclaiming.
func WithCleanerLowWater(pct int) func(*HostOptions) {
	return func(o *HostOptions) { o.CleanerLowWater = pct }
}

// WithArchiveBucket configures the S3 bucket sealed segments are archived to
// once the cleaner has fully drained them, instead of being freed outright.
func WithArchiveBucket(bucket string) func(*HostOptions) {
	return func(o *HostOptions) { o.ArchiveBucket = bucket }
}
