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

// Package streamer implements remote-log replication (component C11): a
// per-subscriber session that first catches a replica up from historical
// segments, then attaches to a volume's live stream set so new writes are
// pushed to it directly.
package streamer

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
)

// MaxInFlightBytes bounds a subscriber's outbound queue (spec §4.11: "≈ 4
// MiB").
const MaxInFlightBytes = 4 << 20

// Entry is one log entry queued for delivery to a subscriber.
type Entry struct {
	Head api.Head
	Body []byte
}

func (e Entry) size() int { return api.HeadSize + len(e.Body) }

// Phase distinguishes a subscriber's catch-up scan from its live attach.
type Phase int

const (
	PhaseCatchUp Phase = iota
	PhaseSynchronous
)

// HistoryReader resolves historical entries for the catch-up phase, scanning
// forward from a segment located via the LSN index (internal/rangemap).
type HistoryReader interface {
	// SegmentForLSN returns the segment containing lsn, via the LSN->segment
	// secondary index.
	SegmentForLSN(ctx context.Context, disk api.Hash, lsn uint64) (uint64, error)
	// ScanSegment returns every update entry in segment belonging to disk,
	// in on-disk order.
	ScanSegment(ctx context.Context, disk api.Hash, segment uint64) ([]Entry, error)
}

// Subscriber is one remote replica's streaming session for a single volume.
type Subscriber struct {
	disk   api.Hash
	send   func(Entry) error // delivers one entry to the underlying connection
	reader HistoryReader

	mu          sync.Mutex
	currentLSN  uint64
	phase       Phase
	inFlight    int
	queue       []Entry
	shouldClose bool
}

// NewSubscriber creates a Subscriber that will begin streaming disk to peer
// starting just after fromLSN, via reader for the catch-up scan and send to
// push each entry once ready.
func NewSubscriber(disk api.Hash, fromLSN uint64, reader HistoryReader, send func(Entry) error) *Subscriber {
	return &Subscriber{
		disk:       disk,
		send:       send,
		reader:     reader,
		currentLSN: fromLSN,
		phase:      PhaseCatchUp,
	}
}

// ShouldClose reports whether the subscriber overflowed its buffer or was
// otherwise flagged for disconnection; the caller owns actually closing the
// socket.
func (s *Subscriber) ShouldClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldClose
}

// Phase reports whether the subscriber is still scanning history or has
// attached live.
func (s *Subscriber) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RunCatchUp scans forward from the subscriber's current LSN, delivering
// every matching update entry it finds, until it either reaches the end of
// written history (the caller should then attach it live via Attach) or the
// subscriber is flagged to close.
func (s *Subscriber) RunCatchUp(ctx context.Context) error {
	for {
		s.mu.Lock()
		lsn := s.currentLSN
		closed := s.shouldClose
		s.mu.Unlock()
		if closed {
			return nil
		}

		segment, err := s.reader.SegmentForLSN(ctx, s.disk, lsn+1)
		if err != nil {
			// No segment known to hold lsn+1 yet: caller has reached the end
			// of currently-written history and should attach this
			// subscriber to the live stream set instead.
			return nil
		}
		entries, err := s.reader.ScanSegment(ctx, s.disk, segment)
		if err != nil {
			return fmt.Errorf("streamer: scan segment %d: %w", segment, err)
		}

		delivered := false
		for _, e := range entries {
			if e.Head.LSN != lsn+1 {
				continue
			}
			if err := s.deliver(e); err != nil {
				return err
			}
			lsn = e.Head.LSN
			delivered = true
		}
		if !delivered {
			return nil
		}
	}
}

// Attach transitions the subscriber from catch-up scanning to the
// synchronous phase, where Push is called directly by the write path.
func (s *Subscriber) Attach() {
	s.mu.Lock()
	s.phase = PhaseSynchronous
	s.mu.Unlock()
}

// Push delivers a freshly-written entry during the synchronous phase. If
// the subscriber's in-flight buffer would overflow, it is flagged to close
// instead of blocking the writer (spec §4.11: "the VM's primary owner
// continues").
func (s *Subscriber) Push(e Entry) {
	if err := s.deliver(e); err != nil {
		klog.V(1).Infof("streamer: subscriber for %s flagged to close: %v", s.disk.Hex(), err)
	}
}

func (s *Subscriber) deliver(e Entry) error {
	s.mu.Lock()
	if s.inFlight+e.size() > MaxInFlightBytes {
		s.shouldClose = true
		s.mu.Unlock()
		return fmt.Errorf("streamer: in-flight buffer overflow for %s", s.disk.Hex())
	}
	s.inFlight += e.size()
	s.mu.Unlock()

	err := s.send(e)

	s.mu.Lock()
	s.inFlight -= e.size()
	if err == nil {
		s.currentLSN = e.Head.LSN
	} else {
		s.shouldClose = true
	}
	s.mu.Unlock()

	return err
}

// Set is the live stream set a VDisk's write path pushes directly into.
type Set struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewSet creates an empty live stream set.
func NewSet() *Set { return &Set{subs: make(map[*Subscriber]struct{})} }

// Attach adds a caught-up subscriber to the live set.
func (s *Set) Attach(sub *Subscriber) {
	sub.Attach()
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
}

// Detach removes a subscriber, used once its socket has been closed.
func (s *Set) Detach(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Publish pushes e to every live subscriber, detaching any that flag
// themselves to close as a result.
func (s *Set) Publish(e Entry) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Push(e)
		if sub.ShouldClose() {
			s.Detach(sub)
		}
	}
}
