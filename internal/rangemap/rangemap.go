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

// Package rangemap implements the logical-block-address interval map
// (component C6): a paged-tree keyed by the *end* of each interval, mapping
// [from, to) -> the log_id holding that data, plus a secondary LSN index and
// the buffered insert ring that lets callers batch updates between
// checkpoints instead of COW-syncing the tree on every single write.
package rangemap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/pagedtree"
)

// KeySize and ValueSize mirror the original struct range: the key is the
// exclusive end of the interval (uint64 LBA), the value is {length uint16,
// target uint64} where target packs a LogID's raw form.
const (
	KeySize   = 8
	ValueSize = 2 + 8
)

// MaxInserts bounds the buffered-insert ring (spec §4.6): up to this many
// pending interval writes may accumulate before a Flush is forced.
const MaxInserts = 6144

// Range is one resolved mapping entry: logical blocks [From, From+Length)
// physically live at Target.
type Range struct {
	From, Length uint64
	Target       api.LogID
}

func encodeKey(to uint64) []byte {
	b := make([]byte, KeySize)
	binary.BigEndian.PutUint64(b, to)
	return b
}

func decodeKey(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func encodeValue(length uint16, target api.LogID) []byte {
	b := make([]byte, ValueSize)
	binary.BigEndian.PutUint16(b[0:2], length)
	binary.BigEndian.PutUint64(b[2:10], target.Raw())
	return b
}

func decodeValue(b []byte) (length uint16, target api.LogID) {
	length = binary.BigEndian.Uint16(b[0:2])
	target = api.LogIDFromRaw(binary.BigEndian.Uint64(b[2:10]))
	return
}

// pendingInsert is one entry queued in the buffered-insert ring, keyed the
// same way as the committed tree.
type pendingInsert struct {
	from, to uint64
	target   api.LogID
}

// Map is one volume's logical-to-physical interval index.
type Map struct {
	tree *pagedtree.Tree
	lsn  *pagedtree.Tree // secondary index: LSN -> log_id, for streamer catch-up

	mu          sync.Mutex
	ring        []pendingInsert
	obsolescent map[uint64]uint32 // segment index -> blocks superseded by later writes

	trigger *FlushTrigger
}

// UseBackgroundFlush opts the Map into proactively flushing its
// buffered-insert ring on a size-or-interval policy rather than only when
// the ring fills to MaxInserts or a caller forces a Flush. Call it once,
// before the Map is used concurrently.
func (m *Map) UseBackgroundFlush(size uint, interval time.Duration) {
	m.trigger = NewFlushTrigger(m, size, interval)
}

// New builds a Map over the given interval tree and LSN tree (both expected
// to be freshly constructed or reopened pagedtree.Trees sharing one Cache).
func New(tree, lsnTree *pagedtree.Tree) *Map {
	return &Map{
		tree:        tree,
		lsn:         lsnTree,
		obsolescent: make(map[uint64]uint32),
	}
}

// Insert queues [from, from+length) -> target for the buffered ring,
// flushing immediately into the paged tree if the ring is full (spec §4.6:
// "insertion is buffered; the tree is only touched when the ring fills or a
// checkpoint is requested").
func (m *Map) Insert(ctx context.Context, from, length uint64, target api.LogID) error {
	m.mu.Lock()
	m.ring = append(m.ring, pendingInsert{from: from, to: from + length, target: target})
	full := len(m.ring) >= MaxInserts
	trigger := m.trigger
	m.mu.Unlock()

	if trigger != nil {
		trigger.Nudge()
	}
	if full {
		return m.Flush(ctx)
	}
	return nil
}

// Flush applies every buffered insert to the underlying paged tree. Overlaps
// with previously committed ranges are recorded as obsolescence (their
// segments now hold superseded data, feeding the cleaner's candidate
// selection) rather than being physically overwritten until Sync.
func (m *Map) Flush(ctx context.Context) error {
	m.mu.Lock()
	ring := m.ring
	m.ring = nil
	m.mu.Unlock()

	for _, ins := range ring {
		if err := m.applyLocked(ctx, ins); err != nil {
			return fmt.Errorf("rangemap: flush: %w", err)
		}
	}
	return nil
}

func (m *Map) applyLocked(ctx context.Context, ins pendingInsert) error {
	// A new write to [from, to) obsoletes whatever range previously
	// covered that span. Find the first committed range whose end is >
	// from; if it overlaps, its overlapped portion becomes obsolescent.
	key, value, ok, err := m.tree.LowerBound(ctx, encodeKey(ins.from+1))
	if err != nil {
		return err
	}
	if ok {
		oldLen, oldTarget := decodeValue(value)
		oldTo := decodeKey(key)
		if oldFrom := oldTo - uint64(oldLen); oldFrom < ins.to {
			m.mu.Lock()
			m.obsolescent[oldTarget.Segment()] += uint32(min(oldTo, ins.to) - max(oldFrom, ins.from))
			m.mu.Unlock()
		}
	}

	length := ins.to - ins.from
	if length > 0xFFFF {
		return fmt.Errorf("rangemap: range length %d exceeds uint16", length)
	}
	return m.tree.Insert(ctx, encodeKey(ins.to), encodeValue(uint16(length), ins.target))
}

// Lookup resolves the physical target of the interval covering block,
// flushing any buffered-but-not-yet-applied inserts first so the result
// reflects every call to Insert that happened-before this Lookup.
func (m *Map) Lookup(ctx context.Context, block uint64) (Range, bool, error) {
	if err := m.Flush(ctx); err != nil {
		return Range{}, false, err
	}
	key, value, ok, err := m.tree.LowerBound(ctx, encodeKey(block+1))
	if err != nil || !ok {
		return Range{}, false, err
	}
	to := decodeKey(key)
	length, target := decodeValue(value)
	from := to - uint64(length)
	if block < from || block >= to {
		return Range{}, false, nil
	}
	return Range{From: from, Length: uint64(length), Target: target}, true, nil
}

// RecordLSN indexes id under its assigning LSN, used by the remote-log
// streamer's catch-up phase to resolve "everything since LSN N" without a
// linear segment scan (spec §4.11).
func (m *Map) RecordLSN(ctx context.Context, lsn uint64, id api.LogID) error {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, lsn)
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, id.Raw())
	return m.lsn.Insert(ctx, key, val)
}

// LookupLSN resolves the log_id assigned at exactly lsn, if indexed.
func (m *Map) LookupLSN(ctx context.Context, lsn uint64) (api.LogID, bool, error) {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, lsn)
	val, ok, err := m.lsn.Find(ctx, key)
	if err != nil || !ok {
		return api.InvalidLogID, false, err
	}
	return api.LogIDFromRaw(binary.BigEndian.Uint64(val)), true, nil
}

// ObsolescenceSnapshot returns, per segment index, how many blocks within it
// have been superseded by later writes. The cleaner (C9) consumes this to
// rank segments by reclaimable fraction.
func (m *Map) ObsolescenceSnapshot() map[uint64]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]uint32, len(m.obsolescent))
	for k, v := range m.obsolescent {
		out[k] = v
	}
	return out
}

// Sync flushes pending inserts and then COW-syncs both backing trees,
// returning the moved node sets for both so the checkpoint writer can record
// them in the node bitmap.
func (m *Map) Sync(ctx context.Context) (rangeRoot, lsnRoot uint32, rangeMoved, lsnMoved []pagedtree.Move, err error) {
	if err := m.Flush(ctx); err != nil {
		return 0, 0, nil, nil, err
	}
	rangeRoot, rangeMoved, err = m.tree.Sync(ctx)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	lsnRoot, lsnMoved, err = m.lsn.Sync(ctx)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return rangeRoot, lsnRoot, rangeMoved, lsnMoved, nil
}
