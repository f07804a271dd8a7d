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

// Package metalog implements the MetaLog (component C4): the chain of
// segments that together form one host's physical log, handling segment
// rollover (forward/backward pointer records), the open-segment cache, and
// wakeup signalling for remote streamers.
package metalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/alloc"
	"github.com/cloudfs-project/cloudfs/internal/blockdev"
	"github.com/cloudfs-project/cloudfs/internal/segment"
)

// MaxOpenSegments bounds the open-segment cache (spec §4.4).
const MaxOpenSegments = 128

// pointerSlack is the number of head-sized slots a rollover decision
// reserves for the forward/backward pointer records themselves.
const pointerSlack = 3

// FingerprintFunc receives the per-block content of a freshly appended
// update entry so the caller can accumulate dedup fingerprints (C10)
// without metalog depending on that package directly.
type FingerprintFunc func(id api.LogID, blockIndex int, block []byte)

// WakeupFunc is notified after every successful append, used to wake
// blocked remote-log streamers (C11).
type WakeupFunc func(id api.LogID)

// MetaLog is the append-only backbone of one host's physical log.
type MetaLog struct {
	dev   *blockdev.Device
	alloc *alloc.Allocator

	mu        sync.Mutex
	active    *segment.Segment
	openCache *lru.Cache[uint64, *segment.Segment]

	onFingerprint FingerprintFunc
	onWakeup      []WakeupFunc
	wakeupBatch   *WakeupBatcher
}

// Open creates a MetaLog over dev using alloc for segment allocation,
// starting a fresh appendable segment.
func Open(ctx context.Context, dev *blockdev.Device, a *alloc.Allocator) (*MetaLog, error) {
	cache, err := lru.New[uint64, *segment.Segment](MaxOpenSegments)
	if err != nil {
		return nil, fmt.Errorf("metalog: new LRU: %w", err)
	}
	ml := &MetaLog{dev: dev, alloc: a, openCache: cache}
	idx, err := a.AllocSegment()
	if err != nil {
		return nil, fmt.Errorf("metalog: alloc initial segment: %w", err)
	}
	ml.active = segment.New(dev, uint64(idx))
	ml.openCache.Add(uint64(idx), ml.active)
	return ml, nil
}

// OnFingerprint registers the callback invoked with each appended block.
func (ml *MetaLog) OnFingerprint(f FingerprintFunc) { ml.onFingerprint = f }

// OnWakeup registers a callback invoked after every successful append.
func (ml *MetaLog) OnWakeup(f WakeupFunc) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.onWakeup = append(ml.onWakeup, f)
}

// UseBatchedWakeups coalesces bursts of append wakeups via a WakeupBatcher
// instead of dispatching one per append, so a host under heavy write load
// doesn't wake every blocked remote streamer subscriber once per entry. It
// must be called before the first Append.
func (ml *MetaLog) UseBatchedWakeups(size uint, interval time.Duration) {
	ml.wakeupBatch = NewWakeupBatcher(size, interval, func(latest interface{}) {
		ml.mu.Lock()
		cbs := append([]WakeupFunc(nil), ml.onWakeup...)
		ml.mu.Unlock()
		id := latest.(api.LogID)
		for _, f := range cbs {
			f(id)
		}
	})
}

// ActiveSegment returns the metalog's current appendable segment.
func (ml *MetaLog) ActiveSegment() *segment.Segment {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.active
}

// Segment returns the (possibly cached, possibly newly wrapped) segment at
// idx, used by readers and the replication streamer to locate historical
// data outside the active segment.
func (ml *MetaLog) Segment(idx uint64) *segment.Segment {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if s, ok := ml.openCache.Get(idx); ok {
		return s
	}
	s := segment.New(ml.dev, idx)
	s.Close(context.Background()) // an out-of-cache segment is never the active one
	ml.openCache.Add(idx, s)
	return s
}

// Append writes head+body as one entry into the active segment, rolling
// over to a fresh segment first if it would not fit alongside pointerSlack
// head-sized slots of rollover bookkeeping (spec §4.4 step 1).
func (ml *MetaLog) Append(ctx context.Context, head api.Head, body []byte) (api.LogID, error) {
	headBuf, err := head.Marshal()
	if err != nil {
		return api.InvalidLogID, fmt.Errorf("metalog: marshal head: %w", err)
	}
	nBlocks := uint32(1 + len(body)/api.BlockSize)

	ml.mu.Lock()
	active := ml.active
	ml.mu.Unlock()

	if active.RemainingBlocks() < nBlocks+pointerSlack {
		var err error
		active, err = ml.rollover(ctx, active)
		if err != nil {
			return api.InvalidLogID, err
		}
	}

	id, err := active.Append(ctx, headBuf, body)
	if err != nil {
		return api.InvalidLogID, err
	}

	if ml.onFingerprint != nil && head.Tag == api.TagUpdate {
		for i := 0; i*api.BlockSize < len(body); i++ {
			ml.onFingerprint(id, i, body[i*api.BlockSize:(i+1)*api.BlockSize])
		}
	}

	if ml.wakeupBatch != nil {
		ml.wakeupBatch.Notify(id)
		return id, nil
	}

	ml.mu.Lock()
	cbs := append([]WakeupFunc(nil), ml.onWakeup...)
	ml.mu.Unlock()
	for _, f := range cbs {
		f(id)
	}

	return id, nil
}

// rollover allocates a new segment and splits the three bookkeeping I/Os
// spec §4.4 requires: (a) a forward pointer at the tail of old, (b) closing
// old, (c) a backward pointer at the start of new. Only once (c) completes
// does the caller's append proceed, matching the original design's ordering
// (a client mid-rollover must not observe the new segment before it is
// reachable by following the old segment's forward pointer).
func (ml *MetaLog) rollover(ctx context.Context, old *segment.Segment) (*segment.Segment, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	// Another goroutine may have already rolled over while we waited for
	// the lock; re-check.
	if ml.active != old {
		return ml.active, nil
	}

	newIdx, err := ml.alloc.AllocSegment()
	if err != nil {
		return nil, fmt.Errorf("metalog: rollover: alloc segment: %w", err)
	}
	next := segment.New(ml.dev, uint64(newIdx))

	fwdTarget := api.NewLogID(uint64(newIdx), 0)
	fwdHead := api.NewForwardPointer(fwdTarget)
	fwdBuf, err := fwdHead.Marshal()
	if err != nil {
		return nil, fmt.Errorf("metalog: marshal forward pointer: %w", err)
	}
	if _, err := old.Append(ctx, fwdBuf, nil); err != nil {
		return nil, fmt.Errorf("metalog: write forward pointer: %w", err)
	}
	if err := old.Close(ctx); err != nil {
		return nil, fmt.Errorf("metalog: close old segment %d: %w", old.Index(), err)
	}

	bwdTarget := api.NewLogID(old.Index(), 0)
	bwdHead := api.NewBackwardPointer(bwdTarget)
	bwdBuf, err := bwdHead.Marshal()
	if err != nil {
		return nil, fmt.Errorf("metalog: marshal backward pointer: %w", err)
	}
	if _, err := next.Append(ctx, bwdBuf, nil); err != nil {
		return nil, fmt.Errorf("metalog: write backward pointer: %w", err)
	}

	klog.V(1).Infof("metalog: rolled segment %d -> %d", old.Index(), next.Index())

	ml.active = next
	ml.openCache.Add(next.Index(), next)
	return next, nil
}
