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

package metalog

import (
	"time"

	"github.com/globocom/go-buffer"
)

// DefaultWakeupBatchSize and DefaultWakeupBatchInterval bound how many
// individual append wakeups a WakeupBatcher coalesces into one dispatch: a
// burst of writes wakes every blocked remote streamer once per batch rather
// than once per entry.
const (
	DefaultWakeupBatchSize     = 64
	DefaultWakeupBatchInterval = 20 * time.Millisecond
)

// WakeupBatcher coalesces a burst of append wakeups into periodic batched
// dispatches, so a volume under heavy write load doesn't wake every blocked
// streamer subscriber once per entry.
type WakeupBatcher struct {
	buf *buffer.Buffer
}

// NewWakeupBatcher creates a batcher that calls onBatch with the tail
// (most recent) LogID of each coalesced run, at most once per size/interval
// window.
func NewWakeupBatcher(size uint, interval time.Duration, onBatch func(latest interface{})) *WakeupBatcher {
	wb := &WakeupBatcher{}
	wb.buf = buffer.New(
		buffer.WithSize(size),
		buffer.WithFlushInterval(interval),
		buffer.WithFlusher(buffer.FlusherFunc(func(items []interface{}) {
			if len(items) == 0 {
				return
			}
			onBatch(items[len(items)-1])
		})),
	)
	return wb
}

// Notify enqueues id, triggering onBatch once the batcher's size or age
// threshold is reached.
func (wb *WakeupBatcher) Notify(id interface{}) {
	_ = wb.buf.Push(id)
}

// Close flushes any pending wakeup and releases the batcher's timer.
func (wb *WakeupBatcher) Close() error {
	if err := wb.buf.Flush(); err != nil {
		return err
	}
	return wb.buf.Close()
}
