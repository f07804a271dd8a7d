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

package rangemap

import (
	"context"
	"time"

	buffer "github.com/globocom/go-buffer"
	"k8s.io/klog/v2"
)

// DefaultFlushTriggerSize and DefaultFlushTriggerInterval are the
// size/interval pair FlushTrigger uses unless told otherwise.
const (
	DefaultFlushTriggerSize     = 512
	DefaultFlushTriggerInterval = 50 * time.Millisecond
)

// FlushTrigger asks a Map to flush its buffered-insert ring proactively,
// under a size-or-interval policy, instead of waiting for the ring to fill
// to MaxInserts. MaxInserts remains the hard backstop; FlushTrigger just
// keeps the ring from sitting unflushed for long stretches under light or
// bursty write load, so a Lookup or checkpoint isn't left paying for a large
// deferred flush all at once.
type FlushTrigger struct {
	buf *buffer.Buffer
}

// NewFlushTrigger creates a trigger that calls m.Flush whenever size Nudges
// have accumulated or interval has elapsed since the last flush, whichever
// comes first.
func NewFlushTrigger(m *Map, size uint, interval time.Duration) *FlushTrigger {
	t := &FlushTrigger{}
	t.buf = buffer.New(
		buffer.WithSize(size),
		buffer.WithFlushInterval(interval),
		buffer.WithFlusher(buffer.FlusherFunc(func(items []interface{}) {
			if err := m.Flush(context.Background()); err != nil {
				klog.Warningf("rangemap: background flush trigger: %v", err)
			}
		})),
	)
	return t
}

// Nudge records one pending insert against the trigger's size/interval
// policy.
func (t *FlushTrigger) Nudge() {
	t.buf.Push(struct{}{})
}

// Close stops the trigger's interval timer, flushing any outstanding nudge.
func (t *FlushTrigger) Close() error {
	return t.buf.Close()
}
