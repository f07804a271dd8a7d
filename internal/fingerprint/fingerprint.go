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

// Package fingerprint implements block-level dedup hinting (component C10):
// a sampled SHA-1 of roughly one in sixteen written blocks, kept in a
// bounded pseudo-LRU hash table, plus a cross-segment overlap graph that
// ranks which segments share the most duplicate content so the cleaner can
// prefer coalescing them.
package fingerprint

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cloudfs-project/cloudfs/api"
)

// LogLines is log2 of the dedup table's capacity: 2^18 entries, matching
// the original hash database's fixed sizing.
const LogLines = 18

// TableSize is the number of resident fingerprint entries the table holds.
const TableSize = 1 << LogLines

// SampleMask selects blocks whose low nibble of their offset within the
// entry is zero, i.e. roughly one in sixteen blocks are fingerprinted
// (spec §4.10).
const SampleMask = 0xF

// Table is the bounded, pseudo-LRU store mapping a sampled block's hash to
// the most recent log position observed holding that content. Eviction
// under golang-lru approximates the original's balanced van Emde Boas
// bit-tree recency structure: both guarantee O(1) amortized insert/lookup
// with bounded memory, and neither is asked to preserve any delete/iterate
// ordering beyond "most recently touched survives".
type Table struct {
	cache *lru.Cache[[api.HashSize]byte, api.LogID]
}

// NewTable creates an empty fingerprint table sized to TableSize.
func NewTable() *Table {
	c, err := lru.New[[api.HashSize]byte, api.LogID](TableSize)
	if err != nil {
		panic(err) // TableSize is a positive compile-time constant
	}
	return &Table{cache: c}
}

// ShouldSample reports whether blockIndex within an entry's body should be
// fingerprinted, per the fixed 1-in-16 sampling rate.
func ShouldSample(blockIndex int) bool {
	return blockIndex&SampleMask == 0
}

// Observe records that id's content hash h was seen at id, returning the
// prior log position recorded for the same hash, if any -- a dedup hint the
// caller may use to avoid physically rewriting identical data.
func (t *Table) Observe(h api.Hash, id api.LogID) (prior api.LogID, hadPrior bool) {
	prior, hadPrior = t.cache.Get(h.Raw)
	t.cache.Add(h.Raw, id)
	return prior, hadPrior
}

// Lookup returns the most recently observed log position for hash h, if
// still resident.
func (t *Table) Lookup(h api.Hash) (api.LogID, bool) {
	return t.cache.Get(h.Raw)
}

// Overlap is how many sampled fingerprints two segments share.
type Overlap struct {
	A, B   uint64
	Shared int
}

// Graph tracks, for each pair of segments that have ever shared a sampled
// fingerprint, how many times that's happened -- an undirected weighted
// overlap graph the cleaner consults to prefer coalescing segments whose
// live data mostly duplicates a common segment (spec §4.9's dedup-aware GC
// ordering).
type Graph struct {
	mu     sync.Mutex
	weight map[[2]uint64]int
}

// NewGraph creates an empty overlap graph.
func NewGraph() *Graph {
	return &Graph{weight: make(map[[2]uint64]int)}
}

func edgeKey(a, b uint64) [2]uint64 {
	if a > b {
		a, b = b, a
	}
	return [2]uint64{a, b}
}

// Connect increments the overlap weight between segments a and b by one,
// mirroring Graph_Connect/Graph_AddEdge's accumulating edge weight.
func (g *Graph) Connect(a, b uint64) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.weight[edgeKey(a, b)]++
}

// Weight returns the recorded overlap weight between segments a and b, zero
// if they have never shared a sampled fingerprint.
func (g *Graph) Weight(a, b uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weight[edgeKey(a, b)]
}

// TopOverlaps returns the n segment pairs with the highest recorded overlap
// weight, in descending order.
func (g *Graph) TopOverlaps(n int) []Overlap {
	g.mu.Lock()
	defer g.mu.Unlock()
	all := make([]Overlap, 0, len(g.weight))
	for k, w := range g.weight {
		all = append(all, Overlap{A: k[0], B: k[1], Shared: w})
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Shared > all[j-1].Shared; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// ObserveSegmentBlock fingerprints a sampled block's content h, recording
// both the dedup hint and, when the hash was already known to belong to a
// different segment, an edge in the overlap graph between that segment and
// id's segment.
func (t *Table) ObserveSegmentBlock(g *Graph, h api.Hash, id api.LogID) {
	prior, had := t.Observe(h, id)
	if had && prior.Segment() != id.Segment() {
		g.Connect(prior.Segment(), id.Segment())
	}
}
