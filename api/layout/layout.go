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

// Package layout computes the bit-exact on-disk section table and node/slot
// geometry for a CloudFS host device, mirroring the way the teacher's
// api/layout package computes tile and entry-bundle addresses.
package layout

import "github.com/cloudfs-project/cloudfs/api"

// Magic is the fixed 8-byte disk identifier at offset 0 of every device.
const Magic = "CloudFS\x00"

// SectionType enumerates the fixed sections of a CloudFS device, in the
// order they're laid out on disk.
type SectionType uint32

const (
	SectionHeader SectionType = iota
	SectionCheckpointA
	SectionCheckpointB
	SectionBTree
	SectionFingerprint
	SectionLogSegments

	numSections
)

// MaxNumSegments is the number of bits in the segment allocation bitmap.
const MaxNumSegments = 0x1000

// TreeMaxBlocks is the number of 32 KiB paged B-tree node slots available.
const TreeMaxBlocks = 2048

// TreeBlockSize is the fixed size of one paged B-tree node.
const TreeBlockSize = 8 * 4096

// alignUp rounds a up to the next multiple of api.BlockSize.
func alignUp(a uint64) uint64 {
	return (a + api.BlockSize - 1) / api.BlockSize * api.BlockSize
}

// HeaderSize is the fixed size of the section table header, independent of
// disk capacity.
const HeaderSize = 8 + int(numSections)*12 // magic + {u32 type, u64 offset} per section

// CheckpointSlotSize is the block-aligned size of one checkpoint slot.
// Sized generously for the fixed-size checkpoint record (segment + node
// bitmaps, per-segment obsolescence counters); see internal/checkpoint.
const CheckpointSlotSize = 64 * 1024

// DiskLayout is the resolved section table for a device of a given capacity.
type DiskLayout struct {
	Capacity  uint64
	Offsets   [numSections]uint64
	BTreeSize uint64
}

// NewDiskLayout computes the section table for a device of the given total
// capacity, following the original LogFS_DiskLayoutInit: header, two
// checkpoint slots, a paged B-tree region sized at capacity/128, a
// fingerprint (van Emde Boas) tree region of the same size, then log
// segments filling the remainder.
func NewDiskLayout(capacity uint64) DiskLayout {
	btreeSize := alignUp(capacity / 128)
	sizes := [numSections]uint64{
		SectionHeader:      uint64(HeaderSize),
		SectionCheckpointA: CheckpointSlotSize,
		SectionCheckpointB: CheckpointSlotSize,
		SectionBTree:       btreeSize,
		SectionFingerprint: btreeSize,
		SectionLogSegments: 0, // fills the remainder; computed below
	}

	var dl DiskLayout
	dl.Capacity = capacity
	dl.BTreeSize = btreeSize

	pos := uint64(0)
	for t := SectionHeader; t < SectionLogSegments; t++ {
		dl.Offsets[t] = pos
		pos += alignUp(sizes[t])
	}
	dl.Offsets[SectionLogSegments] = pos
	return dl
}

// Offset returns the absolute byte offset of the named section.
func (dl DiskLayout) Offset(t SectionType) uint64 { return dl.Offsets[t] }

// NumSegmentSlots returns how many fixed-size log segments fit between the
// start of the log-segments section and the end of the device.
func (dl DiskLayout) NumSegmentSlots() uint64 {
	avail := dl.Capacity - dl.Offsets[SectionLogSegments]
	return avail / api.SegmentSize
}

// SegmentOffset returns the absolute byte offset of the given segment index.
func (dl DiskLayout) SegmentOffset(segment uint64) uint64 {
	return dl.Offsets[SectionLogSegments] + segment*api.SegmentSize
}
