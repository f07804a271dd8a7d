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

package api

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// HeadSize is the fixed size in bytes of a log entry head (one block).
const HeadSize = BlockSize

// headFixedFields is the byte offset at which the update variant's
// bitset of present-block refs begins: tag(4) + disk/parent/id/entropy
// (4*20) + checksum(20) + lsn(8) + blkno(8) + numBlocks(2) + slice(2) +
// slicesTotal(2) + numParity(2) + unused(2).
const headFixedFields = 4 + 4*HashSize + HashSize + 8 + 8 + 2 + 2 + 2 + 2 + 2

// MaxHeadBlocks is the maximum number of logical blocks describable by one
// head's bitset, i.e. 8 bits per remaining byte of the 512-byte head.
const MaxHeadBlocks = 8 * (HeadSize - headFixedFields)

// Head is the fixed 512-byte prefix of every on-disk log entry.
type Head struct {
	Tag     Tag
	Disk    Hash
	Parent  Hash
	ID      Hash
	Entropy Hash

	// Update variant fields (Tag == TagUpdate).
	Checksum     Hash
	LSN          uint64
	Blkno        uint64
	NumBlocks    uint16
	Slice        uint16
	SlicesTotal  uint16
	NumParity    uint16
	Refs         []byte // bitset, ceil(NumBlocks/8) bytes, bit i set iff block i is physically present

	// Pointer variant fields (Tag == TagPointer).
	Direction PointerDirection
	Target    LogID
}

// NewForwardPointer builds a head marking the end of a sealed segment,
// linking forward to the first block of its successor.
func NewForwardPointer(target LogID) Head {
	return Head{Tag: TagPointer, Direction: PointerNext, Target: target}
}

// NewBackwardPointer builds a head at the start of a non-initial segment,
// linking back to the segment that precedes it in temporal order.
func NewBackwardPointer(target LogID) Head {
	return Head{Tag: TagPointer, Direction: PointerPrev, Target: target}
}

// refsLen returns the byte length of the bitset for n logical blocks.
func refsLen(n uint16) int { return (int(n) + 7) / 8 }

// BitSet reports whether logical block i (0-indexed) is marked present in
// the head's bitset.
func (h *Head) BitSet(i int) bool {
	if i/8 >= len(h.Refs) {
		return false
	}
	return h.Refs[i/8]&(1<<uint(i%8)) != 0
}

// SetBit marks logical block i present, growing Refs as needed.
func (h *Head) SetBit(i int) {
	need := i/8 + 1
	for len(h.Refs) < need {
		h.Refs = append(h.Refs, 0)
	}
	h.Refs[i/8] |= 1 << uint(i%8)
}

// PopCount returns the number of blocks marked present in the bitset.
func (h *Head) PopCount() int {
	n := 0
	for _, b := range h.Refs {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// BodySize returns the number of bytes of body data implied by the head's
// bitset: 512 bytes for every present block, zero for elided all-zero
// blocks.
func (h *Head) BodySize() int {
	if h.Tag != TagUpdate {
		return 0
	}
	return h.PopCount() * BlockSize
}

// EntrySize returns HeadSize + BodySize().
func (h *Head) EntrySize() int {
	return HeadSize + h.BodySize()
}

// ComputeChecksum reproduces the original log_entry_checksum: SHA-1 over
// {lsn, blkno, numBlocks, body, refs} in that order, deliberately hashing
// the bitset last.
func ComputeChecksum(lsn, blkno uint64, numBlocks uint16, body, refs []byte) Hash {
	ctx := sha1.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], lsn)
	ctx.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], blkno)
	ctx.Write(buf[:])
	var nb [2]byte
	binary.LittleEndian.PutUint16(nb[:], numBlocks)
	ctx.Write(nb[:])
	ctx.Write(body)
	ctx.Write(refs)
	var sum [HashSize]byte
	copy(sum[:], ctx.Sum(nil))
	return Hash{Raw: sum, Valid: true}
}

// Marshal serializes the head to its fixed 512-byte on-disk form.
func (h *Head) Marshal() ([]byte, error) {
	buf := make([]byte, HeadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Tag))
	off := 4
	writeHash := func(v Hash) {
		copy(buf[off:off+HashSize], v.Raw[:])
		off += HashSize
	}
	writeHash(h.Disk)
	writeHash(h.Parent)
	writeHash(h.ID)
	writeHash(h.Entropy)

	switch h.Tag {
	case TagUpdate:
		writeHash(h.Checksum)
		binary.LittleEndian.PutUint64(buf[off:off+8], h.LSN)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:off+8], h.Blkno)
		off += 8
		binary.LittleEndian.PutUint16(buf[off:off+2], h.NumBlocks)
		off += 2
		binary.LittleEndian.PutUint16(buf[off:off+2], h.Slice)
		off += 2
		binary.LittleEndian.PutUint16(buf[off:off+2], h.SlicesTotal)
		off += 2
		binary.LittleEndian.PutUint16(buf[off:off+2], h.NumParity)
		off += 2
		off += 2 // unused
		if want, got := refsLen(h.NumBlocks), len(h.Refs); got != want {
			return nil, fmt.Errorf("api: head refs length %d does not match NumBlocks %d (want %d bytes)", got, h.NumBlocks, want)
		}
		if off+len(h.Refs) > HeadSize {
			return nil, fmt.Errorf("api: head refs bitset overflows head (numBlocks=%d)", h.NumBlocks)
		}
		copy(buf[off:], h.Refs)
	case TagPointer:
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.Direction))
		off += 4
		binary.LittleEndian.PutUint64(buf[off:off+8], h.Target.Raw())
	case TagEOF:
		// all-zero head: nothing further to write.
	default:
		return nil, fmt.Errorf("api: unknown head tag %d", h.Tag)
	}
	return buf, nil
}

// UnmarshalHead parses a fixed 512-byte on-disk head. An all-zero buffer parses
// to a TagEOF head, signalling the logical end of a segment's written data.
func UnmarshalHead(buf []byte) (Head, error) {
	if len(buf) != HeadSize {
		return Head{}, fmt.Errorf("api: head must be exactly %d bytes, got %d", HeadSize, len(buf))
	}
	zero := true
	for _, b := range buf {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return Head{Tag: TagEOF}, nil
	}

	var h Head
	h.Tag = Tag(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	readHash := func() Hash {
		v := FromBytes(buf[off : off+HashSize])
		off += HashSize
		return v
	}
	h.Disk = readHash()
	h.Parent = readHash()
	h.ID = readHash()
	h.Entropy = readHash()

	switch h.Tag {
	case TagUpdate:
		h.Checksum = readHash()
		h.LSN = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		h.Blkno = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		h.NumBlocks = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		h.Slice = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		h.SlicesTotal = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		h.NumParity = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		off += 2 // unused
		n := refsLen(h.NumBlocks)
		if off+n > HeadSize {
			return Head{}, fmt.Errorf("api: bitset for %d blocks overflows head", h.NumBlocks)
		}
		h.Refs = append([]byte(nil), buf[off:off+n]...)
	case TagPointer:
		h.Direction = PointerDirection(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		h.Target = LogIDFromRaw(binary.LittleEndian.Uint64(buf[off : off+8]))
	default:
		return Head{}, fmt.Errorf("api: unknown head tag %d", h.Tag)
	}
	return h, nil
}
