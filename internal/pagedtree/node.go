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

// Package pagedtree implements the copy-on-write, checksum-verified,
// demand-paged B-tree node store (component C5) shared by every tree built
// on top of it (the range map's interval index and LSN index, and the
// super-tree of per-volume checkpoints).
package pagedtree

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/cloudfs-project/cloudfs/api/layout"
)

// NodeSize is the fixed physical size of one paged tree node.
const NodeSize = layout.TreeBlockSize

// checksumOffset is the byte at which the checksummed region of a node
// begins: 20-byte SHA-1 + 8-byte generation precede it.
const checksumOffset = sha1.Size + 8

// headerSize is checksum + generation + count + leaf flag.
const headerSize = checksumOffset + 4 + 1

// entrySize returns key + value bytes for one entry; a branch entry's 4-byte
// child pointer is not included (children are tracked separately).
func entrySize(keySize, valueSize int) int { return keySize + valueSize }

// MaxEntries returns the branching factor for the given key/value sizes:
// (node_size - header) / (child_ptr + key + value), per spec §4.5.
func MaxEntries(keySize, valueSize int) int {
	const childPtrSize = 4
	return (NodeSize - headerSize) / (childPtrSize + keySize + valueSize)
}

// Node is one paged B-tree node: a fixed 32 KiB block holding a SHA-1 of its
// own trailing bytes, a monotone generation counter, and packed key/value
// (and, for branches, child pointer) entries.
type Node struct {
	Generation uint64
	Leaf       bool
	Keys       [][]byte // fixed KeySize each
	Values     [][]byte // fixed ValueSize each
	Children   []uint32 // len(Children) == len(Keys)+1 for branch nodes; empty for leaves
}

// Marshal serializes n into a NodeSize-byte block, with a fresh SHA-1 over
// everything from checksumOffset on; the 8-byte generation that follows the
// checksum field is not covered.
func (n *Node) Marshal(keySize, valueSize int) ([]byte, error) {
	buf := make([]byte, NodeSize)
	binary.LittleEndian.PutUint64(buf[sha1.Size:sha1.Size+8], n.Generation)
	binary.LittleEndian.PutUint32(buf[checksumOffset:checksumOffset+4], uint32(len(n.Keys)))
	if n.Leaf {
		buf[checksumOffset+4] = 1
	}
	off := headerSize
	for i := range n.Keys {
		if !n.Leaf {
			binary.LittleEndian.PutUint32(buf[off:off+4], n.Children[i])
			off += 4
		}
		if len(n.Keys[i]) != keySize || len(n.Values[i]) != valueSize {
			return nil, fmt.Errorf("pagedtree: entry %d has wrong key/value size", i)
		}
		copy(buf[off:off+keySize], n.Keys[i])
		off += keySize
		copy(buf[off:off+valueSize], n.Values[i])
		off += valueSize
		if off > NodeSize {
			return nil, fmt.Errorf("pagedtree: node overflows %d bytes", NodeSize)
		}
	}
	if !n.Leaf {
		// One trailing child pointer beyond the last key.
		if len(n.Children) != len(n.Keys)+1 {
			return nil, fmt.Errorf("pagedtree: branch node must have len(keys)+1 children")
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], n.Children[len(n.Keys)])
		off += 4
	}

	sum := sha1.Sum(buf[checksumOffset:])
	copy(buf[:sha1.Size], sum[:])
	return buf, nil
}

// Unmarshal parses and checksum-verifies a NodeSize-byte block.
func Unmarshal(buf []byte, keySize, valueSize int) (*Node, error) {
	if len(buf) != NodeSize {
		return nil, fmt.Errorf("pagedtree: node must be %d bytes, got %d", NodeSize, len(buf))
	}
	want := buf[:sha1.Size]
	got := sha1.Sum(buf[checksumOffset:])
	for i := range want {
		if want[i] != got[i] {
			return nil, fmt.Errorf("pagedtree: checksum mismatch")
		}
	}
	n := &Node{
		Generation: binary.LittleEndian.Uint64(buf[sha1.Size : sha1.Size+8]),
		Leaf:       buf[checksumOffset+4] == 1,
	}
	count := int(binary.LittleEndian.Uint32(buf[checksumOffset : checksumOffset+4]))
	off := headerSize
	for i := 0; i < count; i++ {
		if !n.Leaf {
			n.Children = append(n.Children, binary.LittleEndian.Uint32(buf[off:off+4]))
			off += 4
		}
		key := append([]byte(nil), buf[off:off+keySize]...)
		off += keySize
		val := append([]byte(nil), buf[off:off+valueSize]...)
		off += valueSize
		n.Keys = append(n.Keys, key)
		n.Values = append(n.Values, val)
	}
	if !n.Leaf {
		n.Children = append(n.Children, binary.LittleEndian.Uint32(buf[off:off+4]))
	}
	return n, nil
}
