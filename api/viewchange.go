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
	"encoding/binary"
	"fmt"
)

// MaxReplicas is the largest replica set describable in a single 512-byte
// view-change body block.
const MaxReplicas = (BlockSize - 2*HashSize - 3) / HashSize

// ViewChange is the body of a special update entry at blkno=MetadataBlock.
// It attests that a volume henceforth lives on Replicas under a new view,
// identified publicly by View = Apply(secretView). InvalidatesView, when
// valid, names the view being superseded by this one (a forced handoff);
// it is the zero Hash (invalid) for volume creation.
type ViewChange struct {
	View            Hash
	InvalidatesView Hash
	Replicas        []Hash
}

// Marshal packs the view-change into a single fixed 512-byte body block.
func (v ViewChange) Marshal() ([]byte, error) {
	if len(v.Replicas) > MaxReplicas {
		return nil, fmt.Errorf("api: %d replicas exceeds max %d per view-change block", len(v.Replicas), MaxReplicas)
	}
	buf := make([]byte, BlockSize)
	off := 0
	copy(buf[off:off+HashSize], v.View.Raw[:])
	off += HashSize
	if v.InvalidatesView.Valid {
		buf[off] = 1
	}
	off++
	copy(buf[off:off+HashSize], v.InvalidatesView.Raw[:])
	off += HashSize
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(v.Replicas)))
	off += 2
	for _, r := range v.Replicas {
		copy(buf[off:off+HashSize], r.Raw[:])
		off += HashSize
	}
	return buf, nil
}

// UnmarshalViewChange parses a 512-byte view-change body block.
func UnmarshalViewChange(buf []byte) (ViewChange, error) {
	if len(buf) != BlockSize {
		return ViewChange{}, fmt.Errorf("api: view-change body must be %d bytes, got %d", BlockSize, len(buf))
	}
	var v ViewChange
	off := 0
	v.View = FromBytes(buf[off : off+HashSize])
	off += HashSize
	invalidatesValid := buf[off] == 1
	off++
	v.InvalidatesView = FromBytes(buf[off : off+HashSize])
	v.InvalidatesView.Valid = invalidatesValid
	off += HashSize
	n := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	if int(n) > MaxReplicas {
		return ViewChange{}, fmt.Errorf("api: view-change claims %d replicas, max is %d", n, MaxReplicas)
	}
	v.Replicas = make([]Hash, n)
	for i := range v.Replicas {
		v.Replicas[i] = FromBytes(buf[off : off+HashSize])
		off += HashSize
	}
	return v, nil
}
