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

package blockdev

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/api/layout"
)

func TestOpenWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Open(path, 16<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0x5A}, 2*api.BlockSize)
	if err := dev.WriteAt(ctx, layout.SectionLogSegments, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if err := dev.ReadAt(ctx, layout.SectionLogSegments, 0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("ReadAt did not return the bytes just written")
	}
}

func TestWriteAtRejectsUnalignedOffset(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Open(path, 16<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	buf := make([]byte, api.BlockSize)
	if err := dev.WriteAt(ctx, layout.SectionLogSegments, 1, buf); err == nil {
		t.Fatal("WriteAt with an unaligned offset succeeded, want error")
	}
}

func TestWriteAtRejectsUnalignedLength(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Open(path, 16<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if err := dev.WriteAt(ctx, layout.SectionLogSegments, 0, make([]byte, 10)); err == nil {
		t.Fatal("WriteAt with an unaligned length succeeded, want error")
	}
}

func TestWriteSGAppliesEachEntry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Open(path, 16<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	a := bytes.Repeat([]byte{0x11}, api.BlockSize)
	b := bytes.Repeat([]byte{0x22}, api.BlockSize)
	sg := []SGEntry{
		{Offset: 0, Buf: a},
		{Offset: int64(api.BlockSize), Buf: b},
	}
	if err := dev.WriteSG(ctx, layout.SectionLogSegments, sg); err != nil {
		t.Fatalf("WriteSG: %v", err)
	}

	got := make([]byte, 2*api.BlockSize)
	if err := dev.ReadAt(ctx, layout.SectionLogSegments, 0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:api.BlockSize], a) || !bytes.Equal(got[api.BlockSize:], b) {
		t.Fatal("WriteSG did not apply both entries at their given offsets")
	}
}

func TestLayoutOffsetIsStableAcrossSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Open(path, 16<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	l := dev.Layout()
	if l.Offset(layout.SectionLogSegments) <= l.Offset(layout.SectionBTree) {
		t.Fatal("log-segments section is not laid out after the B-tree section")
	}
}
