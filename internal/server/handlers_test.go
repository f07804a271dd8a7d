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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/dashboard"
)

func TestHandleGetBlocksRoundTripsWrite(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-blocks"))
	vd, err := h.CreateVolume(ctx, disk, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	body := bytes.Repeat([]byte{0x5}, api.BlockSize)
	if _, err := vd.Write(ctx, body, 0, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	url := fmt.Sprintf("%s/blocks?disk=%s&blkno=0&count=1", srv.URL, disk.Hex())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /blocks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /blocks status = %d, want 200", resp.StatusCode)
	}
	var got bytes.Buffer
	if _, err := got.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if !bytes.Equal(got.Bytes(), body) {
		t.Fatal("GET /blocks did not return the bytes just written")
	}
}

func TestHandleGetBlocksUnknownVolumeIsNotFound(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	url := fmt.Sprintf("%s/blocks?disk=%s&blkno=0&count=1", srv.URL, api.Checksum([]byte("never-created")).Hex())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /blocks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /blocks status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlePutBlocksWritesThroughToVolume(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-put"))
	vd, err := h.CreateVolume(ctx, disk, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	body := bytes.Repeat([]byte{0x9}, api.BlockSize)
	url := fmt.Sprintf("%s/blocks?disk=%s&blkno=4", srv.URL, disk.Hex())
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /blocks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /blocks status = %d, want 200", resp.StatusCode)
	}

	got, err := vd.Read(ctx, h, 4, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("volume did not observe the PUT /blocks write")
	}
}

func TestHandlePutBlocksRejectsMisalignedBody(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-misaligned"))
	if _, err := h.CreateVolume(ctx, disk, nil); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	url := fmt.Sprintf("%s/blocks?disk=%s&blkno=0", srv.URL, disk.Hex())
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(make([]byte, 10)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /blocks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("PUT /blocks status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlePutLogAcceptsGossipedWrite(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-log"))
	dirs := h.dirs.(*fakeDirectory)
	if err := dirs.RegisterVolume(ctx, disk, []string{"host-b:8443"}, "host-a:8443"); err != nil {
		t.Fatalf("RegisterVolume: %v", err)
	}

	body := bytes.Repeat([]byte{0x3}, api.BlockSize)
	refs := []byte{1}
	head := api.Head{
		Tag:         api.TagUpdate,
		Disk:        disk,
		Parent:      api.Zero(),
		ID:          api.Checksum([]byte("entry-id")),
		Entropy:     api.Checksum([]byte("entropy")),
		LSN:         0,
		Blkno:       0,
		NumBlocks:   1,
		SlicesTotal: 1,
		Refs:        refs,
	}
	head.Checksum = api.ComputeChecksum(head.LSN, head.Blkno, head.NumBlocks, body, head.Refs)
	headBuf, err := head.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	wire := append(append([]byte(nil), headBuf...), body...)

	url := fmt.Sprintf("%s/log?disk=%s&parent=%s", srv.URL, disk.Hex(), api.Zero().Hex())
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Secret", fmt.Sprintf("%s,%s", api.Zero().Hex(), api.Zero().Hex()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT /log status = %d, want 204", resp.StatusCode)
	}

	vd, ok := h.Lookup(disk)
	if !ok {
		t.Fatal("PUT /log did not create a local replica stub")
	}
	if vd.CurrentID().Equals(api.Zero()) {
		t.Fatal("PUT /log did not advance the replicated chain position")
	}
}

func TestHandleGetLSNReportsCurrentValue(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-lsn"))
	vd, err := h.CreateVolume(ctx, disk, nil)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := vd.Write(ctx, make([]byte, api.BlockSize), 0, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/lsn?disk=%s", srv.URL, disk.Hex()))
	if err != nil {
		t.Fatalf("GET /lsn: %v", err)
	}
	defer resp.Body.Close()
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if got.String() != "1" {
		t.Fatalf("GET /lsn body = %q, want %q", got.String(), "1")
	}
}

func TestHandleGetHeadsListsRegisteredVolumes(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-heads"))
	if _, err := h.CreateVolume(ctx, disk, nil); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	resp, err := http.Get(srv.URL + "/heads")
	if err != nil {
		t.Fatalf("GET /heads: %v", err)
	}
	defer resp.Body.Close()
	var out []headInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Disk != disk.Hex() {
		t.Fatalf("GET /heads = %+v, want one entry for %s", out, disk.Hex())
	}
}

func TestHandleAdminNewDiskCreatesVolume(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-admin-new"))
	resp, err := http.Post(fmt.Sprintf("%s/admin/newdisk?disk=%s", srv.URL, disk.Hex()), "", nil)
	if err != nil {
		t.Fatalf("POST /admin/newdisk: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /admin/newdisk status = %d, want 204", resp.StatusCode)
	}
	if _, ok := h.Lookup(disk); !ok {
		t.Fatal("POST /admin/newdisk did not register the volume")
	}
}

func TestHandleAdminSnapshotServesHostState(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-snapshot"))
	if _, err := h.CreateVolume(ctx, disk, nil); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	resp, err := http.Get(srv.URL + "/admin/snapshot")
	if err != nil {
		t.Fatalf("GET /admin/snapshot: %v", err)
	}
	defer resp.Body.Close()
	var snap dashboard.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SegmentsTotal < 1 {
		t.Fatalf("Snapshot.SegmentsTotal = %d, want at least 1 (the active segment)", snap.SegmentsTotal)
	}
}

func TestHandleGetPeersReportsDirectoryEntry(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	disk := api.Checksum([]byte("volume-http-peers"))
	if _, err := h.CreateVolume(ctx, disk, []string{"host-b:8443", "host-c:8443"}); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/peers?disk=%s", srv.URL, disk.Hex()))
	if err != nil {
		t.Fatalf("GET /peers: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Self  string   `json:"self"`
		Peers []string `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Self != "host-a:8443" {
		t.Fatalf("GET /peers self = %q, want %q", out.Self, "host-a:8443")
	}
	if len(out.Peers) != 2 {
		t.Fatalf("GET /peers peers = %v, want 2 entries", out.Peers)
	}
}
