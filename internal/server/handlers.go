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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/acceptor"
	"github.com/cloudfs-project/cloudfs/internal/quorum"
	"github.com/cloudfs-project/cloudfs/internal/streamer"
)

// Mux builds the full HTTP surface (spec §6) as a plain *http.ServeMux using
// Go 1.22's METHOD /path patterns, the same mux idiom the teacher's
// conformance servers register their handlers with. cmd/cloudfsd wraps the
// result in an h2c handler so volume clients can speak HTTP/2 without TLS.
func (h *Host) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /blocks", h.handleGetBlocks)
	mux.HandleFunc("PUT /blocks", h.handlePutBlocks)
	mux.HandleFunc("PUT /log", h.handlePutLog)
	mux.HandleFunc("GET /stream", h.handleGetStream)
	mux.HandleFunc("GET /lsn", h.handleGetLSN)
	mux.HandleFunc("GET /heads", h.handleGetHeads)
	mux.HandleFunc("GET /peers", h.handleGetPeers)
	mux.HandleFunc("POST /admin/newdisk", h.handleAdminNewDisk)
	mux.HandleFunc("POST /admin/setsecret", h.handleAdminSetSecret)
	mux.HandleFunc("POST /admin/force", h.handleAdminForce)
	mux.HandleFunc("GET /admin/snapshot", h.handleAdminSnapshot)
	return mux
}

// handleAdminSnapshot exposes Snapshot over HTTP so cloudfsctl's dashboard
// subcommand can render a host's state without running in-process.
func (h *Host) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Snapshot(r.Context())); err != nil {
		klog.V(1).Infof("server: /admin/snapshot: encode: %v", err)
	}
}

func parseHash(q, name string) (api.Hash, error) {
	v := q
	if v == "" {
		return api.InvalidHash, fmt.Errorf("missing %s", name)
	}
	hash, ok := api.ParseHash(v)
	if !ok {
		return api.InvalidHash, fmt.Errorf("malformed %s", name)
	}
	return hash, nil
}

func (h *Host) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	blkno, err := strconv.ParseUint(r.URL.Query().Get("blkno"), 10, 64)
	if err != nil {
		http.Error(w, "malformed blkno", http.StatusBadRequest)
		return
	}
	count, err := strconv.ParseUint(r.URL.Query().Get("count"), 10, 16)
	if err != nil {
		http.Error(w, "malformed count", http.StatusBadRequest)
		return
	}

	vd, ok := h.Lookup(disk)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, err := vd.Read(ctx, h, blkno, uint16(count))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		klog.V(1).Infof("server: /blocks: write response: %v", err)
	}
}

func (h *Host) handlePutBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	blkno, err := strconv.ParseUint(r.URL.Query().Get("blkno"), 10, 64)
	if err != nil {
		http.Error(w, "malformed blkno", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}
	if len(body)%api.BlockSize != 0 || len(body) == 0 {
		http.Error(w, "body must be a non-empty multiple of the block size", http.StatusBadRequest)
		return
	}
	numBlocks := uint16(len(body) / api.BlockSize)

	vd, ok := h.Lookup(disk)
	if !ok || !vd.IsWritable() {
		http.Error(w, "not the primary for this volume", http.StatusForbidden)
		return
	}

	id, err := vd.Write(ctx, body, blkno, numBlocks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	head, writtenBody, err := h.ReadEntry(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if peers, _, ok := h.dirs.PeersFor(ctx, disk); ok && len(peers) > 0 {
		secret, _ := vd.GetSecret(false)
		qpeers := make([]quorum.Peer, len(peers))
		for i, addr := range peers {
			qpeers[i] = quorum.Peer{Addr: addr, Primary: i == 0}
		}
		if _, err := h.Quorum().Write(ctx, qpeers, disk, head.Parent, secret, vd.SecretView(), head, writtenBody); err != nil {
			klog.Warningf("server: /blocks: quorum write for %s did not reach threshold: %v", disk.Hex(), err)
		}
	}

	fmt.Fprintf(w, "%d", head.LSN)
}

func (h *Host) handlePutLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parent, err := parseHash(r.URL.Query().Get("parent"), "parent")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	secretParts := strings.SplitN(r.Header.Get("Secret"), ",", 2)
	if len(secretParts) != 2 {
		http.Error(w, "malformed Secret header", http.StatusBadRequest)
		return
	}
	secret, ok := api.ParseHash(secretParts[0])
	if !ok {
		http.Error(w, "malformed secret", http.StatusBadRequest)
		return
	}
	secretView, ok := api.ParseHash(secretParts[1])
	if !ok {
		http.Error(w, "malformed secret view", http.StatusBadRequest)
		return
	}

	wire, err := io.ReadAll(r.Body)
	if err != nil || len(wire) < api.HeadSize {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}
	head, err := api.UnmarshalHead(wire[:api.HeadSize])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body := wire[api.HeadSize:]

	req := acceptor.Request{
		Disk:         disk,
		ParentID:     parent,
		Secret:       secret,
		SecretView:   secretView,
		Head:         head,
		Body:         body,
		DeclaredSize: len(body),
	}
	if err := h.Acceptor().Accept(ctx, req); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleGetStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fromLSN, err := strconv.ParseUint(r.URL.Query().Get("lsn"), 10, 64)
	if err != nil {
		http.Error(w, "malformed lsn", http.StatusBadRequest)
		return
	}
	slot, ok := h.slotFor(disk)
	if !ok {
		http.NotFound(w, r)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	send := func(e streamer.Entry) error {
		headBuf, err := e.Head.Marshal()
		if err != nil {
			return err
		}
		if _, err := w.Write(headBuf); err != nil {
			return err
		}
		if _, err := w.Write(e.Body); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	sub := streamer.NewSubscriber(disk, fromLSN, h, send)
	if err := sub.RunCatchUp(ctx); err != nil {
		klog.V(1).Infof("server: /stream: catch-up for %s: %v", disk.Hex(), err)
		return
	}
	if sub.ShouldClose() {
		return
	}
	slot.streams.Attach(sub)
	defer slot.streams.Detach(sub)

	<-ctx.Done()
}

func (h *Host) handleGetLSN(w http.ResponseWriter, r *http.Request) {
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vd, ok := h.Lookup(disk)
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "%d", vd.CurrentLSN())
}

type headInfo struct {
	Disk    string `json:"disk"`
	Current string `json:"current"`
	State   string `json:"state"`
	LSN     uint64 `json:"lsn"`
}

func (h *Host) handleGetHeads(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]headInfo, 0, len(h.disks))
	for disk, slot := range h.disks {
		out = append(out, headInfo{
			Disk:    disk.Hex(),
			Current: slot.vd.CurrentID().Hex(),
			State:   slot.vd.State().String(),
			LSN:     slot.vd.CurrentLSN(),
		})
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		klog.V(1).Infof("server: /heads: encode: %v", err)
	}
}

// handleAdminNewDisk backs cloudfsctl's "newdisk" operation: create a
// brand-new volume on this host and record it with the peer directory.
func (h *Host) handleAdminNewDisk(w http.ResponseWriter, r *http.Request) {
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var replicas []string
	if raw := r.URL.Query().Get("replicas"); raw != "" {
		replicas = strings.Split(raw, ",")
	}
	if _, err := h.CreateVolume(r.Context(), disk, replicas); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminSetSecret backs cloudfsctl's "setsecret" operation.
func (h *Host) handleAdminSetSecret(w http.ResponseWriter, r *http.Request) {
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	secretParent, err := parseHash(r.URL.Query().Get("secret"), "secret")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	secretView, err := parseHash(r.URL.Query().Get("secret_view"), "secret_view")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.SetVolumeSecret(r.Context(), disk, secretParent, secretView); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminForce backs cloudfsctl's "force" operation.
func (h *Host) handleAdminForce(w http.ResponseWriter, r *http.Request) {
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	excluded := r.URL.Query().Get("exclude")
	if excluded == "" {
		http.Error(w, "missing exclude", http.StatusBadRequest)
		return
	}
	if err := h.ForceFailover(r.Context(), disk, excluded); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	disk, err := parseHash(r.URL.Query().Get("disk"), "disk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peers, self, ok := h.dirs.PeersFor(r.Context(), disk)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Self  string   `json:"self"`
		Peers []string `json:"peers"`
	}{Self: self, Peers: peers}); err != nil {
		klog.V(1).Infof("server: /peers: encode: %v", err)
	}
}
