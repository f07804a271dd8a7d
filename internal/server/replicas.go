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
	"fmt"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/peerdir"
)

// replicaAdapter narrows a peerdir.Directory to the ctx-less shape
// acceptor.ReplicaSet expects. The acceptor's call sites are already inside
// a request whose ctx is otherwise threaded through req/resp handling, but
// the interface predates peerdir and was never widened; a volume directory
// lookup is a single fast local or MySQL round trip, so running it under a
// background context here costs nothing a request-scoped one would have
// saved.
type replicaAdapter struct {
	dirs peerdir.Directory
}

func (r *replicaAdapter) PeersFor(disk api.Hash) (peers []string, self string, ok bool) {
	return r.dirs.PeersFor(context.Background(), disk)
}

// httpGossiper relays an accepted write to further replicas by PUTting the
// same wire body (marshaled head followed by the body) the primary's
// quorum client sends, but with a zeroed secret: gossip propagates
// knowledge of the append, never the capability to extend the chain
// further. The zero hash (not InvalidHash, whose Hex() is a placeholder
// that ParseHash would reject) is what handlePutLog's "no secret offered"
// check expects on the wire.
type httpGossiper struct {
	client *http.Client
}

func (g *httpGossiper) Gossip(ctx context.Context, peers []string, disk api.Hash, head api.Head, body []byte) {
	headBuf, err := head.Marshal()
	if err != nil {
		klog.Errorf("server: gossip: marshal head: %v", err)
		return
	}
	wireBody := append(append([]byte(nil), headBuf...), body...)

	for _, addr := range peers {
		go func(addr string) {
			url := fmt.Sprintf("http://%s/log?disk=%s&parent=%s", addr, disk.Hex(), head.Parent.Hex())
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(wireBody))
			if err != nil {
				klog.V(1).Infof("server: gossip to %s: %v", addr, err)
				return
			}
			req.Header.Set("Secret", fmt.Sprintf("%s,%s", api.Zero().Hex(), api.Zero().Hex()))
			resp, err := g.client.Do(req)
			if err != nil {
				klog.V(1).Infof("server: gossip to %s: %v", addr, err)
				return
			}
			resp.Body.Close()
		}(addr)
	}
}
