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

// Package quorum implements the write-quorum client (component C12): the
// fan-out state machine a writable volume's host drives across its replica
// set before an append is considered durable, using HTTP/1.1's Expect:
// 100-continue handshake to learn which replicas accept a write before any
// of them actually receive its body.
package quorum

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
)

// Peer is one replica's address and role in a write.
type Peer struct {
	Addr    string
	Primary bool      // only the primary (peer 0) receives the real secret
	HostID  uuid.UUID // stable identity for logging; survives an address change across restarts
}

// label returns a log-friendly identifier for a peer: its stable host ID
// when known, falling back to its address.
func (p Peer) label() string {
	if p.HostID == uuid.Nil {
		return p.Addr
	}
	return fmt.Sprintf("%s(%s)", p.Addr, p.HostID)
}

// Client fans a single volume append out to a set of peers and blocks until
// enough of them have agreed to accept it.
type Client struct {
	httpClient *http.Client
	threshold  int
}

// NewClient creates a Client requiring at least threshold peers to agree
// before a write is considered durable.
func NewClient(httpClient *http.Client, threshold int) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, threshold: threshold}
}

// Result summarizes how a fan-out write concluded.
type Result struct {
	NumAgreeing int
	NumDone     int
	NumBad      int
}

// Write PUTs head+body to every peer in one pass, sending the real secret
// only to the primary and a zeroed secret (revealing the append but not
// granting it) to everyone else, per spec §4.12. The wire body is the
// entry's marshaled head immediately followed by its payload, matching the
// on-disk entry layout so a replica's acceptor can parse it the same way it
// parses a segment record. It waits until every peer's attempts (up to 3
// per peer) have finished, then succeeds if at least c.threshold peers
// completed the write.
//
// Go's net/http client collapses the Expect: 100-continue handshake into the
// single round trip Do already performs (it releases the body once the
// server's final response, or a timeout, is observed), so a single send per
// peer is sufficient; an explicit separate probe round trip would only
// duplicate the write.
func (c *Client) Write(ctx context.Context, peers []Peer, disk, parentID api.Hash, secret, secretView api.Hash, head api.Head, body []byte) (Result, error) {
	if len(peers) == 0 {
		return Result{}, fmt.Errorf("quorum: no peers configured")
	}
	headBuf, err := head.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("quorum: marshal head: %w", err)
	}
	wireBody := append(append([]byte(nil), headBuf...), body...)

	results := make([]bool, len(peers))
	var wg sync.WaitGroup
	doneCh := make(chan int, len(peers))

	for i, p := range peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			secretHeader := fmt.Sprintf("%s,%s", api.Zero().Hex(), secretView.Hex())
			if p.Primary {
				secretHeader = fmt.Sprintf("%s,%s", secret.Hex(), secretView.Hex())
			}
			err := retry.Do(func() error {
				return c.send(ctx, p.Addr, disk, parentID, secretHeader, wireBody)
			}, retry.Attempts(3), retry.DelayType(retry.BackOffDelay))
			if err == nil {
				results[i] = true
				doneCh <- i
			} else {
				klog.V(1).Infof("quorum: peer %s failed write: %v", p.label(), err)
			}
		}(i, p)
	}

	go func() {
		wg.Wait()
		close(doneCh)
	}()

	agreeing := make([]int, 0, len(peers))
	for range doneCh {
		agreeing = append(agreeing, 0)
		if len(agreeing) >= c.threshold {
			break
		}
	}
	wg.Wait()

	numBad := 0
	for _, ok := range results {
		if !ok {
			numBad++
		}
	}

	res := Result{NumAgreeing: len(agreeing), NumDone: len(agreeing), NumBad: numBad}
	if len(agreeing) < c.threshold {
		return res, fmt.Errorf("quorum: only %d of %d required peers completed the write", len(agreeing), c.threshold)
	}
	return res, nil
}

// send PUTs wireBody to one peer and waits for a terminal success response.
func (c *Client) send(ctx context.Context, addr string, disk, parentID api.Hash, secretHeader string, wireBody []byte) error {
	url := fmt.Sprintf("http://%s/log?disk=%s&parent=%s", addr, disk.Hex(), parentID.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(wireBody))
	if err != nil {
		return err
	}
	req.Header.Set("Secret", secretHeader)
	req.Header.Set("Expect", "100-continue")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("quorum: peer %s responded %s", addr, resp.Status)
	}
	return nil
}
