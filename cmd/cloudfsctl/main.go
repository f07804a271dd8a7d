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

// cloudfsctl is an admin client for a running cloudfsd: it drives the
// host-to-host provisioning operations (spec §6) that do not belong on the
// hot volume wire protocol.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cloudfs-project/cloudfs/internal/dashboard"
)

type cliContext struct {
	ctx    context.Context
	client *http.Client
	host   string
}

func (c *cliContext) post(path string, query url.Values) error {
	u := fmt.Sprintf("http://%s%s?%s", c.host, path, query.Encode())
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: server responded %s", path, resp.Status)
	}
	return nil
}

type newDiskCmd struct {
	Disk     string   `arg:"" help:"Identity hash of the volume to create."`
	Replicas []string `arg:"" optional:"" help:"Addresses of this volume's replica set, including the host addressed by --host."`
}

func (c *newDiskCmd) Run(cctx *cliContext) error {
	q := url.Values{"disk": {c.Disk}}
	if len(c.Replicas) > 0 {
		q.Set("replicas", strings.Join(c.Replicas, ","))
	}
	return cctx.post("/admin/newdisk", q)
}

type setSecretCmd struct {
	Disk         string `arg:"" help:"Identity hash of the volume."`
	SecretParent string `arg:"" help:"Secret-parent hash granting the append right at the volume's current chain position."`
	SecretView   string `arg:"" help:"View seed used to derive future secret ids."`
}

func (c *setSecretCmd) Run(cctx *cliContext) error {
	q := url.Values{"disk": {c.Disk}, "secret": {c.SecretParent}, "secret_view": {c.SecretView}}
	return cctx.post("/admin/setsecret", q)
}

type forceCmd struct {
	Disk         string `arg:"" help:"Identity hash of the volume to fail over."`
	ExcludedHost string `arg:"" help:"Address of the host to fail over away from, e.g. one that stopped answering."`
}

func (c *forceCmd) Run(cctx *cliContext) error {
	q := url.Values{"disk": {c.Disk}, "exclude": {c.ExcludedHost}}
	return cctx.post("/admin/force", q)
}

// remoteSource implements dashboard.Source by polling a cloudfsd host's
// /admin/snapshot endpoint, so the dashboard can run from a separate
// process than the one doing GC and checkpointing.
type remoteSource struct {
	client *http.Client
	host   string
}

func (s *remoteSource) Snapshot(ctx context.Context) dashboard.Snapshot {
	var snap dashboard.Snapshot
	u := fmt.Sprintf("http://%s/admin/snapshot", s.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return snap
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snap
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return dashboard.Snapshot{}
	}
	return snap
}

type dashboardCmd struct {
	Refresh time.Duration `default:"2s" help:"How often to poll the host for a fresh snapshot."`
}

func (c *dashboardCmd) Run(cctx *cliContext) error {
	src := &remoteSource{client: cctx.client, host: cctx.host}
	return dashboard.Run(cctx.ctx, src, c.Refresh)
}

var cli struct {
	Host      string       `default:"localhost:8443" help:"Address:port of the cloudfsd host to administer."`
	NewDisk   newDiskCmd   `cmd:"" name:"newdisk" help:"Create a new volume."`
	Force     forceCmd     `cmd:"" help:"Force primary ownership of a volume onto another host."`
	SetSecret setSecretCmd `cmd:"" name:"setsecret" help:"Install a volume's writable secret on the target host."`
	Dashboard dashboardCmd `cmd:"" help:"Watch a host's segment reclamation and checkpoint status live."`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("cloudfsctl"), kong.Description("Admin client for a CloudFS host."))
	err := kctx.Run(&cliContext{
		ctx:    context.Background(),
		client: http.DefaultClient,
		host:   cli.Host,
	})
	kctx.FatalIfErrorf(err)
}
