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

// cloudfsd runs one CloudFS host: it owns a single block device, serves the
// volume wire protocol over HTTP/2, and drives the host's background
// checkpoint and garbage-collection loops until killed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
	"github.com/cloudfs-project/cloudfs/internal/options"
	"github.com/cloudfs-project/cloudfs/internal/peerdir"
	"github.com/cloudfs-project/cloudfs/internal/peerdir/mysql"
	"github.com/cloudfs-project/cloudfs/internal/server"
)

var (
	devicePath         = flag.String("device", "", "Path to this host's backing block device or sparse file.")
	capacity           = flag.Uint64("capacity", 0, "Size in bytes to create the device at if it does not already exist.")
	listen             = flag.String("listen", ":8443", "Address:port to serve the volume wire protocol on.")
	selfAddr           = flag.String("self_addr", "", "This host's own address, as advertised to the peer directory.")
	mysqlDSN           = flag.String("mysql_dsn", "", "DSN of the MySQL peer directory. If unset, this host runs without a directory and serves only volumes it is told about directly.")
	checkpointInterval = flag.Duration("checkpoint_interval", options.DefaultCheckpointInterval, "How often to publish a checkpoint.")
	gcInterval         = flag.Duration("gc_interval", 10*time.Second, "How often to run a garbage-collection pass.")
	quorumThreshold    = flag.Int("quorum_threshold", options.DefaultQuorumThreshold, "Number of replicas, including self, that must accept a write before it is durable.")
	archiveBucket      = flag.String("archive_bucket", "", "S3 bucket sealed segments are archived to once fully reclaimed, if set.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *devicePath == "" {
		klog.Exit("--device is required")
	}

	var dirs peerdir.Directory
	if *mysqlDSN != "" {
		db, err := sql.Open("mysql", *mysqlDSN)
		if err != nil {
			klog.Exitf("open mysql directory: %v", err)
		}
		defer db.Close()
		dirs, err = mysql.New(ctx, db, *selfAddr)
		if err != nil {
			klog.Exitf("construct mysql directory: %v", err)
		}
	} else {
		klog.Warning("running without a peer directory: --mysql_dsn not set")
		dirs = noDirectory{self: *selfAddr}
	}

	opts := options.NewHostOptions(
		options.WithHostID(uuid.New()),
		options.WithSelfAddr(*selfAddr),
		options.WithCheckpointInterval(*checkpointInterval),
		options.WithQuorum(*quorumThreshold),
		options.WithArchiveBucket(*archiveBucket),
	)

	h, err := server.NewHost(ctx, *devicePath, *capacity, dirs, opts)
	if err != nil {
		klog.Exitf("start host: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			klog.Errorf("close host: %v", err)
		}
	}()

	go h.RunCheckpointLoop(ctx)
	go h.RunGCLoop(ctx, *gcInterval)

	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:    *listen,
		Handler: h2c.NewHandler(h.Mux(), h2s),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("shutdown: %v", err)
		}
	}()

	klog.Infof("cloudfsd listening on %s (device=%s)", *listen, *devicePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.Exitf("ListenAndServe: %v", err)
	}
}

// noDirectory is the zero-configuration peerdir.Directory a single-node
// host runs with when no directory service is configured: every volume is
// assumed local, with no further replicas.
type noDirectory struct{ self string }

func (d noDirectory) PeersFor(ctx context.Context, disk api.Hash) ([]string, string, bool) {
	return nil, d.self, true
}

func (d noDirectory) RegisterVolume(ctx context.Context, disk api.Hash, replicas []string, primary string) error {
	return nil
}

func (d noDirectory) SetPrimary(ctx context.Context, disk api.Hash, primary string) error {
	return nil
}
