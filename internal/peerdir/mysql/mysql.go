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

// Package mysql is a MySQL-backed implementation of peerdir.Directory: the
// peer/view directory spec.md leaves unspecified beyond its interface,
// concrete here as a swappable reference so a CloudFS deployment isn't
// forced to run its own directory service from scratch.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"

	"github.com/cloudfs-project/cloudfs/api"
)

const (
	schemaCompatibilityVersion = 1

	selectVersionSQL  = "SELECT `compatibilityVersion` FROM `CloudFSMeta` WHERE `id` = 0"
	selectVolumeSQL   = "SELECT `replicas`, `primary_host` FROM `Volume` WHERE `disk` = ?"
	replaceVolumeSQL  = "REPLACE INTO `Volume` (`disk`, `replicas`, `primary_host`) VALUES (?, ?, ?)"
	updatePrimarySQL  = "UPDATE `Volume` SET `primary_host` = ? WHERE `disk` = ?"
	replicaSep        = ","
)

// Directory is a MySQL-backed peerdir.Directory.
type Directory struct {
	db   *sql.DB
	self string
}

// New opens a Directory over db, which must already have its schema
// migrated, and self, this host's own address as recorded for other hosts'
// directories.
func New(ctx context.Context, db *sql.DB, self string) (*Directory, error) {
	d := &Directory{db: db, self: self}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("peerdir/mysql: ping: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, selectVersionSQL).Scan(&version); err != nil {
		return nil, fmt.Errorf("peerdir/mysql: read schema version: %w", err)
	}
	if version != schemaCompatibilityVersion {
		return nil, fmt.Errorf("peerdir/mysql: incompatible schema version %d, want %d", version, schemaCompatibilityVersion)
	}
	return d, nil
}

// PeersFor implements peerdir.Directory.
func (d *Directory) PeersFor(ctx context.Context, disk api.Hash) ([]string, string, bool) {
	var replicas, primary string
	err := d.db.QueryRowContext(ctx, selectVolumeSQL, disk.Hex()).Scan(&replicas, &primary)
	if err == sql.ErrNoRows {
		return nil, d.self, false
	}
	if err != nil {
		klog.Errorf("peerdir/mysql: PeersFor(%s): %v", disk.Hex(), err)
		return nil, d.self, false
	}
	return strings.Split(replicas, replicaSep), d.self, true
}

// RegisterVolume implements peerdir.Directory.
func (d *Directory) RegisterVolume(ctx context.Context, disk api.Hash, replicas []string, primary string) error {
	_, err := d.db.ExecContext(ctx, replaceVolumeSQL, disk.Hex(), strings.Join(replicas, replicaSep), primary)
	if err != nil {
		return fmt.Errorf("peerdir/mysql: RegisterVolume(%s): %w", disk.Hex(), err)
	}
	return nil
}

// SetPrimary implements peerdir.Directory.
func (d *Directory) SetPrimary(ctx context.Context, disk api.Hash, primary string) error {
	_, err := d.db.ExecContext(ctx, updatePrimarySQL, primary, disk.Hex())
	if err != nil {
		return fmt.Errorf("peerdir/mysql: SetPrimary(%s): %w", disk.Hex(), err)
	}
	return nil
}
