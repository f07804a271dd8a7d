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

// The tests in this package require a MySQL database to run; they are
// skipped otherwise.
//
// Sample command to start a local MySQL database using Docker:
// $ docker run --name test-mysql -p 3306:3306 -e MYSQL_ROOT_PASSWORD=root -e MYSQL_DATABASE=test_cloudfs -d mysql
package mysql

import (
	"context"
	"database/sql"
	"flag"
	"testing"

	"github.com/cloudfs-project/cloudfs/api"
)

var mysqlURI = flag.String("mysql_uri", "root:root@tcp(localhost:3306)/test_cloudfs", "Connection string for a MySQL database")

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", *mysqlURI)
	if err != nil {
		t.Skipf("sql.Open: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("no MySQL available at %q: %v", *mysqlURI, err)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS `CloudFSMeta` (`id` INT PRIMARY KEY, `compatibilityVersion` INT)",
		"INSERT IGNORE INTO `CloudFSMeta` (`id`, `compatibilityVersion`) VALUES (0, 1)",
		"CREATE TABLE IF NOT EXISTS `Volume` (`disk` VARCHAR(40) PRIMARY KEY, `replicas` TEXT, `primary_host` VARCHAR(255))",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Skipf("schema setup: %v", err)
		}
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	d, err := New(ctx, db, "host-a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	disk := api.Zero()
	if err := d.RegisterVolume(ctx, disk, []string{"host-a", "host-b", "host-c"}, "host-a"); err != nil {
		t.Fatalf("RegisterVolume: %v", err)
	}

	peers, self, ok := d.PeersFor(ctx, disk)
	if !ok {
		t.Fatalf("PeersFor: not found")
	}
	if self != "host-a" {
		t.Errorf("PeersFor: self = %q, want host-a", self)
	}
	if len(peers) != 3 {
		t.Errorf("PeersFor: peers = %v, want 3 entries", peers)
	}

	if err := d.SetPrimary(ctx, disk, "host-b"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
}
