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

// Package s3dev archives reclaimed log segments to S3 before their local
// storage is reused, the same object-store pattern the teacher's AWS
// storage backend uses for entry bundles: a segment's full raw bytes become
// one object, keyed so the bucket reads back as an ordered audit trail of
// every segment a host has ever reclaimed.
//
// This is a cold, write-mostly retention path, not a read substitute for
// the local device: by the time the cleaner hands a segment to Archive, its
// still-live entries have already been recopied elsewhere and the segment's
// own local storage is about to be reused for something unrelated, so
// nothing in the running system ever reads an object back. Archive exists
// for operators who need a durable record of reclaimed data for compliance
// or forensic replay outside the cluster.
package s3dev

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const contentType = "application/octet-stream"

// Archiver uploads reclaimed segment contents to one S3 bucket.
type Archiver struct {
	bucket   string
	s3Client *s3.Client
}

// New constructs an Archiver targeting bucket, using the default AWS
// credential chain (environment, shared config, or instance role).
func New(ctx context.Context, bucket string) (*Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3dev: load AWS config: %w", err)
	}
	return &Archiver{bucket: bucket, s3Client: s3.NewFromConfig(cfg)}, nil
}

func objectKey(segment uint64, generation uint64) string {
	return fmt.Sprintf("segments/%020d/gen-%020d.bin", segment, generation)
}

// Archive uploads the raw contents of segment as it stood at the given
// checkpoint generation.
func (a *Archiver) Archive(ctx context.Context, segment, generation uint64, raw []byte) error {
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey(segment, generation)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3dev: archive segment %d: %w", segment, err)
	}
	return nil
}

// Fetch retrieves a previously archived segment's raw contents, for offline
// forensic replay; nothing in the running host calls this.
func (a *Archiver) Fetch(ctx context.Context, segment, generation uint64) ([]byte, error) {
	out, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey(segment, generation)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3dev: fetch segment %d: %w", segment, err)
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("s3dev: read segment %d: %w", segment, err)
	}
	return buf.Bytes(), nil
}
