// Copyright 2025-2026 The OpSentra Authors
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

// Package archive periodically exports unsynced records to an S3-compatible
// object store as gzipped JSON, then marks them synced so the hot store's
// TTL can reclaim them safely.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/opsentra/opsentra/internal/aggregator/store"
)

const archiveVersion = "3.0"

// ObjectStore is the slice of the minio client the archiver needs.
// *minio.Client satisfies it directly.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// RecordSource provides the archival view of the store.
type RecordSource interface {
	UnsyncedSince(ctx context.Context, since time.Time, limit int) ([]store.Document, error)
	MarkSynced(ctx context.Context, ids []primitive.ObjectID, at time.Time) error
}

// Options configures one archiver.
type Options struct {
	BucketPrefix string
	HostIP       string
	Region       string
	Interval     time.Duration
	BatchLimit   int

	// OnArchived, when set, observes the size of each exported batch.
	OnArchived func(count int)
}

// Archiver drives the export schedule. Cycles never overlap: if an export
// is still uploading when the ticker fires, that tick is skipped.
type Archiver struct {
	objects ObjectStore
	records RecordSource

	bucket     string
	region     string
	interval   time.Duration
	batchLimit int

	running     atomic.Bool
	bucketReady bool
	now         func() time.Time
	onArchived  func(count int)

	logger zerolog.Logger
}

func NewArchiver(objects ObjectStore, records RecordSource, opts Options, logger zerolog.Logger) *Archiver {
	return &Archiver{
		objects:    objects,
		records:    records,
		bucket:     BucketName(opts.BucketPrefix, opts.HostIP),
		region:     opts.Region,
		interval:   opts.Interval,
		batchLimit: opts.BatchLimit,
		now:        time.Now,
		onArchived: opts.OnArchived,
		logger:     logger.With().Str("component", "archiver").Logger(),
	}
}

// BucketName derives the per-host bucket, sanitized for S3 naming rules.
func BucketName(prefix, hostIP string) string {
	name := fmt.Sprintf("%s-logs-%s", prefix, hostIP)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, ".", "-")
	name = strings.ReplaceAll(name, ":", "-")
	return name
}

// Run exports on the configured interval until ctx is canceled. A failed
// cycle is logged and retried at the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.running.CompareAndSwap(false, true) {
				a.logger.Warn().Msg("previous archive cycle still running, skipping tick")
				continue
			}
			if err := a.archiveOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Msg("archive cycle failed")
			}
			a.running.Store(false)
		}
	}
}

// archiveOnce exports one batch. Records are marked synced only after the
// object is stored, so a crash in between re-archives instead of losing data.
func (a *Archiver) archiveOnce(ctx context.Context) error {
	now := a.now().UTC()

	docs, err := a.records.UnsyncedSince(ctx, now.Add(-a.interval), a.batchLimit)
	if err != nil {
		return fmt.Errorf("fetch unsynced records: %w", err)
	}
	if len(docs) == 0 {
		a.logger.Debug().Msg("nothing to archive")
		return nil
	}

	payload, err := compress(docs)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	key := fmt.Sprintf("logs-%s.json.gz", strings.ReplaceAll(now.Format(time.RFC3339), ":", "-"))

	_, err = a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:     "application/gzip",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"log-count":   strconv.Itoa(len(docs)),
			"compression": "gzip",
			"version":     archiveVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	if err := a.records.MarkSynced(ctx, ids, now); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if a.onArchived != nil {
		a.onArchived(len(docs))
	}

	a.logger.Info().Int("records", len(docs)).Str("bucket", a.bucket).Str("object", key).
		Int("bytes", len(payload)).Msg("archived batch")
	return nil
}

// ensureBucket creates the per-host bucket on first use. Losing the
// create race to another process is fine.
func (a *Archiver) ensureBucket(ctx context.Context) error {
	if a.bucketReady {
		return nil
	}

	exists, err := a.objects.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		err := a.objects.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
		if err != nil {
			exists, errCheck := a.objects.BucketExists(ctx, a.bucket)
			if errCheck != nil || !exists {
				return err
			}
		}
		a.logger.Info().Str("bucket", a.bucket).Msg("created archive bucket")
	}

	a.bucketReady = true
	return nil
}

func compress(docs []store.Document) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(docs); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
