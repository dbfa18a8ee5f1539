// Package ephemeral holds uploaded bytes in the intake bucket for exactly as
// long as one request needs them. Keys are non-guessable, release runs on
// every exit path, and a sweep covers artifacts orphaned by a crash.
package ephemeral

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clarimed/billscan/internal/config"
)

const intakePrefix = "intake/"

// Store wraps MinIO interactions for the transient intake bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
	log    *slog.Logger
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config, log *slog.Logger) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{client: client, bucket: cfg.IntakeBucket, region: cfg.S3Region, log: log}, nil
}

// EnsureBucket makes sure the intake bucket exists before use.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Handle references one held blob. Callers defer Release immediately after
// Hold succeeds.
type Handle struct {
	Key   string
	store *Store
}

// Hold writes the bytes under a fresh random key and returns the handle.
func (s *Store) Hold(ctx context.Context, data []byte, contentType string) (*Handle, error) {
	key := intakePrefix + uuid.NewString()
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return nil, fmt.Errorf("hold intake object: %w", err)
	}
	return &Handle{Key: key, store: s}, nil
}

// Release deletes the held blob. A deletion failure is logged and swallowed:
// it must never mask the request's primary error or block the response. The
// sweep picks up anything Release missed.
func (h *Handle) Release(ctx context.Context) {
	if h == nil {
		return
	}
	if err := h.store.client.RemoveObject(ctx, h.store.bucket, h.Key, minio.RemoveObjectOptions{}); err != nil {
		h.store.log.Warn("release intake object failed", "key", h.Key, "error", err)
	}
}

// Sweep deletes intake objects older than the grace window. Run at process
// start and on a periodic schedule; it is what guarantees no raw document
// survives a crash mid-request.
func (s *Store) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	removed := 0
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: intakePrefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return removed, fmt.Errorf("list intake objects: %w", obj.Err)
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			s.log.Warn("sweep delete failed", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("swept orphaned intake objects", "count", removed)
	}
	return removed, nil
}
