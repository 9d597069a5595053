// Package archive uploads audit snapshots of finalized revenue
// windows to an S3-compatible object store for downstream
// reconciliation. It is a convenience export, never a second source
// of truth -- the ledger rows in Postgres/SQLite remain authoritative.
package archive

import (
	"bytes"
	"context"
	"log"

	"github.com/minio/minio-go/v7"
)

// Writer uploads snapshot bytes to a fixed bucket, grounded on the
// teacher's MinIO bootstrap in main.go (minio.New + BucketExists +
// MakeBucket).
type Writer struct {
	Client *minio.Client
	Bucket string
}

func NewWriter(client *minio.Client, bucket string) *Writer {
	return &Writer{Client: client, Bucket: bucket}
}

// EnsureBucket creates the configured bucket if it doesn't already
// exist, mirroring main.go's startup check.
func (w *Writer) EnsureBucket(ctx context.Context) error {
	exists, err := w.Client.BucketExists(ctx, w.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := w.Client.MakeBucket(ctx, w.Bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		log.Printf("created audit bucket: %s", w.Bucket)
	}
	return nil
}

// Put uploads a snapshot under the given key. Callers (the Revenue
// Window Finalizer) log failures but never fail the finalize call on
// an archive error.
func (w *Writer) Put(ctx context.Context, key string, snapshot []byte) error {
	_, err := w.Client.PutObject(ctx, w.Bucket, key, bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		log.Printf("audit archive upload failed for %s: %v", key, err)
		return err
	}
	return nil
}
