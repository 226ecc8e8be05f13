package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchiveSink is the alternate ArchiveSink backend, kept behind the same
// interface as S3ArchiveSink for deployments on GCP. cmd/operator does not
// wire this one by default; it activates only when OPCTL_AUDIT_GCS_BUCKET
// is set and OPCTL_AUDIT_S3_BUCKET is not.
type GCSArchiveSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiveSink builds a GCSArchiveSink for the given bucket.
func NewGCSArchiveSink(ctx context.Context, bucket, prefix string) (*GCSArchiveSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: gcs client: %w", err)
	}
	return &GCSArchiveSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSArchiveSink) Upload(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := s.prefix + key
	w := s.client.Bucket(s.bucket).Object(fullKey).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, fullKey), nil
}

func (s *GCSArchiveSink) Close() error {
	return s.client.Close()
}
