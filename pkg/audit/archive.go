package audit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveSink uploads a generated evidence pack to durable object storage
// and returns a reference the caller can hand back to the operator.
// S3ArchiveSink and GCSArchiveSink are the two backends behind it; only one
// is wired into the control plane at a time.
type ArchiveSink interface {
	Upload(ctx context.Context, key string, data []byte) (url string, err error)
}

// S3ArchiveSink archives evidence packs to an S3-compatible bucket. This is
// the default sink: cmd/operator wires it whenever OPCTL_AUDIT_S3_BUCKET is
// set.
type S3ArchiveSink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig configures S3ArchiveSink.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack
	Prefix   string
}

// NewS3ArchiveSink builds an S3ArchiveSink from cfg.
func NewS3ArchiveSink(ctx context.Context, cfg S3ArchiveConfig) (*S3ArchiveSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3ArchiveSink{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3ArchiveSink) Upload(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey), nil
}
