package objectstore

import (
	"context"
	"fmt"

	"github.com/captionsync/core/internal/config"
)

// NewFromConfig selects and constructs the backend named by
// config.ObjectStore.Driver, wrapping it in a Gateway.
func NewFromConfig(ctx context.Context, cfg config.ObjectStore) (*Gateway, error) {
	switch cfg.Driver {
	case "s3", "":
		backend, err := NewS3Backend(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	case "gcs":
		backend, err := NewGCSBackend(ctx, cfg.GCSBucket, cfg.GCSServiceAccountFile)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	case "fs":
		backend, err := NewFSBackend(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}
