package infra

import (
	"context"
	"fmt"

	"portrait/internal/storage"
)

// NewObjectStore builds the object store selected by OBJECT_STORE. The
// memory store keeps objects in process and is meant for local runs.
func NewObjectStore(ctx context.Context, cfg *Config) (storage.ObjectStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.ObjectStore {
	case "memory":
		return storage.NewMemoryObjectStore(cfg.AWSBucket), nil
	case "s3", "":
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       cfg.AWSBucket,
			Region:       cfg.AWSRegion,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported object store %q", cfg.ObjectStore)
	}
}
