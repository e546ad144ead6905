// Package storage stages CSV chunk files in object storage so that the table
// service can read them as external file handles.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/arkilian/tablesync/internal/config"
)

var (
	// ErrObjectNotFound is returned for keys that hold no object.
	ErrObjectNotFound = errors.New("object not found")
	// ErrStageFailed wraps failures to copy a file into storage.
	ErrStageFailed = errors.New("stage failed")
)

// Staging is object storage shared by the client, which stages files, and
// the service, which reads them back by key.
type Staging interface {
	// Bucket names the bucket, or the root directory, objects live in.
	Bucket() string

	// Key returns the key under which the object at objectPath is
	// registered with the service.
	Key(objectPath string) string

	// Stage copies a local file to objectPath and returns the object ETag.
	Stage(ctx context.Context, localPath, objectPath string) (string, error)

	// Stat returns the size of the object stored under key.
	Stat(ctx context.Context, key string) (int64, error)

	// Open streams the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Remove deletes the object at objectPath. Removing a missing object
	// is not an error.
	Remove(ctx context.Context, objectPath string) error
}

// FromConfig opens the staging storage selected by cfg. It returns nil for
// config.StorageNone.
func FromConfig(ctx context.Context, cfg config.StorageConfig, maxRetries int) (Staging, error) {
	switch cfg.Type {
	case config.StorageNone, "":
		return nil, nil
	case config.StorageLocal:
		l, err := NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.StorageS3:
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.UsePathStyle
		s3cfg.Prefix = cfg.S3.Prefix
		s3cfg.MaxRetries = maxRetries
		s3s, err := NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
		if err != nil {
			return nil, err
		}
		return s3s, nil
	}
	return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
}
