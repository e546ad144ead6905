// Package upload turns local files into file handles the table service can
// read, either through the service itself or by staging them in an external
// bucket.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/arkilian/tablesync/internal/api"
	"github.com/arkilian/tablesync/internal/config"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/storage"
	"github.com/arkilian/tablesync/pkg/types"
)

// ContentTypeCSV is the content type of uploaded row files.
const ContentTypeCSV = "text/csv"

// Uploader uploads a local file and returns its file handle id.
type Uploader interface {
	Upload(ctx context.Context, path, contentType string) (string, error)
}

// FileService is the part of the API client used by the uploaders.
type FileService interface {
	UploadFile(ctx context.Context, path, contentType string) (*types.FileHandle, error)
	CreateExternalS3FileHandle(ctx context.Context, fh *types.FileHandle) (*types.FileHandle, error)
}

// PlatformUploader uploads files through the table service.
type PlatformUploader struct {
	files FileService
}

// NewPlatformUploader creates an uploader sending files to the service.
func NewPlatformUploader(files FileService) *PlatformUploader {
	return &PlatformUploader{files: files}
}

// Upload uploads path and returns the new file handle id.
func (u *PlatformUploader) Upload(ctx context.Context, path, contentType string) (string, error) {
	fh, err := u.files.UploadFile(ctx, path, contentType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return fh.ID, nil
}

// ExternalUploader stages files in object storage and registers them as
// external file handles.
type ExternalUploader struct {
	files             FileService
	staging           storage.Staging
	storageLocationID int64
	logger            *slog.Logger
}

// NewExternalUploader creates an uploader staging files in staging.
func NewExternalUploader(files FileService, staging storage.Staging, storageLocationID int64, logger *slog.Logger) *ExternalUploader {
	return &ExternalUploader{
		files:             files,
		staging:           staging,
		storageLocationID: storageLocationID,
		logger:            logging.OrDefault(logger),
	}
}

// Upload stages path under a unique object path and registers it. The staged
// object is removed when registration fails.
func (u *ExternalUploader) Upload(ctx context.Context, localPath, contentType string) (string, error) {
	sum, size, err := fileMD5(localPath)
	if err != nil {
		return "", tserrors.NewStorageError(tserrors.CodeUploadFailed, "hash "+localPath, err)
	}

	objectPath := path.Join(uuid.NewString(), filepath.Base(localPath))
	if _, err := u.staging.Stage(ctx, localPath, objectPath); err != nil {
		return "", tserrors.NewStorageError(tserrors.CodeUploadFailed, "stage "+objectPath, err)
	}

	key := u.staging.Key(objectPath)
	fh, err := u.files.CreateExternalS3FileHandle(ctx, &types.FileHandle{
		FileName:          filepath.Base(localPath),
		ContentType:       contentType,
		ContentSize:       size,
		ContentMD5:        sum,
		Bucket:            u.staging.Bucket(),
		Key:               key,
		StorageLocationID: u.storageLocationID,
	})
	if err != nil {
		if delErr := u.staging.Remove(ctx, objectPath); delErr != nil {
			u.logger.Warn("failed to remove staged object", "key", key, "err", delErr)
		}
		return "", fmt.Errorf("register %s: %w", key, err)
	}
	u.logger.Debug("staged file", "key", key, "bytes", size, "file_handle", fh.ID)
	return fh.ID, nil
}

// fileMD5 returns the hex MD5 and size of a file.
func fileMD5(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// New returns the uploader configured by cfg.Storage.
func New(ctx context.Context, cfg *config.Config, client *api.Client, logger *slog.Logger) (Uploader, error) {
	staging, err := storage.FromConfig(ctx, cfg.Storage, cfg.HTTP.MaxRetries)
	if err != nil {
		return nil, err
	}
	if staging == nil {
		return NewPlatformUploader(client), nil
	}
	return NewExternalUploader(client, staging, cfg.Storage.StorageLocationID, logger), nil
}
