package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStorage stages objects in a directory. Keys are object paths
// relative to it, so a devserver on the same machine reads what a client
// stages.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates root if needed and stages objects in it.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

// Bucket returns the staging directory.
func (l *LocalStorage) Bucket() string { return l.root }

// Key returns objectPath unchanged.
func (l *LocalStorage) Key(objectPath string) string { return objectPath }

// Stage copies localPath into the directory. The object appears under its
// final name only once fully written. The ETag is the hex MD5 of the
// content, as S3 reports it for single-part uploads.
func (l *LocalStorage) Stage(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest, err := l.resolve(objectPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dest), ".staging-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	tmp := out.Name()
	hash := md5.New()
	_, err = io.Copy(io.MultiWriter(out, hash), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Stat returns the size of a staged object.
func (l *LocalStorage) Stat(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open opens a staged object.
func (l *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

// Remove deletes a staged object.
func (l *LocalStorage) Remove(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// resolve maps an object path to a file below root.
func (l *LocalStorage) resolve(objectPath string) (string, error) {
	rel := filepath.FromSlash(objectPath)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("object path %q escapes the staging directory", objectPath)
	}
	return filepath.Join(l.root, rel), nil
}
