package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkilian/tablesync/internal/config"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_StageOpenRemove(t *testing.T) {
	staging, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	content := "id,score\nx,5\n"

	objectPath := "staging/abc/chunk.csv"
	etag, err := staging.Stage(ctx, writeSource(t, content), objectPath)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	sum := md5.Sum([]byte(content))
	if etag != hex.EncodeToString(sum[:]) {
		t.Errorf("etag = %q, want md5 of content", etag)
	}

	key := staging.Key(objectPath)
	size, err := staging.Stat(ctx, key)
	if err != nil || size != int64(len(content)) {
		t.Fatalf("Stat = %d, %v; want %d", size, err, len(content))
	}

	r, err := staging.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if err := staging.Remove(ctx, objectPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := staging.Stat(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat after Remove = %v, want ErrObjectNotFound", err)
	}
	if err := staging.Remove(ctx, objectPath); err != nil {
		t.Errorf("removing a missing object should succeed: %v", err)
	}
}

func TestLocalStorage_Missing(t *testing.T) {
	staging, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := staging.Open(ctx, "missing.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open = %v, want ErrObjectNotFound", err)
	}
	if _, err := staging.Stat(ctx, "missing.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat = %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStorage_RejectsEscapingPaths(t *testing.T) {
	staging, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeSource(t, "x")
	for _, p := range []string{"../outside.csv", "/abs/path.csv", "a/../../b"} {
		if _, err := staging.Stage(context.Background(), src, p); !errors.Is(err, ErrStageFailed) {
			t.Errorf("Stage(%q) = %v, want ErrStageFailed", p, err)
		}
		if _, err := staging.Open(context.Background(), p); err == nil {
			t.Errorf("Open(%q) succeeded", p)
		}
	}
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	staging, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := staging.Stage(ctx, writeSource(t, "x"), "a.csv"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	s, err := FromConfig(ctx, config.StorageConfig{Type: config.StorageNone}, 0)
	if err != nil || s != nil {
		t.Errorf("none: got %v, %v", s, err)
	}

	dir := filepath.Join(t.TempDir(), "staging")
	s, err = FromConfig(ctx, config.StorageConfig{Type: config.StorageLocal, Path: dir}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Bucket() != dir {
		t.Errorf("bucket = %q, want %q", s.Bucket(), dir)
	}

	if _, err := FromConfig(ctx, config.StorageConfig{Type: "gcs"}, 0); err == nil {
		t.Error("expected an error for an unknown storage type")
	}
}
