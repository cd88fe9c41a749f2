package archive

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewStoreFromEnv_DefaultsToFileStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARCHIVE_BACKEND", "")
	t.Setenv("ARCHIVE_DIR", "")
	t.Setenv("DATA_DIR", dir)

	store, err := NewStoreFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewStoreFromEnv: %v", err)
	}
	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("store is %T, want *FileStore", store)
	}
	if want := filepath.Join(dir, "archive"); fs.Root() != want {
		t.Fatalf("root = %s, want %s", fs.Root(), want)
	}
}

func TestNewStoreFromEnv_ExplicitDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARCHIVE_BACKEND", "fs")
	t.Setenv("ARCHIVE_DIR", dir)

	store, err := NewStoreFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewStoreFromEnv: %v", err)
	}
	if fs, ok := store.(*FileStore); !ok || fs.Root() != dir {
		t.Fatalf("store = %T root %v, want *FileStore rooted at %s", store, store, dir)
	}
}

func TestNewStoreFromEnv_S3RequiresBucket(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARCHIVE_S3_BUCKET", "")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for s3 backend without bucket")
	}
}

func TestNewStoreFromEnv_GCSRequiresBuildOrBucket(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "gcs")
	t.Setenv("ARCHIVE_GCS_BUCKET", "")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for gcs backend")
	}
}

func TestNewStoreFromEnv_UnknownBackend(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "tape")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
