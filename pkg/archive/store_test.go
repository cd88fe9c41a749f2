package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"report_id":"rep-1","verdict":"pass"}`)
	digest, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(digest, "sha256:") {
		t.Fatalf("digest missing prefix: %s", digest)
	}
	if len(digest) != len("sha256:")+64 {
		t.Fatalf("digest has unexpected length: %s", digest)
	}

	got, err := s.Get(ctx, digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}
}

func TestFileStore_PutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first != second {
		t.Fatalf("digests differ: %s vs %s", first, second)
	}
}

func TestFileStore_ShardsByDigestPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	digest, err := s.Put(ctx, []byte("sharded"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw := strings.TrimPrefix(digest, "sha256:")
	want := filepath.Join(s.Root(), raw[:2], raw+".blob")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("blob not at sharded path %s: %v", want, err)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), Digest([]byte("never stored")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_RejectsMalformedDigests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, digest := range []string{"", "deadbeef", "sha256:", "sha256:not-hex"} {
		if _, err := s.Get(ctx, digest); err == nil {
			t.Errorf("Get(%q) succeeded, want error", digest)
		}
		if _, err := s.Exists(ctx, digest); err == nil {
			t.Errorf("Exists(%q) succeeded, want error", digest)
		}
	}
}

func TestFileStore_ExistsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte("transient blob")

	if ok, err := s.Exists(ctx, Digest(payload)); err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v; want false, nil", ok, err)
	}

	digest, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, digest); err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v; want true, nil", ok, err)
	}

	if err := s.Delete(ctx, digest); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Exists(ctx, digest); err != nil || ok {
		t.Fatalf("Exists after Delete = %v, %v; want false, nil", ok, err)
	}

	// Deleting an absent blob is not an error.
	if err := s.Delete(ctx, digest); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Put(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Put error = %v, want context.Canceled", err)
	}
}
