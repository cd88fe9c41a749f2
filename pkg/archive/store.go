// Package archive is content-addressed blob storage for governance exports:
// signed compliance reports, telemetry snapshots, and replay traces land here.
// Blobs are keyed by their SHA-256 digest, so writes are idempotent and a
// digest in a log is enough to retrieve exactly what was written.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when no blob carries the digest.
var ErrNotFound = errors.New("archive: blob not found")

// digestPrefix marks the hash algorithm; only sha256 is in use.
const digestPrefix = "sha256:"

// Store is the archive contract. Put returns the digest of the stored bytes;
// the same bytes always produce the same digest.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest computes the prefixed content digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// parseDigest validates a prefixed digest and returns the bare hex.
func parseDigest(digest string) (string, error) {
	if len(digest) <= len(digestPrefix) || digest[:len(digestPrefix)] != digestPrefix {
		return "", fmt.Errorf("archive: malformed digest %q", digest)
	}
	raw := digest[len(digestPrefix):]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: digest %q is not hex: %w", digest, err)
	}
	return raw, nil
}

// FileStore keeps blobs on the local filesystem, sharded by the first two
// digest characters so a large archive does not degenerate into one huge
// directory.
type FileStore struct {
	root string
}

// NewFileStore creates the archive root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the archive directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.root, raw[:2], raw+".blob")
}

// Put writes the blob under its digest. Writes go through a temp file and a
// rename so readers never observe a partial blob; an existing blob with the
// same digest makes the write a no-op.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := Digest(data)
	raw := digest[len(digestPrefix):]
	path := s.path(raw)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: create shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := parseDigest(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}
