package codec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skeinhq/skein/pkg/schema"
)

// BlobStore holds spilled payloads addressed by content hash. Implementations
// must be safe for concurrent use. Reference counting for garbage collection
// lives in the persistence layer, not here.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (schema.BlobRef, error)
	Get(ctx context.Context, ref schema.BlobRef) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// FSBlobStore stores blobs as files named by their sha256 hex digest, sharded
// by the first two hex characters.
type FSBlobStore struct {
	dir string
}

// NewFSBlobStore creates the base directory if needed.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &FSBlobStore{dir: dir}, nil
}

// Put writes the payload under its content hash. Writing an existing hash is a
// no-op: content addressing makes identical payloads deduplicate naturally.
func (s *FSBlobStore) Put(ctx context.Context, data []byte) (schema.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return schema.BlobRef{}, err
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	ref := schema.BlobRef{ID: id, Size: int64(len(data)), Checksum: id}

	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.BlobRef{}, fmt.Errorf("create blob shard: %w", err)
	}

	// Write via temp file + rename so readers never observe partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return schema.BlobRef{}, fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return schema.BlobRef{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return schema.BlobRef{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return schema.BlobRef{}, fmt.Errorf("rename blob: %w", err)
	}

	return ref, nil
}

// Get reads a blob and verifies its checksum before returning it.
func (s *FSBlobStore) Get(ctx context.Context, ref schema.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(ref.ID))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref.ID, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.Checksum {
		return nil, fmt.Errorf("blob %s checksum mismatch", ref.ID)
	}
	return data, nil
}

// Delete removes a blob file. Missing blobs are not an error: the garbage
// collector may race a concurrent delete.
func (s *FSBlobStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FSBlobStore) path(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.dir, shard, id)
}
