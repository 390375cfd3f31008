package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/olymprep/authserver/config"
)

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Storage wraps an ObjectStorage backend with a stable API. The auth server
// uses it to archive audit-event batches.
type Storage struct {
	backend ObjectStorage
}

// New selects and connects the backend named by STORAGE_BACKEND. Returns nil
// without error when no backend is configured: archival is optional.
func New(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.StorageBackendMinio:
		backend, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return &Storage{backend: backend}, nil
	case config.StorageBackendGCS:
		backend, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return &Storage{backend: backend}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewWithBackend wraps an already-constructed backend.
func NewWithBackend(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads an object to the configured bucket.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, key, r, size, contentType)
}

// Get opens a reader for an object in the configured bucket.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}
