package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datahub/postoffice/internal/domain"
)

// BlobStore opens bundle content written by the sub-domains.
type BlobStore interface {
	// Open returns domain.ErrContentUnavailable when nothing is stored at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// GridFSBlobStore reads content from a GridFS bucket. Sub-domains upload
// each bundle under the file name they return as content URI.
type GridFSBlobStore struct {
	bucket *gridfs.Bucket
}

func NewGridFSBlobStore(db *mongo.Database, bucketName string) (*GridFSBlobStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", bucketName, err)
	}
	return &GridFSBlobStore{bucket: bucket}, nil
}

func (s *GridFSBlobStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(strings.TrimPrefix(path, "gridfs://"))
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrContentUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", path, err)
	}
	if err := applyReadDeadline(ctx, stream); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("open blob %s: %w", path, err)
	}
	return stream, nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// applyReadDeadline bounds reads of the stream by the caller's deadline.
func applyReadDeadline(ctx context.Context, stream readDeadliner) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	if err := stream.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// MemoryBlobStore is an in-memory BlobStore for tests and local runs.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = append([]byte(nil), data...)
}

func (s *MemoryBlobStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContentUnavailable, path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
