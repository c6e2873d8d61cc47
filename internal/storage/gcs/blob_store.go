// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// ChunkSize overrides the resumable upload chunk size. Zero keeps the
	// client default.
	ChunkSize int
	// Metadata is attached to every uploaded object.
	Metadata map[string]string
}

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads r to the bucket and returns a gs:// URI. A failed copy
// cancels the upload so no partial object is committed.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.cfg.Bucket).Object(path).NewWriter(uploadCtx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.cfg.ChunkSize > 0 {
		writer.ChunkSize = s.cfg.ChunkSize
	}
	if len(s.cfg.Metadata) > 0 {
		writer.Metadata = s.cfg.Metadata
	}
	if _, err := io.Copy(writer, r); err != nil {
		cancel()
		_ = writer.Close()
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}
