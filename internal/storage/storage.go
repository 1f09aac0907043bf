// Package storage is the object-store collaborator of the pipeline.
package storage

import (
	"context"
	"io"
	"time"
)

type Storage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	SignedUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error)
	SignedDownloadURL(ctx context.Context, key, contentType, filename string, ttl time.Duration) (SignedURL, error)
}

type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReadAll fetches the whole object stored under key.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
