package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/pkg/file"
)

// FS stores objects as files below a root directory.
type FS struct {
	root   string
	signer *Signer
}

func NewFS(root string, signer *Signer) (*FS, error) {
	if root == "" {
		return nil, jobs.NewError(jobs.ErrIO, "storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "create storage root")
	}
	return &FS{root: root, signer: signer}, nil
}

func (s *FS) Signer() *Signer {
	return s.signer
}

func (s *FS) path(key string) (string, error) {
	p, err := file.SafeJoin(s.root, key)
	if err != nil {
		return "", jobs.WrapError(err, jobs.ErrIO, "invalid object key").WithContext("key", key)
	}
	return p, nil
}

func (s *FS) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "create object directory").WithContext("key", key)
	}
	// readers never observe a partially written object
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "create temp object").WithContext("key", key)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return jobs.WrapError(err, jobs.ErrIO, "write object").WithContext("key", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return jobs.WrapError(err, jobs.ErrIO, "close object").WithContext("key", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return jobs.WrapError(err, jobs.ErrIO, "commit object").WithContext("key", key)
	}
	return nil
}

func (s *FS) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, jobs.NewErrorf(jobs.ErrNotFound, "object %q not found", key)
	}
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "open object").WithContext("key", key)
	}
	return f, nil
}

func (s *FS) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, jobs.WrapError(err, jobs.ErrIO, "stat object").WithContext("key", key)
	}
	return !info.IsDir(), nil
}

func (s *FS) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return jobs.WrapError(err, jobs.ErrIO, "delete object").WithContext("key", key)
	}
	return nil
}

func (s *FS) SignedUploadURL(_ context.Context, key, contentType string, ttl time.Duration) (SignedURL, error) {
	if _, err := s.path(key); err != nil {
		return SignedURL{}, err
	}
	if s.signer == nil {
		return SignedURL{}, jobs.NewError(jobs.ErrIO, "url signing is not configured")
	}
	return s.signer.Sign(MethodUpload, key, contentType, "", ttl), nil
}

func (s *FS) SignedDownloadURL(_ context.Context, key, contentType, filename string, ttl time.Duration) (SignedURL, error) {
	if _, err := s.path(key); err != nil {
		return SignedURL{}, err
	}
	if s.signer == nil {
		return SignedURL{}, jobs.NewError(jobs.ErrIO, "url signing is not configured")
	}
	return s.signer.Sign(MethodDownload, key, contentType, filename, ttl), nil
}
