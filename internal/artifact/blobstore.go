// Package artifact holds the reference collaborators used by the built-in
// generation stages: a content-addressed blob store for rendered assets and
// metadata documents, and an append-only ledger that records registrations.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBlobNotFound is returned when a key has never been written.
var ErrBlobNotFound = errors.New("blob not found")

// PutOptions describes the object being written.
type PutOptions struct {
	ContentType string
	Extension   string // appended to content-addressed keys, e.g. ".svg"
}

// BlobStore stores immutable objects and hands out locators for them.
type BlobStore interface {
	// PutObject writes body under key. An empty key stores the object under
	// the hex SHA-256 of its content and returns that key.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) (string, error)
	// URL returns the public locator for key.
	URL(ctx context.Context, key string) (string, error)
	// GetObject opens a previously written object.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// FilesystemStore implements BlobStore on the local disk. Intended for
// development, tests and single-host deployments behind a static file server.
type FilesystemStore struct {
	baseDir   string
	publicURL string
}

// NewFilesystemStore creates the base directory if needed. With an empty
// publicURL, locators use the file:// scheme.
func NewFilesystemStore(baseDir, publicURL string) (*FilesystemStore, error) {
	if baseDir == "" {
		baseDir = "data/blobs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir, publicURL: publicURL}, nil
}

func (s *FilesystemStore) PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key != "" {
		if err := validKey(key); err != nil {
			return "", err
		}
		return key, s.writeAtomic(filepath.Join(s.baseDir, key), body)
	}

	sum := sha256.New()
	tmpPath := filepath.Join(s.baseDir, fmt.Sprintf("tmp-%d", time.Now().UnixNano()))
	if err := writeFile(tmpPath, io.TeeReader(body, sum)); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	key = hex.EncodeToString(sum.Sum(nil)) + opts.Extension
	finalPath := filepath.Join(s.baseDir, key)
	if _, err := os.Stat(finalPath); err == nil {
		// 相同內容已存在
		_ = os.Remove(tmpPath)
		return key, nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return key, nil
}

func (s *FilesystemStore) URL(ctx context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if s.publicURL != "" {
		u, err := url.Parse(s.publicURL)
		if err != nil {
			return "", fmt.Errorf("parse public url: %w", err)
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + filepath.ToSlash(key)
		return u.String(), nil
	}
	abs, err := filepath.Abs(filepath.Join(s.baseDir, key))
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (s *FilesystemStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return f, err
}

func (s *FilesystemStore) writeAtomic(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure blob dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := writeFile(tmpPath, body); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func writeFile(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	return nil
}

func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
