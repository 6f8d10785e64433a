// Package storage contains the disks attachments are written to
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidKey = errors.New("invalid file key")
)

type PutOptions struct {
	ContentType string
	Size        int64
}

// Disk is a named place files are stored on. Keys are slash separated paths
// relative to the disk root.
type Disk interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete returns ErrNotFound when there is nothing at key
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Move(ctx context.Context, src, dst string) error
	URL(ctx context.Context, key string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
