package storage

import (
	"context"
	"errors"
	"io"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryingDisk retries deletes and moves, the operations cleanup depends on.
// Writes are not retried because the reader can't be rewound.
type RetryingDisk struct {
	Disk
	buildBackoff func() backoff.BackOff
}

func NewRetryingDisk(delegate Disk, factory func() backoff.BackOff) *RetryingDisk {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		}
	}
	return &RetryingDisk{Disk: delegate, buildBackoff: factory}
}

func (d *RetryingDisk) Delete(ctx context.Context, key string) error {
	return d.retry(ctx, func() error { return d.Disk.Delete(ctx, key) })
}

func (d *RetryingDisk) Move(ctx context.Context, src, dst string) error {
	return d.retry(ctx, func() error { return d.Disk.Move(ctx, src, dst) })
}

func (d *RetryingDisk) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	return d.Disk.Put(ctx, key, r, opts)
}

func (d *RetryingDisk) retry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(d.buildBackoff(), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

var _ Disk = (*RetryingDisk)(nil)
