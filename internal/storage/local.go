package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

type LocalConfig struct {
	Root       string
	BaseURL    string
	SigningKey string
}

// LocalDisk stores files on an afero filesystem, the OS one in production
// and an in-memory one in tests.
type LocalDisk struct {
	fs      afero.Fs
	baseURL string
	signKey []byte
	now     func() time.Time
}

func NewLocalDisk(cfg LocalConfig) (*LocalDisk, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("local disk root is required")
	}

	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk root, %w", err)
	}

	return newLocalDisk(afero.NewBasePathFs(osFs, cfg.Root), cfg), nil
}

// NewMemoryDisk returns a disk that keeps everything in memory.
func NewMemoryDisk(baseURL string) *LocalDisk {
	return newLocalDisk(afero.NewMemMapFs(), LocalConfig{BaseURL: baseURL, SigningKey: "memory"})
}

func newLocalDisk(fs afero.Fs, cfg LocalConfig) *LocalDisk {
	return &LocalDisk{
		fs:      fs,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		signKey: []byte(cfg.SigningKey),
		now:     time.Now,
	}
}

func (d *LocalDisk) Put(ctx context.Context, key string, r io.Reader, _ PutOptions) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return fmt.Errorf("failed to create directory, %w", err)
	}

	return afero.WriteReader(d.fs, key, r)
}

func (d *LocalDisk) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := d.fs.Open(key)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (d *LocalDisk) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return notFound(d.fs.Remove(key))
}

func (d *LocalDisk) Exists(ctx context.Context, key string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(d.fs, key)
}

func (d *LocalDisk) Move(ctx context.Context, src, dst string) error {
	src, err := cleanKey(src)
	if err != nil {
		return err
	}
	dst, err = cleanKey(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory, %w", err)
	}
	return notFound(d.fs.Rename(src, dst))
}

func (d *LocalDisk) URL(_ context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return d.baseURL + "/" + key, nil
}

// SignedURL appends an expiry and an HMAC over key and expiry. The serving
// side checks it with VerifySignature.
func (d *LocalDisk) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := d.URL(ctx, key)
	if err != nil {
		return "", err
	}

	key, _ = cleanKey(key)
	expires := strconv.FormatInt(d.now().Add(ttl).Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", d.sign(key, expires))

	return u + "?" + q.Encode(), nil
}

func (d *LocalDisk) VerifySignature(key, expires, signature string) bool {
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || d.now().Unix() > ts {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(d.sign(key, expires)))
}

func (d *LocalDisk) sign(key, expires string) string {
	mac := hmac.New(sha256.New, d.signKey)
	mac.Write([]byte(key + ":" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func notFound(err error) error {
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

var _ Disk = (*LocalDisk)(nil)
