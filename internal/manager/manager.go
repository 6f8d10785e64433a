// Package manager is the entry point for storing attachment files. It owns the
// disks, converters, queue and lock shared by every attachment column.
package manager

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/converter"
	"bitwise74/attachments/internal/queue"
	"bitwise74/attachments/internal/storage"
	"bitwise74/attachments/pkg/util"

	"go.uber.org/zap"
)

// Suffix given to files waiting to be deleted once a replacement commits
const pendingDeleteSuffix = ".delete"

type Config struct {
	Disks       map[string]storage.Disk
	DefaultDisk string

	// Options is the global layer, applied over the library defaults and
	// under column options
	Options attachment.Options

	Converters   *converter.Registry
	Queue        *queue.Queue
	Lock         *queue.Lock
	SignedURLTTL time.Duration
	HTTPClient   *http.Client
}

type Manager struct {
	disks       map[string]storage.Disk
	defaultDisk string
	options     attachment.Options
	converters  *converter.Registry
	queue       *queue.Queue
	lock        *queue.Lock
	signedTTL   time.Duration
	http        *http.Client
}

func New(cfg Config) (*Manager, error) {
	if len(cfg.Disks) == 0 {
		return nil, errors.New("at least one disk must be configured")
	}

	if cfg.DefaultDisk == "" {
		if len(cfg.Disks) != 1 {
			return nil, errors.New("a default disk is required when more than one disk is configured")
		}
		for name := range cfg.Disks {
			cfg.DefaultDisk = name
		}
	}
	if _, ok := cfg.Disks[cfg.DefaultDisk]; !ok {
		return nil, fmt.Errorf("default disk %q is not configured", cfg.DefaultDisk)
	}

	m := &Manager{
		disks:       cfg.Disks,
		defaultDisk: cfg.DefaultDisk,
		options:     cfg.Options,
		converters:  cfg.Converters,
		queue:       cfg.Queue,
		lock:        cfg.Lock,
		signedTTL:   cfg.SignedURLTTL,
		http:        cfg.HTTPClient,
	}

	if m.converters == nil {
		m.converters = converter.NewRegistry()
	}
	if m.queue == nil {
		m.queue = queue.New(1)
	}
	if m.lock == nil {
		m.lock = queue.NewLock()
	}
	if m.signedTTL <= 0 {
		m.signedTTL = 15 * time.Minute
	}
	if m.http == nil {
		m.http = &http.Client{Timeout: time.Minute}
	}

	return m, nil
}

func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

func (m *Manager) Lock() *queue.Lock {
	return m.lock
}

func (m *Manager) GetConverter(key string) (converter.Entry, bool) {
	return m.converters.Get(key)
}

func (m *Manager) Disk(name string) (storage.Disk, error) {
	if name == "" {
		name = m.defaultDisk
	}
	d, ok := m.disks[name]
	if !ok {
		return nil, fmt.Errorf("disk %q is not configured", name)
	}
	return d, nil
}

// ResolveOptions layers column options over the global ones and the
// library defaults.
func (m *Manager) ResolveOptions(column attachment.Options) attachment.Options {
	o := attachment.Resolve(m.options, column)
	if o.Disk == "" {
		o.Disk = m.defaultDisk
	}
	return o
}

// Prepare places a new attachment before it is written: options, folder,
// storage name and metadata.
func (m *Manager) Prepare(a *attachment.Attachment, opts attachment.Options, folder string) {
	a.Options = opts
	a.Folder = strings.Trim(folder, "/")

	switch name := attachment.SanitizeName(a.OriginalName); {
	case opts.RenameEnabled() || name == "":
		a.Name = attachment.NewName(a.Extname)
	default:
		a.Name = name
	}

	if opts.MetaEnabled() && a.Meta == nil {
		a.Meta = m.meta(a)
	}
}

// meta extracts image dimensions. Other kinds carry no metadata.
func (m *Manager) meta(a *attachment.Attachment) attachment.Meta {
	if !strings.HasPrefix(a.MimeType, "image/") {
		return nil
	}

	r, err := a.Input.Open()
	if err != nil {
		return nil
	}
	defer r.Close()

	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		zap.L().Debug("Failed to read image dimensions", zap.String("name", a.OriginalName), zap.Error(err))
		return nil
	}
	return attachment.Meta{"width": cfg.Width, "height": cfg.Height}
}

// Write stores the attachment's pending input at its path and releases the
// input.
func (m *Manager) Write(ctx context.Context, a *attachment.Attachment) error {
	if err := m.put(ctx, a.Options.Disk, a.Path(), a.Input, a.MimeType, a.Size); err != nil {
		zap.L().Error("Failed to write attachment", zap.String("path", a.Path()), zap.Error(err))
		return err
	}

	a.Input.Cleanup()
	a.Input = nil
	return nil
}

// WriteVariant stores a variant next to its parent, on the parent's disk.
func (m *Manager) WriteVariant(ctx context.Context, parent *attachment.Attachment, v *attachment.Variant) error {
	if err := m.put(ctx, parent.Options.Disk, v.Path(), v.Input, v.MimeType, v.Size); err != nil {
		zap.L().Error("Failed to write variant", zap.String("path", v.Path()), zap.String("key", v.Key), zap.Error(err))
		return err
	}

	v.Input.Cleanup()
	v.Input = nil
	return nil
}

func (m *Manager) put(ctx context.Context, diskName, key string, in *attachment.Input, mimeType string, size int64) error {
	if in == nil {
		return attachment.ErrNoInput
	}

	d, err := m.Disk(diskName)
	if err != nil {
		return err
	}

	r, err := in.Open()
	if err != nil {
		return fmt.Errorf("failed to open input, %w", err)
	}
	defer r.Close()

	if err := d.Put(ctx, key, r, storage.PutOptions{ContentType: mimeType, Size: size}); err != nil {
		return fmt.Errorf("failed to write %s, %w", key, err)
	}
	return nil
}

// Remove deletes the attachment and all its variants. Files that are already
// gone are not an error.
func (m *Manager) Remove(ctx context.Context, a *attachment.Attachment) error {
	errs := []error{m.delete(ctx, a.Options.Disk, a.Location())}
	for _, v := range a.Variants {
		errs = append(errs, m.RemoveVariant(ctx, a, v))
	}
	return errors.Join(errs...)
}

func (m *Manager) RemoveVariant(ctx context.Context, parent *attachment.Attachment, v *attachment.Variant) error {
	return m.delete(ctx, parent.Options.Disk, v.Path())
}

func (m *Manager) delete(ctx context.Context, diskName, key string) error {
	d, err := m.Disk(diskName)
	if err != nil {
		return err
	}

	err = d.Delete(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		zap.L().Debug("File to delete is already gone", zap.String("path", key))
		return nil
	}
	if err != nil {
		zap.L().Error("Failed to delete file", zap.String("path", key), zap.Error(err))
		return err
	}
	return nil
}

// MoveForDelete moves the file out of the way so a replacement can be written
// under the same path. The move is undone by RollbackMoveForDelete.
func (m *Manager) MoveForDelete(ctx context.Context, a *attachment.Attachment) error {
	if a.PendingPath != "" {
		return nil
	}

	d, err := m.Disk(a.Options.Disk)
	if err != nil {
		return err
	}

	pending := a.Path() + pendingDeleteSuffix
	if err := d.Move(ctx, a.Path(), pending); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to move file aside, %w", err)
	}

	a.PendingPath = pending
	return nil
}

func (m *Manager) RollbackMoveForDelete(ctx context.Context, a *attachment.Attachment) error {
	if a.PendingPath == "" {
		return nil
	}

	d, err := m.Disk(a.Options.Disk)
	if err != nil {
		return err
	}

	if err := d.Move(ctx, a.PendingPath, a.Path()); err != nil {
		return fmt.Errorf("failed to restore moved file, %w", err)
	}
	a.PendingPath = ""
	return nil
}

// Read returns the attachment's content as an input, downloading it to a temp
// file when it has already been written.
func (m *Manager) Read(ctx context.Context, a *attachment.Attachment) (*attachment.Input, error) {
	if a.Input != nil {
		return a.Input, nil
	}

	d, err := m.Disk(a.Options.Disk)
	if err != nil {
		return nil, err
	}

	rc, err := d.Get(ctx, a.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s, %w", a.Location(), err)
	}
	defer rc.Close()

	return spool(rc, a.Extname)
}

// URL returns the attachment's URL, or the URL of one of its variants when
// key is set.
// Copy reads a stored attachment into a new pending one under a new name.
// Variants are not carried over, the pipeline builds them for the copy.
func (m *Manager) Copy(ctx context.Context, a *attachment.Attachment) (*attachment.Attachment, error) {
	in, err := m.Read(ctx, a)
	if err != nil {
		return nil, err
	}

	cp, err := m.build(in, a.OriginalName)
	if err != nil {
		in.Cleanup()
		return nil, fmt.Errorf("failed to copy %s, %w", a.Path(), err)
	}
	cp.Meta = a.Meta
	return cp, nil
}

func (m *Manager) URL(ctx context.Context, a *attachment.Attachment, key string) (string, error) {
	d, err := m.Disk(a.Options.Disk)
	if err != nil {
		return "", err
	}

	p, err := pathFor(a, key)
	if err != nil {
		return "", err
	}
	return d.URL(ctx, p)
}

func (m *Manager) SignedURL(ctx context.Context, a *attachment.Attachment, key string) (string, error) {
	d, err := m.Disk(a.Options.Disk)
	if err != nil {
		return "", err
	}

	p, err := pathFor(a, key)
	if err != nil {
		return "", err
	}
	return d.SignedURL(ctx, p, m.signedTTL)
}

func pathFor(a *attachment.Attachment, key string) (string, error) {
	if key == "" {
		return a.Path(), nil
	}
	v := a.Variant(key)
	if v == nil {
		return "", fmt.Errorf("attachment has no %q variant", key)
	}
	return v.Path(), nil
}

// PreComputeURL resolves the URLs of the attachment and its variants unless
// its options disable it.
func (m *Manager) PreComputeURL(ctx context.Context, a *attachment.Attachment) error {
	if !a.Options.PreComputeURLEnabled() {
		return nil
	}

	u, err := m.URL(ctx, a, "")
	if err != nil {
		return err
	}
	a.URL = u

	for _, v := range a.Variants {
		if v.URL, err = m.URL(ctx, a, v.Key); err != nil {
			return err
		}
	}
	return nil
}

func spool(r io.Reader, ext string) (*attachment.Input, error) {
	p := util.TempPath(ext)
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file, %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("failed to copy to temp file, %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return nil, err
	}

	return &attachment.Input{Path: p, Temp: true}, nil
}
