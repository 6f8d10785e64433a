package manager

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestManager(t *testing.T, global attachment.Options) (*Manager, *storage.LocalDisk) {
	t.Helper()
	disk := storage.NewMemoryDisk("http://cdn.test")
	m, err := New(Config{
		Disks:   map[string]storage.Disk{"memory": disk},
		Options: global,
	})
	require.NoError(t, err)
	return m, disk
}

func exists(t *testing.T, d storage.Disk, key string) bool {
	t.Helper()
	ok, err := d.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestNewValidatesDisks(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{
		Disks:       map[string]storage.Disk{"a": storage.NewMemoryDisk(""), "b": storage.NewMemoryDisk("")},
		DefaultDisk: "c",
	})
	assert.Error(t, err)
}

func TestCreateSniffsContentOverName(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{})
	data := pngBytes(t)

	dir := t.TempDir()
	p := filepath.Join(dir, "photo.txt")
	require.NoError(t, os.WriteFile(p, data, 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write(data)
	}))
	defer srv.Close()

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	require.NoError(t, err)
	fw.Write(data)
	require.NoError(t, mw.Close())
	parsed, err := multipart.NewReader(&form, mw.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	defer parsed.RemoveAll()

	encoded := base64.StdEncoding.EncodeToString(data)
	ctx := context.Background()

	cases := map[string]func() (*attachment.Attachment, error){
		"bytes":    func() (*attachment.Attachment, error) { return m.CreateFromBytes(data, "photo.gif") },
		"base64":   func() (*attachment.Attachment, error) { return m.CreateFromBase64(encoded, "photo.gif") },
		"data uri": func() (*attachment.Attachment, error) { return m.CreateFromBase64("data:image/gif;base64,"+encoded, "") },
		"path":     func() (*attachment.Attachment, error) { return m.CreateFromPath(p, "") },
		"url":      func() (*attachment.Attachment, error) { return m.CreateFromURL(ctx, srv.URL+"/a.txt", "") },
		"stream":   func() (*attachment.Attachment, error) { return m.CreateFromStream(bytes.NewReader(data), "photo.doc") },
		"upload":   func() (*attachment.Attachment, error) { return m.CreateFromUpload(parsed.File["file"][0]) },
	}

	for name, create := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := create()
			require.NoError(t, err)
			defer a.Input.Cleanup()

			assert.Equal(t, "image/png", a.MimeType)
			assert.Equal(t, "png", a.Extname)
			assert.Equal(t, int64(len(data)), a.Size)
			assert.True(t, a.IsPending())
		})
	}
}

func TestCreateFromFiles(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{})
	data := pngBytes(t)

	list, err := m.CreateFromFiles(context.Background(), []any{data, bytes.NewReader(data), base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, a := range list {
		assert.Equal(t, "image/png", a.MimeType)
		a.Input.Cleanup()
	}

	_, err = m.CreateFromFiles(context.Background(), []any{42})
	assert.ErrorIs(t, err, attachment.ErrInvalidInput)
}

func TestCreateFromBase64Invalid(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{})

	_, err := m.CreateFromBase64("%%% not base64 %%%", "")
	assert.ErrorIs(t, err, attachment.ErrInvalidInput)

	_, err = m.CreateFromBytes(nil, "")
	assert.ErrorIs(t, err, attachment.ErrInvalidInput)
}

func TestCreateFromDbResponse(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{})

	a, err := m.CreateFromDbResponse(nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = m.CreateFromDbResponse(map[string]any{
		"name": "abc.png", "size": 10, "extname": "png", "mimeType": "image/png", "path": "uploads/abc.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/abc.png", a.Path())

	_, err = m.CreateFromDbResponse(`{"name":"abc.png","size":10,"extname":"png"}`)
	var missing *attachment.MissingAttributeError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "mimeType", missing.Attribute)

	list, err := m.CreateFromDbResponseList(`[{"name":"a.png","size":1,"extname":"png","mimeType":"image/png","path":"x/a.png"}]`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "x", list[0].Folder)
}

func TestPrepareRenameAndMeta(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{})

	a, err := m.CreateFromBytes(pngBytes(t), "My Photo.png")
	require.NoError(t, err)

	m.Prepare(a, m.ResolveOptions(attachment.Options{Rename: attachment.Bool(false)}), "/avatars/")
	assert.Equal(t, "My_Photo.png", a.Name)
	assert.Equal(t, "avatars/My_Photo.png", a.Path())
	assert.Equal(t, attachment.Meta{"width": 8, "height": 6}, a.Meta)

	b, err := m.CreateFromBytes(pngBytes(t), "My Photo.png")
	require.NoError(t, err)
	m.Prepare(b, m.ResolveOptions(attachment.Options{Meta: attachment.Bool(false)}), "avatars")
	assert.NotEqual(t, "My_Photo.png", b.Name)
	assert.Equal(t, ".png", filepath.Ext(b.Name))
	assert.Nil(t, b.Meta)
}

func TestResolveOptionsPrecedence(t *testing.T) {
	m, _ := newTestManager(t, attachment.Options{Folder: "global", Variants: []string{"thumbnail"}})

	o := m.ResolveOptions(attachment.Options{Folder: "column"})
	assert.Equal(t, "column", o.Folder)
	assert.Equal(t, []string{"thumbnail"}, o.Variants)
	assert.Equal(t, "memory", o.Disk)
	assert.True(t, o.RenameEnabled())
}

func TestWriteRemove(t *testing.T) {
	ctx := context.Background()
	m, disk := newTestManager(t, attachment.Options{})

	a, err := m.CreateFromBytes(pngBytes(t), "a.png")
	require.NoError(t, err)
	m.Prepare(a, m.ResolveOptions(attachment.Options{}), "uploads")

	require.NoError(t, m.Write(ctx, a))
	assert.False(t, a.IsPending())
	assert.True(t, exists(t, disk, a.Path()))

	v, err := a.CreateVariant("thumbnail", &attachment.Input{Bytes: pngBytes(t)})
	require.NoError(t, err)
	require.NoError(t, m.WriteVariant(ctx, a, v))
	assert.True(t, exists(t, disk, v.Path()))

	require.NoError(t, m.Remove(ctx, a))
	assert.False(t, exists(t, disk, a.Path()))
	assert.False(t, exists(t, disk, v.Path()))

	require.NoError(t, m.Remove(ctx, a), "removing missing files is tolerated")
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	m, disk := newTestManager(t, attachment.Options{})

	a, err := m.CreateFromBytes(pngBytes(t), "a.png")
	require.NoError(t, err)
	m.Prepare(a, m.ResolveOptions(attachment.Options{}), "uploads")
	require.NoError(t, m.Write(ctx, a))

	cp, err := m.Copy(ctx, a)
	require.NoError(t, err)
	assert.True(t, cp.IsPending())
	assert.NotEqual(t, a.Name, cp.Name)
	assert.Equal(t, a.OriginalName, cp.OriginalName)
	assert.Equal(t, a.Size, cp.Size)
	assert.Empty(t, cp.Variants)

	m.Prepare(cp, m.ResolveOptions(attachment.Options{}), "other")
	require.NoError(t, m.Write(ctx, cp))
	require.NoError(t, m.Remove(ctx, a))
	assert.True(t, exists(t, disk, cp.Path()))

	_, err = m.Copy(ctx, a)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMoveForDelete(t *testing.T) {
	ctx := context.Background()
	m, disk := newTestManager(t, attachment.Options{})

	a, err := m.CreateFromBytes(pngBytes(t), "a.png")
	require.NoError(t, err)
	m.Prepare(a, m.ResolveOptions(attachment.Options{}), "uploads")
	require.NoError(t, m.Write(ctx, a))
	original := a.Path()

	require.NoError(t, m.MoveForDelete(ctx, a))
	assert.False(t, exists(t, disk, original))
	assert.True(t, exists(t, disk, original+".delete"))

	require.NoError(t, m.RollbackMoveForDelete(ctx, a))
	assert.True(t, exists(t, disk, original))
	assert.Empty(t, a.PendingPath)

	require.NoError(t, m.MoveForDelete(ctx, a))
	require.NoError(t, m.Remove(ctx, a))
	assert.False(t, exists(t, disk, original+".delete"))
}

func TestReadAndURLs(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, attachment.Options{PreComputeURL: attachment.Bool(true)})
	data := pngBytes(t)

	a, err := m.CreateFromBytes(data, "a.png")
	require.NoError(t, err)
	m.Prepare(a, m.ResolveOptions(attachment.Options{}), "uploads")
	require.NoError(t, m.Write(ctx, a))

	in, err := m.Read(ctx, a)
	require.NoError(t, err)
	defer in.Cleanup()
	got, err := in.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, m.PreComputeURL(ctx, a))
	assert.Equal(t, "http://cdn.test/"+a.Path(), a.URL)

	signed, err := m.SignedURL(ctx, a, "")
	require.NoError(t, err)
	assert.Contains(t, signed, "signature=")

	_, err = m.URL(ctx, a, "missing")
	assert.Error(t, err)
}
