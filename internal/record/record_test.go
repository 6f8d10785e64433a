package record

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/converter"
	"bitwise74/attachments/internal/events"
	"bitwise74/attachments/internal/manager"
	"bitwise74/attachments/internal/storage"
	"bitwise74/attachments/internal/variant"
	"bitwise74/attachments/pkg/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type user struct {
	ID      uint
	Slug    string
	Avatar  *attachment.Attachment   `gorm:"serializer:json;type:text"`
	Gallery []*attachment.Attachment `gorm:"serializer:json;type:text"`
	Cover   *attachment.Attachment   `gorm:"serializer:json;type:text"`
	Tracked `gorm:"-"`
}

type env struct {
	db      *gorm.DB
	disk    *storage.LocalDisk
	manager *manager.Manager
	service *Service

	mu     sync.Mutex
	events []events.EventType
}

func imageBytes(t *testing.T, jpg bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	img.Set(2, 2, color.RGBA{0, 128, 255, 255})

	var buf bytes.Buffer
	if jpg {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	} else {
		require.NoError(t, png.Encode(&buf, img))
	}
	return buf.Bytes()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

// newEnvWith swaps the thumbnail converter when thumbnail is not nil.
func newEnvWith(t *testing.T, thumbnail converter.Converter) *env {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&user{}))

	out := imageBytes(t, false)
	produce := converter.Func(func(context.Context, *attachment.Input, converter.Options) (*attachment.Input, error) {
		return &attachment.Input{Bytes: out}, nil
	})

	if thumbnail == nil {
		thumbnail = produce
	}

	reg := converter.NewRegistry()
	require.NoError(t, reg.Register("thumbnail", thumbnail, converter.Options{}))
	require.NoError(t, reg.Register("medium", produce, converter.Options{}))

	disk := storage.NewMemoryDisk("http://cdn.test")
	m, err := manager.New(manager.Config{
		Disks:      map[string]storage.Disk{"memory": disk},
		Converters: reg,
	})
	require.NoError(t, err)

	enc, err := security.NewEncrypter("record-test-app-key-0123456789")
	require.NoError(t, err)

	e := &env{db: db, disk: disk, manager: m}

	bus := events.NewBus()
	bus.Subscribe(func(_ context.Context, et events.EventType, _ events.VariantPayload) {
		e.mu.Lock()
		e.events = append(e.events, et)
		e.mu.Unlock()
	})

	e.service = NewService(db, m,
		WithEncrypter(enc),
		WithVariants(variant.NewService(db, m, variant.WithEmitter(bus))),
	)
	require.NoError(t, e.service.Register(&user{},
		Single("Avatar", attachment.Options{Folder: "avatars/:slug", Variants: []string{"thumbnail"}}),
		Multiple("gallery", attachment.Options{Folder: "gallery", Variants: []string{"thumbnail", "medium"}}),
		Single("Cover", attachment.Options{Folder: "covers", Rename: attachment.Bool(false)}),
	))
	require.NoError(t, db.Use(e.service))

	return e
}

func (e *env) file(t *testing.T, name string) *attachment.Attachment {
	t.Helper()
	a, err := e.manager.CreateFromBytes(imageBytes(t, true), name)
	require.NoError(t, err)
	return a
}

func (e *env) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.disk.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (e *env) content(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := e.disk.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.manager.Queue().Wait(ctx))
}

func (e *env) reload(t *testing.T, id uint) user {
	t.Helper()
	var u user
	require.NoError(t, e.db.First(&u, id).Error)
	return u
}

func (e *env) seen(et events.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.events {
		if v == et {
			return true
		}
	}
	return false
}

func paths(a *attachment.Attachment) []string {
	out := []string{a.Path()}
	for _, v := range a.Variants {
		out = append(out, v.Path())
	}
	return out
}

func TestAvatarThumbnailLifecycle(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "jane", Avatar: e.file(t, "me.jpg")}
	require.NoError(t, e.db.Create(&u).Error)

	assert.Equal(t, "avatars/jane", u.Avatar.Folder)
	assert.False(t, u.Avatar.IsPending())
	assert.True(t, e.exists(t, u.Avatar.Path()))

	e.drain(t)
	assert.True(t, e.seen(events.VariantStarted))
	assert.True(t, e.seen(events.VariantCompleted))

	got := e.reload(t, u.ID)
	require.NotNil(t, got.Avatar)
	thumb := got.Avatar.Variant("thumbnail")
	require.NotNil(t, thumb)
	assert.True(t, e.exists(t, thumb.Path()))

	// the in-memory row never saw the thumbnail
	require.NoError(t, e.db.Delete(&u).Error)
	assert.False(t, e.exists(t, got.Avatar.Path()))
	assert.False(t, e.exists(t, thumb.Path()))
}

func TestSettingColumnToNullDeletesFile(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "a", Avatar: e.file(t, "a.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	e.drain(t)

	stored := e.reload(t, u.ID)
	old := paths(stored.Avatar)
	require.Len(t, old, 2)

	stored.Avatar = nil
	require.NoError(t, e.db.Save(&stored).Error)

	for _, p := range old {
		assert.False(t, e.exists(t, p), p)
	}
	assert.Nil(t, e.reload(t, u.ID).Avatar)
}

func TestReplacingArrayElementOnlyDetachesIt(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "g", Gallery: []*attachment.Attachment{e.file(t, "1.jpg"), e.file(t, "2.jpg")}}
	require.NoError(t, e.db.Create(&u).Error)
	e.drain(t)

	stored := e.reload(t, u.ID)
	require.Len(t, stored.Gallery, 2)
	kept, replaced := paths(stored.Gallery[0]), paths(stored.Gallery[1])
	require.Len(t, kept, 3)

	stored.Gallery[1] = e.file(t, "3.jpg")
	require.NoError(t, e.db.Save(&stored).Error)
	e.drain(t)

	for _, p := range kept {
		assert.True(t, e.exists(t, p), p)
	}
	for _, p := range replaced {
		assert.False(t, e.exists(t, p), p)
	}

	got := e.reload(t, u.ID)
	require.Len(t, got.Gallery, 2)
	assert.Equal(t, kept, paths(got.Gallery[0]), "untouched element keeps its variants")
	assert.NotNil(t, got.Gallery[1].Variant("thumbnail"))
	assert.NotNil(t, got.Gallery[1].Variant("medium"))
}

func TestSaveDuringVariantRunKeepsReplacement(t *testing.T) {
	entered, release := make(chan struct{}, 4), make(chan struct{})
	out := imageBytes(t, false)
	e := newEnvWith(t, converter.Func(func(ctx context.Context, _ *attachment.Input, _ converter.Options) (*attachment.Input, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &attachment.Input{Bytes: out}, nil
	}))

	u := user{Slug: "race", Avatar: e.file(t, "a.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	old := u.Avatar.Path()
	<-entered

	u.Avatar = e.file(t, "b.jpg")
	require.NoError(t, e.db.Save(&u).Error)
	replacement := u.Avatar.Path()
	assert.False(t, e.exists(t, old))

	close(release)
	e.drain(t)

	got := e.reload(t, u.ID)
	require.NotNil(t, got.Avatar)
	assert.Equal(t, replacement, got.Avatar.Path())
	assert.True(t, e.exists(t, replacement))

	thumb := got.Avatar.Variant("thumbnail")
	require.NotNil(t, thumb)
	assert.True(t, e.exists(t, thumb.Path()))
	assert.Len(t, got.Avatar.Variants, 1)
}

func TestCreateFromAnotherRowsAttachmentCopiesFile(t *testing.T) {
	e := newEnv(t)

	a := user{Slug: "a", Avatar: e.file(t, "a.jpg")}
	require.NoError(t, e.db.Create(&a).Error)
	e.drain(t)
	source := e.reload(t, a.ID)

	b := user{Slug: "b", Avatar: source.Avatar}
	require.NoError(t, e.db.Create(&b).Error)
	e.drain(t)

	require.NotSame(t, source.Avatar, b.Avatar)
	assert.Equal(t, "avatars/b", b.Avatar.Folder)
	assert.NotEqual(t, source.Avatar.Path(), b.Avatar.Path())
	assert.True(t, e.exists(t, b.Avatar.Path()))

	require.NoError(t, e.db.Delete(&source).Error)
	assert.False(t, e.exists(t, source.Avatar.Path()))

	got := e.reload(t, b.ID)
	require.NotNil(t, got.Avatar)
	assert.Equal(t, b.Avatar.Path(), got.Avatar.Path())
	assert.True(t, e.exists(t, got.Avatar.Path()))
	require.NotNil(t, got.Avatar.Variant("thumbnail"))
	assert.True(t, e.exists(t, got.Avatar.Variant("thumbnail").Path()))
}

func TestRegenerateVariantsIsolation(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "r", Avatar: e.file(t, "a.jpg"), Gallery: []*attachment.Attachment{e.file(t, "g.jpg")}}
	require.NoError(t, e.db.Create(&u).Error)
	e.drain(t)

	before := e.reload(t, u.ID)
	require.NoError(t, e.service.RegenerateVariants(&before, Filter{
		Attributes: []string{"gallery"},
		Variants:   []string{"medium"},
	}))
	e.drain(t)

	after := e.reload(t, u.ID)
	assert.Equal(t, paths(before.Avatar), paths(after.Avatar))

	oldMedium := before.Gallery[0].Variant("medium")
	newMedium := after.Gallery[0].Variant("medium")
	require.NotNil(t, newMedium)
	assert.NotEqual(t, oldMedium.Path(), newMedium.Path())
	assert.False(t, e.exists(t, oldMedium.Path()))
	assert.True(t, e.exists(t, newMedium.Path()))

	assert.Equal(t, before.Gallery[0].Variant("thumbnail").Path(), after.Gallery[0].Variant("thumbnail").Path())
	assert.True(t, e.exists(t, after.Avatar.Variant("thumbnail").Path()))
}

func TestRegenerateTable(t *testing.T) {
	e := newEnv(t)

	for _, slug := range []string{"x", "y"} {
		u := user{Slug: slug, Avatar: e.file(t, slug+".jpg")}
		require.NoError(t, e.db.Create(&u).Error)
	}
	e.drain(t)

	n, err := e.service.RegenerateTable(context.Background(), "users", Filter{Attributes: []string{"avatar"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e.drain(t)

	_, err = e.service.RegenerateTable(context.Background(), "missing", Filter{})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFailedSaveRemovesWrittenFiles(t *testing.T) {
	e := newEnv(t)

	first := user{Slug: "one", Avatar: e.file(t, "1.jpg")}
	require.NoError(t, e.db.Create(&first).Error)
	e.drain(t)

	dup := user{ID: first.ID, Slug: "two", Avatar: e.file(t, "2.jpg")}
	require.Error(t, e.db.Create(&dup).Error)

	require.NotEmpty(t, dup.Avatar.Name)
	assert.False(t, e.exists(t, dup.Avatar.Path()))
	assert.True(t, e.exists(t, first.Avatar.Path()))
}

func TestTransactionDefersCleanupToCommit(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "t", Cover: e.file(t, "c.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	old := u.Cover.Path()

	var replaced string
	err := Transaction(e.db, func(tx *gorm.DB) error {
		u.Cover = e.file(t, "d.jpg")
		if err := tx.Save(&u).Error; err != nil {
			return err
		}
		replaced = u.Cover.Path()

		assert.True(t, e.exists(t, old), "detached file is kept until commit")
		return nil
	})
	require.NoError(t, err)

	assert.False(t, e.exists(t, old))
	assert.True(t, e.exists(t, replaced))
}

func TestTransactionRollbackRestoresFiles(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "t", Cover: e.file(t, "c.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	old := u.Cover.Path()

	var written string
	err := Transaction(e.db, func(tx *gorm.DB) error {
		u.Cover = e.file(t, "d.jpg")
		if err := tx.Save(&u).Error; err != nil {
			return err
		}
		written = u.Cover.Path()
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	assert.False(t, e.exists(t, written))
	assert.True(t, e.exists(t, old))
	assert.Equal(t, old, e.reload(t, u.ID).Cover.Path())
}

func TestNestedTransactionWaitsForOuter(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "n", Cover: e.file(t, "c.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	old := u.Cover.Path()

	err := Transaction(e.db, func(tx *gorm.DB) error {
		require.NoError(t, Transaction(tx, func(tx *gorm.DB) error {
			u.Cover = e.file(t, "d.jpg")
			return tx.Save(&u).Error
		}))
		assert.True(t, e.exists(t, old), "inner commit must wait for the outer one")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, e.exists(t, old))
}

func TestPlainTransactionKeepsDetachedFiles(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "p", Cover: e.file(t, "c.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	old := u.Cover.Path()

	err := e.db.Transaction(func(tx *gorm.DB) error {
		u.Cover = e.file(t, "d.jpg")
		require.NoError(t, tx.Save(&u).Error)
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	assert.True(t, e.exists(t, old), "the row still points at the old file")
	assert.Equal(t, old, e.reload(t, u.ID).Cover.Path())

	stored := e.reload(t, u.ID)
	require.NoError(t, e.db.Transaction(func(tx *gorm.DB) error {
		return tx.Delete(&stored).Error
	}))
	assert.True(t, e.exists(t, old), "files of a row deleted in an unobserved transaction are left behind")
}

func TestRenameDisabledMovesSamePathAside(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "s", Cover: e.file(t, "cover.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	require.Equal(t, "covers/cover.jpg", u.Cover.Path())
	original := e.content(t, "covers/cover.jpg")

	replacement, err := e.manager.CreateFromBytes(imageBytes(t, false), "cover.jpg")
	require.NoError(t, err)

	err = Transaction(e.db, func(tx *gorm.DB) error {
		u.Cover = replacement
		require.NoError(t, tx.Save(&u).Error)
		assert.True(t, e.exists(t, "covers/cover.jpg.delete"))
		return errors.New("abort")
	})
	require.Error(t, err)

	assert.Equal(t, original, e.content(t, "covers/cover.jpg"))
	assert.False(t, e.exists(t, "covers/cover.jpg.delete"))
}

func TestMapUpdate(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "m", Avatar: e.file(t, "a.jpg")}
	require.NoError(t, e.db.Create(&u).Error)
	e.drain(t)
	old := paths(e.reload(t, u.ID).Avatar)

	next := e.file(t, "b.jpg")
	require.NoError(t, e.db.Model(&u).Update("avatar", next).Error)
	e.drain(t)

	assert.Same(t, next, u.Avatar)
	for _, p := range old {
		assert.False(t, e.exists(t, p), p)
	}

	got := e.reload(t, u.ID)
	require.NotNil(t, got.Avatar)
	assert.Equal(t, next.Path(), got.Avatar.Path())
	assert.True(t, e.exists(t, next.Path()))

	require.NoError(t, e.db.Model(&got).Updates(map[string]any{"avatar": nil}).Error)
	assert.False(t, e.exists(t, next.Path()))
	assert.Nil(t, e.reload(t, u.ID).Avatar)
}

func TestLoadedRowsCarryAccessKeys(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "k", Gallery: []*attachment.Attachment{e.file(t, "1.jpg"), e.file(t, "2.jpg")}}
	require.NoError(t, e.db.Create(&u).Error)
	e.drain(t)

	got := e.reload(t, u.ID)
	require.Len(t, got.Gallery, 2)

	key, err := e.service.DecodeAccessKey(got.Gallery[1].KeyID)
	require.NoError(t, err)
	assert.Equal(t, "gallery", key.Attribute)
	assert.Equal(t, 1, key.Index)
	assert.Equal(t, "user", key.Model)
	assert.EqualValues(t, u.ID, key.ID)

	_, err = e.service.DecodeAccessKey(got.Gallery[1].KeyID + "x")
	assert.ErrorIs(t, err, security.ErrInvalidKey)
}

func TestAttachmentsAccessor(t *testing.T) {
	e := newEnv(t)

	u := user{Slug: "acc", Avatar: e.file(t, "a.jpg")}
	list, err := e.service.Attachments(&u, "avatar")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "avatars/acc", list[0].Folder)
	assert.Equal(t, []string{"thumbnail"}, list[0].Options.Variants)

	list, err = e.service.Attachments(&u, "gallery")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.service.Attachments(&u, "nope")
	assert.Error(t, err)
}

type plain struct {
	ID     uint
	Avatar *attachment.Attachment `gorm:"serializer:json"`
}

type noSerializer struct {
	ID     uint
	Avatar *attachment.Attachment `gorm:"type:text"`
	Tracked `gorm:"-"`
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register(&plain{}, Single("Avatar", attachment.Options{})))
	assert.Error(t, r.Register(&noSerializer{}, Single("Avatar", attachment.Options{})))
	assert.Error(t, r.Register(&user{}, Single("Missing", attachment.Options{})))
	assert.Error(t, r.Register(&user{}, Single("Gallery", attachment.Options{})))
	assert.Error(t, r.Register(&user{}, Multiple("Avatar", attachment.Options{})))
	assert.Error(t, r.Register(&user{}))

	require.NoError(t, r.Register(&user{}, Multiple("Gallery", attachment.Options{})))
	m, ok := r.lookup(reflect.TypeOf(&user{}))
	require.True(t, ok)
	assert.Equal(t, "gallery", m.Columns[0].Name)
}
