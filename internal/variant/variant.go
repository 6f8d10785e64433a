// Package variant regenerates the derived files of an attachment column:
// purge the old variants, generate new ones and persist the column.
package variant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/converter"
	"bitwise74/attachments/internal/events"
	"bitwise74/attachments/internal/manager"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Filter narrows a run down to some variant keys. A nil filter wipes and
// regenerates every configured variant.
type Filter struct {
	Variants []string
}

func (f *Filter) allows(key string) bool {
	if f == nil || f.Variants == nil {
		return true
	}
	for _, k := range f.Variants {
		if k == key {
			return true
		}
	}
	return false
}

// Unit is one attachment column of one row.
type Unit struct {
	Model        string
	Table        string
	PrimaryKey   string
	PrimaryValue any
	Column       string
	Multiple     bool
	Options      attachment.Options
	Filter       *Filter

	// Names limits the run to the attachments stored under these names.
	// Empty means every attachment in the column.
	Names []string
}

// LockName is the lock every run on the same table column shares.
func (u Unit) LockName() string {
	return "attachment." + u.Table + "-" + u.Column
}

// TaskName is the queue task name for the unit.
func (u Unit) TaskName() string {
	return u.Model + "-" + u.Column
}

func (u Unit) requested() []string {
	var keys []string
	for _, k := range u.Options.Variants {
		if u.Filter.allows(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (u Unit) inScope(a *attachment.Attachment) bool {
	if len(u.Names) == 0 {
		return true
	}
	for _, n := range u.Names {
		if n == a.Name {
			return true
		}
	}
	return false
}

func (u Unit) where() clause.Eq {
	return clause.Eq{Column: clause.Column{Name: u.PrimaryKey}, Value: u.PrimaryValue}
}

// Persister writes the variants of scope back to the row. It returns the
// scope entries the row still holds; variants of the others are removed.
type Persister interface {
	Persist(ctx context.Context, u Unit, scope []*attachment.Attachment) ([]*attachment.Attachment, error)
}

type Service struct {
	db        *gorm.DB
	manager   *manager.Manager
	emitter   events.Emitter
	persister Persister
}

type Option func(*Service)

func WithEmitter(e events.Emitter) Option {
	return func(s *Service) {
		s.emitter = e
	}
}

func WithPersister(p Persister) Option {
	return func(s *Service) {
		s.persister = p
	}
}

func NewService(db *gorm.DB, m *manager.Manager, opts ...Option) *Service {
	s := &Service{
		db:      db,
		manager: m,
		emitter: events.Nop{},
	}
	s.persister = &gormPersister{db: db}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue schedules Run on the manager's queue.
func (s *Service) Enqueue(u Unit) error {
	return s.manager.Queue().Enqueue(queueTask(s, u))
}

// Run purges, generates and persists the variants of u while holding the
// column lock.
func (s *Service) Run(ctx context.Context, u Unit) error {
	payload := events.VariantPayload{
		ID:            uuid.New(),
		TableName:     u.Table,
		AttributeName: u.Column,
		Primary:       events.Primary{Key: u.PrimaryKey, Value: u.PrimaryValue},
		Variants:      u.requested(),
	}
	s.emitter.Emit(ctx, events.VariantStarted, payload)

	err := s.manager.Lock().Run(ctx, u.LockName(), func(ctx context.Context) error {
		return s.run(ctx, u)
	})
	if err != nil {
		payload.Error = err.Error()
		s.emitter.Emit(ctx, events.VariantFailed, payload)
		return err
	}

	s.emitter.Emit(ctx, events.VariantCompleted, payload)
	return nil
}

func (s *Service) run(ctx context.Context, u Unit) error {
	list, err := s.load(ctx, u)
	if err != nil {
		return err
	}
	if list == nil {
		zap.L().Debug("Nothing to generate variants for",
			zap.String("table", u.Table),
			zap.String("column", u.Column),
			zap.Any("primary", u.PrimaryValue))
		return nil
	}

	var scope []*attachment.Attachment
	for _, a := range list {
		if u.inScope(a) {
			scope = append(scope, a)
		}
	}

	s.purge(ctx, u, scope)
	written := s.generate(ctx, u, scope)

	kept, err := s.persister.Persist(ctx, u, scope)
	if err != nil {
		zap.L().Error("Failed to persist variants, removing generated files",
			zap.String("table", u.Table),
			zap.String("column", u.Column),
			zap.Error(err))

		s.discard(ctx, written, nil)
		return fmt.Errorf("failed to persist variants, %w", err)
	}

	if n := s.discard(ctx, written, kept); n > 0 {
		zap.L().Info("Attachment was replaced during variant generation, dropped its variants",
			zap.String("table", u.Table),
			zap.String("column", u.Column),
			zap.Any("primary", u.PrimaryValue),
			zap.Int("files", n))
	}
	return nil
}

// discard removes the written variants whose parent is not in kept and
// returns how many it removed.
func (s *Service) discard(ctx context.Context, ws []written, kept []*attachment.Attachment) int {
	n := 0
	for _, w := range ws {
		if slices.Contains(kept, w.parent) {
			continue
		}
		if err := s.manager.RemoveVariant(ctx, w.parent, w.variant); err != nil {
			zap.L().Warn("Failed to remove generated variant", zap.String("path", w.variant.Path()), zap.Error(err))
		}
		n++
	}
	return n
}

// load reads the column as currently stored. Reading it under the lock
// means each run builds on the previous one.
func (s *Service) load(ctx context.Context, u Unit) ([]*attachment.Attachment, error) {
	var raw []byte
	err := s.db.WithContext(ctx).
		Table(u.Table).
		Select(u.Column).
		Where(u.where()).
		Row().
		Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s.%s, %w", u.Table, u.Column, err)
	}

	list, err := attachment.DecodeList(raw)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		a.Options = u.Options
	}
	return list, nil
}

func (s *Service) purge(ctx context.Context, u Unit, scope []*attachment.Attachment) {
	// nil removes every variant
	var keys []string
	if u.Filter != nil && u.Filter.Variants != nil {
		keys = append([]string{}, u.Filter.Variants...)
	}

	for _, a := range scope {
		for _, v := range a.RemoveVariants(keys) {
			if err := s.manager.RemoveVariant(ctx, a, v); err != nil {
				zap.L().Warn("Failed to purge variant", zap.String("path", v.Path()), zap.Error(err))
			}
		}
	}
}

type written struct {
	parent  *attachment.Attachment
	variant *attachment.Variant
}

func (s *Service) generate(ctx context.Context, u Unit, scope []*attachment.Attachment) []written {
	var out []written

	entries := make([]converter.Entry, 0, len(u.Options.Variants))
	for _, key := range u.requested() {
		entry, ok := s.manager.GetConverter(key)
		if !ok {
			zap.L().Warn("No converter registered for variant", zap.String("key", key))
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, a := range scope {
		in, err := s.manager.Read(ctx, a)
		if err != nil {
			zap.L().Error("Failed to read attachment for conversion", zap.String("path", a.Path()), zap.Error(err))
			continue
		}

		for _, entry := range entries {
			if v := s.convert(ctx, a, in, entry); v != nil {
				out = append(out, written{parent: a, variant: v})
			}
		}

		if in != a.Input {
			in.Cleanup()
		}
	}
	return out
}

// convert runs one converter for one attachment. Failures are logged and
// skip the key.
func (s *Service) convert(ctx context.Context, a *attachment.Attachment, in *attachment.Input, entry converter.Entry) *attachment.Variant {
	log := zap.L().With(zap.String("key", entry.Key), zap.String("path", a.Path()))

	output, err := entry.Converter.Convert(ctx, in, entry.Options)
	if err != nil {
		log.Error("Converter failed", zap.Error(err))
		return nil
	}
	if output == nil {
		log.Debug("Converter produced no output")
		return nil
	}

	v, err := a.CreateVariant(entry.Key, output)
	if err != nil {
		output.Cleanup()
		log.Error("Failed to create variant", zap.Error(err))
		return nil
	}

	if entry.Options.Blurhash != nil {
		hash, err := converter.Blurhash(output, *entry.Options.Blurhash)
		if err != nil {
			log.Warn("Failed to compute blurhash", zap.Error(err))
		} else {
			v.Blurhash = hash
		}
	}

	if err := s.manager.WriteVariant(ctx, a, v); err != nil {
		output.Cleanup()
		a.RemoveVariants([]string{entry.Key})
		return nil
	}
	return v
}
