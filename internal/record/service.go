package record

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/manager"
	"bitwise74/attachments/internal/variant"
	"bitwise74/attachments/pkg/security"

	"gorm.io/gorm"
)

// Service wires attachment columns into gorm. Register the models, then
// install it with db.Use.
type Service struct {
	db        *gorm.DB
	manager   *manager.Manager
	registry  *Registry
	variants  *variant.Service
	encrypter *security.Encrypter
}

type Option func(*Service)

// WithEncrypter enables access keys on loaded and saved attachments.
func WithEncrypter(e *security.Encrypter) Option {
	return func(s *Service) {
		s.encrypter = e
	}
}

func WithVariants(v *variant.Service) Option {
	return func(s *Service) {
		s.variants = v
	}
}

func NewService(db *gorm.DB, m *manager.Manager, opts ...Option) *Service {
	s := &Service{
		db:       db,
		manager:  m,
		registry: NewRegistry(db.NamingStrategy),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.variants == nil {
		s.variants = variant.NewService(db, m)
	}
	return s
}

func (s *Service) Register(row any, columns ...Column) error {
	return s.registry.Register(row, columns...)
}

func (s *Service) coordinator(row any) (*Coordinator, error) {
	v := reflect.ValueOf(row)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, fmt.Errorf("row must be a non-nil pointer, got %T", row)
	}

	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(row); err != nil {
		return nil, fmt.Errorf("failed to parse model, %w", err)
	}

	model, ok := s.registry.lookup(stmt.Schema.ModelType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, stmt.Schema.Name)
	}
	return s.newCoordinator(model, stmt.Schema, v.Elem()), nil
}

// Attachments returns the value of one attachment column as a list.
func (s *Service) Attachments(row any, column string) ([]*attachment.Attachment, error) {
	c, err := s.coordinator(row)
	if err != nil {
		return nil, err
	}
	return c.GetAttachments(column)
}

// Filter scopes a regeneration. Empty Attributes means every column with
// variants, nil Variants means every configured variant.
type Filter struct {
	Attributes []string
	Variants   []string
}

func (f Filter) variantFilter() *variant.Filter {
	if f.Variants == nil {
		return nil
	}
	return &variant.Filter{Variants: f.Variants}
}

// RegenerateVariants queues variant generation for a stored row.
func (s *Service) RegenerateVariants(row any, f Filter) error {
	c, err := s.coordinator(row)
	if err != nil {
		return err
	}
	return c.RegenerateVariants(f.Attributes, f.variantFilter())
}

// RegenerateTable queues variant generation for every row of table and
// returns how many rows were queued.
func (s *Service) RegenerateTable(ctx context.Context, table string, f Filter) (int, error) {
	model, ok := s.registry.lookupTable(table)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, table)
	}

	pk := model.schema.PrioritizedPrimaryField
	if pk == nil {
		return 0, fmt.Errorf("%s has no primary key", model.schema.Name)
	}

	// strings scan from any key type and the field setter parses them back
	var ids []string
	if err := s.db.WithContext(ctx).Table(table).Pluck(pk.DBName, &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list rows of %s, %w", table, err)
	}

	for i, id := range ids {
		row := reflect.New(model.Type)
		if err := pk.Set(ctx, row.Elem(), id); err != nil {
			return i, fmt.Errorf("failed to set primary key, %w", err)
		}

		c := s.newCoordinator(model, model.schema, row.Elem())
		if err := c.RegenerateVariants(f.Attributes, f.variantFilter()); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// DecodeAccessKey opens a KeyID minted for a stored attachment.
func (s *Service) DecodeAccessKey(token string) (AccessKey, error) {
	var key AccessKey
	if s.encrypter == nil {
		return key, errors.New("access keys are not enabled")
	}
	if err := s.encrypter.Decrypt(token, &key); err != nil {
		return key, err
	}
	return key, nil
}
