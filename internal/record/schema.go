// Package record keeps attachment columns of gorm rows in sync with the files
// on disk across create, update and delete.
package record

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"bitwise74/attachments/internal/attachment"

	"gorm.io/gorm/schema"
)

var ErrNotRegistered = errors.New("model has no attachment columns registered")

var (
	singleType    = reflect.TypeOf((*attachment.Attachment)(nil))
	multipleType  = reflect.TypeOf([]*attachment.Attachment(nil))
	trackableType = reflect.TypeOf((*trackable)(nil)).Elem()
)

// Column declares an attachment column. Name is either the struct field name
// or the column name.
type Column struct {
	Name     string
	Multiple bool
	Options  attachment.Options

	field string
}

// Single declares a column holding one *attachment.Attachment.
func Single(name string, opts attachment.Options) Column {
	return Column{Name: name, Options: opts}
}

// Multiple declares a column holding a []*attachment.Attachment.
func Multiple(name string, opts attachment.Options) Column {
	return Column{Name: name, Multiple: true, Options: opts}
}

type Model struct {
	Type    reflect.Type
	Columns []Column

	schema *schema.Schema
}

func (m *Model) column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == name || c.field == name {
			return c, true
		}
	}
	return Column{}, false
}

type Registry struct {
	mu     sync.RWMutex
	models map[reflect.Type]*Model
	cache  sync.Map
	namer  schema.Namer
}

func NewRegistry(namer schema.Namer) *Registry {
	if namer == nil {
		namer = schema.NamingStrategy{}
	}
	return &Registry{
		models: make(map[reflect.Type]*Model),
		namer:  namer,
	}
}

// Register declares the attachment columns of row's model. Every column must
// be a field of the right type using the json serializer, and the model must
// embed Tracked.
func (r *Registry) Register(row any, columns ...Column) error {
	s, err := schema.Parse(row, &r.cache, r.namer)
	if err != nil {
		return fmt.Errorf("failed to parse model, %w", err)
	}

	if !reflect.PointerTo(s.ModelType).Implements(trackableType) {
		return fmt.Errorf("model %s must embed record.Tracked", s.Name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("model %s: no columns given", s.Name)
	}

	model := &Model{Type: s.ModelType, schema: s}
	for _, c := range columns {
		f := s.LookUpField(c.Name)
		if f == nil {
			return fmt.Errorf("model %s has no field %q", s.Name, c.Name)
		}

		want := singleType
		if c.Multiple {
			want = multipleType
		}
		if f.FieldType != want {
			return fmt.Errorf("field %s.%s must be of type %s", s.Name, f.Name, want)
		}
		if f.Serializer == nil {
			return fmt.Errorf("field %s.%s must use the json serializer", s.Name, f.Name)
		}

		c.Name = f.DBName
		c.field = f.Name
		model.Columns = append(model.Columns, c)
	}

	r.mu.Lock()
	r.models[s.ModelType] = model
	r.mu.Unlock()
	return nil
}

func (r *Registry) lookup(t reflect.Type) (*Model, bool) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[t]
	return m, ok
}

func (r *Registry) lookupTable(table string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.schema.Table == table {
			return m, true
		}
	}
	return nil, false
}
