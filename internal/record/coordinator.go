package record

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"bitwise74/attachments/internal/attachment"
	"bitwise74/attachments/internal/variant"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Coordinator tracks the attachment changes of one row during one save or
// delete. A new one is built for every hook call.
type Coordinator struct {
	svc    *Service
	model  *Model
	schema *schema.Schema
	row    reflect.Value
	state  *State

	// set for partial updates, limits the pass to these columns and takes
	// their new values from here instead of the row
	values map[string][]*attachment.Attachment

	attached []*attachment.Attachment
	detached []*attachment.Attachment
	dirtied  []string
	written  map[string][]string
	deleting bool

	// known is set once the originals are the row's stored values, on
	// create or after loadStored found the row
	known bool
}

func (s *Service) newCoordinator(model *Model, sch *schema.Schema, row reflect.Value) *Coordinator {
	return &Coordinator{
		svc:     s,
		model:   model,
		schema:  sch,
		row:     row,
		state:   row.Addr().Interface().(trackable).AttachmentState(),
		written: make(map[string][]string),
	}
}

func (c *Coordinator) columns() []Column {
	if c.values == nil {
		return c.model.Columns
	}
	var cols []Column
	for _, col := range c.model.Columns {
		if _, ok := c.values[col.Name]; ok {
			cols = append(cols, col)
		}
	}
	return cols
}

func (c *Coordinator) field(col Column) reflect.Value {
	return c.schema.LookUpField(col.field).ReflectValueOf(context.Background(), c.row)
}

// current returns the column's value as a list, whether it holds one
// attachment or many.
func (c *Coordinator) current(col Column) []*attachment.Attachment {
	if v, ok := c.values[col.Name]; ok {
		return v
	}

	f := c.field(col)
	if col.Multiple {
		var list []*attachment.Attachment
		for _, a := range f.Interface().([]*attachment.Attachment) {
			if a != nil {
				list = append(list, a)
			}
		}
		return list
	}

	if a := f.Interface().(*attachment.Attachment); a != nil {
		return []*attachment.Attachment{a}
	}
	return nil
}

func (c *Coordinator) set(col Column, list []*attachment.Attachment) {
	f := c.field(col)
	if col.Multiple {
		f.Set(reflect.ValueOf(list))
		return
	}
	if len(list) == 0 {
		f.Set(reflect.Zero(singleType))
		return
	}
	f.Set(reflect.ValueOf(list[0]))
}

func (c *Coordinator) options(col Column) attachment.Options {
	return c.svc.manager.ResolveOptions(col.Options)
}

func (c *Coordinator) dirty(col Column) bool {
	orig, cur := c.state.original(col.Name), c.current(col)
	if len(orig) != len(cur) {
		return true
	}
	for i := range cur {
		if cur[i].IsPending() || !same(orig[i], cur[i]) {
			return true
		}
	}
	return false
}

// loadStored reads the stored values of the row's attachment columns and uses
// them as the originals. In-memory values pointing at a stored file pick up
// its variants, which the pipeline may have written after the row was loaded.
func (c *Coordinator) loadStored(db *gorm.DB) error {
	pk := c.schema.PrioritizedPrimaryField
	if pk == nil {
		return nil
	}
	id, zero := pk.ValueOf(context.Background(), c.row)
	if zero {
		return nil
	}

	names := make([]string, 0, len(c.model.Columns))
	for _, col := range c.model.Columns {
		names = append(names, col.Name)
	}

	stored := map[string]any{}
	err := db.Session(&gorm.Session{NewDB: true}).
		Table(c.schema.Table).
		Select(names).
		Where(clause.Eq{Column: clause.Column{Name: pk.DBName}, Value: id}).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load stored attachments, %w", err)
	}
	c.known = true

	for _, col := range c.model.Columns {
		list, err := c.decodeStored(col, stored[col.Name])
		if err != nil {
			return fmt.Errorf("failed to decode stored %s, %w", col.Name, err)
		}
		c.state.snapshot(col.Name, list)

		for _, cur := range c.current(col) {
			for _, s := range list {
				if cur != s && same(cur, s) {
					cur.Variants = s.Variants
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) decodeStored(col Column, v any) ([]*attachment.Attachment, error) {
	if col.Multiple {
		return c.svc.manager.CreateFromDbResponseList(v)
	}

	a, err := c.svc.manager.CreateFromDbResponse(v)
	if err != nil || a == nil {
		return nil, err
	}
	return []*attachment.Attachment{a}, nil
}

// Detach marks the stored values that a dirty column no longer references.
// Replacing one element of a list only detaches that element.
func (c *Coordinator) Detach() {
	for _, col := range c.columns() {
		if !c.dirty(col) {
			continue
		}

		cur := c.current(col)
		for _, o := range c.state.original(col.Name) {
			if len(cur) == 0 || !containsSame(cur, o) {
				o.Options = c.options(col)
				c.detached = append(c.detached, o)
			}
		}
	}
}

// DetachAll marks every stored value of every column, used when the row is
// deleted.
func (c *Coordinator) DetachAll() {
	for _, col := range c.model.Columns {
		var all []*attachment.Attachment
		for _, a := range append(c.state.original(col.Name), c.current(col)...) {
			if !a.IsPending() && !containsSame(all, a) {
				all = append(all, a)
			}
		}

		opts := c.options(col)
		for _, a := range all {
			a.Options = opts
			c.detached = append(c.detached, a)
		}
	}
}

// Persist writes the new values of every dirty column to storage. It must
// run before the row is written so the stored JSON never points at a
// missing file.
func (c *Coordinator) Persist(ctx context.Context) error {
	for _, col := range c.columns() {
		if !c.dirty(col) {
			continue
		}

		opts := c.options(col)
		folder := c.resolveFolder(opts.Folder)
		orig := c.state.original(col.Name)

		list, err := c.adopt(ctx, col, orig)
		if err != nil {
			return err
		}

		for _, a := range list {
			if !a.IsPending() {
				if !containsSame(orig, a) {
					a.Options = opts
				}
				continue
			}

			c.svc.manager.Prepare(a, opts, folder)
			if !opts.RenameEnabled() {
				if err := c.moveSamePath(ctx, a); err != nil {
					return err
				}
			}

			c.attached = append(c.attached, a)
			if err := c.svc.manager.Write(ctx, a); err != nil {
				return fmt.Errorf("failed to persist %s, %w", col.Name, err)
			}
			c.written[col.Name] = append(c.written[col.Name], a.Name)
		}

		if len(c.written[col.Name]) > 0 {
			c.dirtied = append(c.dirtied, col.Name)
		}
	}
	return nil
}

// adopt replaces stored values that belong to another row with pending
// copies, so every row owns the files it references.
func (c *Coordinator) adopt(ctx context.Context, col Column, orig []*attachment.Attachment) ([]*attachment.Attachment, error) {
	list := c.current(col)
	if !c.known {
		return list, nil
	}

	copied := false
	for i, a := range list {
		if a.IsPending() || containsSame(orig, a) {
			continue
		}

		cp, err := c.svc.manager.Copy(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s into %s, %w", a.Path(), col.Name, err)
		}
		list[i] = cp
		copied = true
	}

	if copied {
		if _, ok := c.values[col.Name]; ok {
			c.values[col.Name] = list
		} else {
			c.set(col, list)
		}
	}
	return list, nil
}

// moveSamePath moves a detached file out of the way when a new file is about
// to be written at its path.
func (c *Coordinator) moveSamePath(ctx context.Context, a *attachment.Attachment) error {
	for _, d := range c.detached {
		if d.Options.Disk == a.Options.Disk && d.Path() == a.Path() {
			if err := c.svc.manager.MoveForDelete(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit deletes the detached files. Every deletion is attempted; failures
// are collected and logged.
func (c *Coordinator) Commit(ctx context.Context) error {
	if len(c.detached) == 0 {
		return nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(4)
	for _, a := range c.detached {
		p.Go(func() error {
			return c.svc.manager.Remove(ctx, a)
		})
	}

	err := p.Wait()
	if err != nil {
		zap.L().Error("Failed to remove detached attachments", zap.String("model", c.schema.Name), zap.Error(err))
	}
	c.detached = nil
	return err
}

// Rollback removes the files written by Persist and puts back the ones moved
// aside for them.
func (c *Coordinator) Rollback(ctx context.Context) error {
	var errs []error
	for _, a := range c.attached {
		if err := c.svc.manager.Remove(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range c.detached {
		if err := c.svc.manager.RollbackMoveForDelete(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		zap.L().Error("Failed to roll back attachments", zap.String("model", c.schema.Name), zap.Error(err))
	}
	c.attached, c.detached, c.dirtied = nil, nil, nil
	return err
}

// Snapshot records the current values as the stored ones.
func (c *Coordinator) Snapshot() {
	for _, col := range c.columns() {
		c.state.snapshot(col.Name, c.current(col))
	}
}

// GetAttachments returns a column's value as a list with the column's
// options applied.
func (c *Coordinator) GetAttachments(column string) ([]*attachment.Attachment, error) {
	col, ok := c.model.column(column)
	if !ok {
		return nil, fmt.Errorf("%s has no attachment column %q", c.schema.Name, column)
	}

	opts := c.options(col)
	list := c.current(col)
	for _, a := range list {
		if a.IsPending() && a.Folder == "" {
			a.Folder = c.resolveFolder(opts.Folder)
		}
		a.Options = opts
	}
	return list, nil
}

// GenerateVariants queues variant generation for every column written during
// this pass. Only the new files of a column are processed.
func (c *Coordinator) GenerateVariants() {
	for _, name := range c.dirtied {
		col, _ := c.model.column(name)
		opts := c.options(col)
		if len(opts.Variants) == 0 {
			continue
		}

		u, err := c.unit(col, nil)
		if err != nil {
			zap.L().Error("Can't schedule variant generation", zap.String("column", name), zap.Error(err))
			continue
		}
		u.Names = c.written[name]

		if err := c.svc.variants.Enqueue(u); err != nil {
			zap.L().Error("Failed to enqueue variant generation", zap.String("task", u.TaskName()), zap.Error(err))
		}
	}
	c.dirtied = nil
}

// RegenerateVariants queues generation for the given columns, or every column
// with variants configured, limited to the variant keys in filter.
func (c *Coordinator) RegenerateVariants(columns []string, filter *variant.Filter) error {
	cols := c.model.Columns
	if len(columns) > 0 {
		cols = nil
		for _, name := range columns {
			col, ok := c.model.column(name)
			if !ok {
				return fmt.Errorf("%s has no attachment column %q", c.schema.Name, name)
			}
			cols = append(cols, col)
		}
	}

	for _, col := range cols {
		if len(c.options(col).Variants) == 0 {
			continue
		}

		u, err := c.unit(col, filter)
		if err != nil {
			return err
		}
		if err := c.svc.variants.Enqueue(u); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) unit(col Column, filter *variant.Filter) (variant.Unit, error) {
	pk := c.schema.PrioritizedPrimaryField
	if pk == nil {
		return variant.Unit{}, fmt.Errorf("%s has no primary key", c.schema.Name)
	}

	value, zero := pk.ValueOf(context.Background(), c.row)
	if zero {
		return variant.Unit{}, fmt.Errorf("%s has no primary key value", c.schema.Name)
	}

	return variant.Unit{
		Model:        c.schema.Name,
		Table:        c.schema.Table,
		PrimaryKey:   pk.DBName,
		PrimaryValue: value,
		Column:       col.Name,
		Multiple:     col.Multiple,
		Options:      c.options(col),
		Filter:       filter,
	}, nil
}
