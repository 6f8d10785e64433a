package record

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"bitwise74/attachments/internal/attachment"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const coordinatorsKey = "attachments:coordinators"

func (s *Service) Name() string {
	return "attachments"
}

// Initialize registers the lifecycle callbacks. Saves write new files before
// the row is stored, the settle callbacks run once the statement's
// transaction has resolved.
func (s *Service) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	steps := []struct {
		name string
		err  error
	}{
		{"before_create", cb.Create().After("gorm:before_create").Before("gorm:create").Register("attachments:before_create", s.beforeCreate)},
		{"before_update", cb.Update().After("gorm:before_update").Before("gorm:update").Register("attachments:before_update", s.beforeUpdate)},
		{"before_delete", cb.Delete().After("gorm:before_delete").Before("gorm:delete").Register("attachments:before_delete", s.beforeDelete)},
		{"settle_create", cb.Create().After("gorm:commit_or_rollback_transaction").Register("attachments:settle_create", s.settle)},
		{"settle_update", cb.Update().After("gorm:commit_or_rollback_transaction").Register("attachments:settle_update", s.settle)},
		{"settle_delete", cb.Delete().After("gorm:commit_or_rollback_transaction").Register("attachments:settle_delete", s.settle)},
		{"after_query", cb.Query().After("gorm:after_query").Register("attachments:after_query", s.afterQuery)},
	}

	for _, st := range steps {
		if st.err != nil {
			return fmt.Errorf("failed to register %s callback, %w", st.name, st.err)
		}
	}
	return nil
}

func (s *Service) tracked(db *gorm.DB) (*Model, bool) {
	if db.Error != nil || db.Statement.Schema == nil || db.Statement.SkipHooks {
		return nil, false
	}
	return s.registry.lookup(db.Statement.Schema.ModelType)
}

func rowsOf(model *Model, v reflect.Value) []reflect.Value {
	var rows []reflect.Value

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			e := reflect.Indirect(v.Index(i))
			if e.IsValid() && e.Type() == model.Type && e.CanAddr() {
				rows = append(rows, e)
			}
		}
	case reflect.Struct:
		if v.Type() == model.Type && v.CanAddr() {
			rows = append(rows, v)
		}
	}
	return rows
}

func (s *Service) beforeCreate(db *gorm.DB) {
	s.beforeSave(db, false)
}

func (s *Service) beforeUpdate(db *gorm.DB) {
	s.beforeSave(db, true)
}

func (s *Service) beforeSave(db *gorm.DB, update bool) {
	model, ok := s.tracked(db)
	if !ok {
		return
	}

	values, mapKeys, err := partialValues(db, model)
	if err != nil {
		db.AddError(err)
		return
	}

	var coords []*Coordinator
	defer func() {
		db.InstanceSet(coordinatorsKey, coords)
	}()

	for _, row := range rowsOf(model, db.Statement.ReflectValue) {
		c := s.newCoordinator(model, db.Statement.Schema, row)
		c.values = values
		coords = append(coords, c)

		if update {
			if err := c.loadStored(db); err != nil {
				db.AddError(err)
				return
			}
		} else {
			c.state.reset()
			c.known = true
		}

		c.Detach()
		if err := c.Persist(db.Statement.Context); err != nil {
			db.AddError(err)
			return
		}
	}

	if mapKeys != nil {
		if err := rewriteMap(db, model, values, mapKeys, coords); err != nil {
			db.AddError(err)
		}
	}
}

// partialValues returns the attachment columns an update with a map or a
// different struct as destination touches. Full row saves return nil.
func partialValues(db *gorm.DB, model *Model) (map[string][]*attachment.Attachment, map[string]string, error) {
	stmt := db.Statement
	if stmt.Dest == nil || samePointer(stmt.Dest, stmt.Model) {
		return nil, nil, nil
	}

	values := make(map[string][]*attachment.Attachment)

	if dest, ok := stmt.Dest.(map[string]any); ok {
		keys := make(map[string]string)
		for k, v := range dest {
			f := stmt.Schema.LookUpField(k)
			if f == nil {
				continue
			}
			col, ok := model.column(f.DBName)
			if !ok {
				continue
			}

			list, ok := asList(v)
			if !ok {
				continue
			}
			values[col.Name] = list
			keys[col.Name] = k
		}
		return values, keys, nil
	}

	dv := reflect.Indirect(reflect.ValueOf(stmt.Dest))
	if dv.Kind() != reflect.Struct || dv.Type() != model.Type {
		return nil, nil, nil
	}

	selected, restricted := stmt.SelectAndOmitColumns(false, true)
	for _, col := range model.Columns {
		fv := stmt.Schema.LookUpField(col.field).ReflectValueOf(stmt.Context, dv)
		if sel, ok := selected[col.Name]; (ok && sel) || (!ok && !restricted && !fv.IsZero()) {
			list, _ := asList(fv.Interface())
			values[col.Name] = list
		}
	}
	return values, nil, nil
}

func samePointer(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	return va.Kind() == reflect.Ptr && vb.Kind() == reflect.Ptr && va.Pointer() == vb.Pointer()
}

func asList(v any) ([]*attachment.Attachment, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case *attachment.Attachment:
		if t == nil {
			return nil, true
		}
		return []*attachment.Attachment{t}, true
	case []*attachment.Attachment:
		var list []*attachment.Attachment
		for _, a := range t {
			if a != nil {
				list = append(list, a)
			}
		}
		return list, true
	}
	return nil, false
}

// rewriteMap replaces attachment values of a map update with their stored
// JSON, map updates don't go through the column serializer. The rows get the
// new values assigned.
func rewriteMap(db *gorm.DB, model *Model, values map[string][]*attachment.Attachment, keys map[string]string, coords []*Coordinator) error {
	dest := db.Statement.Dest.(map[string]any)

	for name, key := range keys {
		col, _ := model.column(name)
		list := values[name]

		encoded, err := encodeColumn(col, list)
		if err != nil {
			return err
		}
		dest[key] = clause.Expr{SQL: "?", Vars: []any{encoded}}

		for _, c := range coords {
			c.set(col, list)
		}
	}
	return nil
}

func encodeColumn(col Column, list []*attachment.Attachment) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}

	var v any = list
	if !col.Multiple {
		v = list[0]
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s, %w", col.Name, err)
	}
	return string(data), nil
}

func (s *Service) beforeDelete(db *gorm.DB) {
	model, ok := s.tracked(db)
	if !ok {
		return
	}
	if len(db.Statement.Schema.DeleteClauses) > 0 && !db.Statement.Unscoped {
		return
	}

	var coords []*Coordinator
	for _, row := range rowsOf(model, db.Statement.ReflectValue) {
		c := s.newCoordinator(model, db.Statement.Schema, row)
		c.deleting = true
		if err := c.loadStored(db); err != nil {
			db.AddError(err)
			break
		}
		c.DetachAll()
		coords = append(coords, c)
	}
	db.InstanceSet(coordinatorsKey, coords)
}

// settle hands the statement's coordinators to their transaction. A statement
// that opened its own transaction has already committed or rolled back here.
func (s *Service) settle(db *gorm.DB) {
	v, ok := db.InstanceGet(coordinatorsKey)
	if !ok {
		return
	}
	coords, _ := v.([]*Coordinator)
	if len(coords) == 0 {
		return
	}

	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		sc        *scope
		untracked bool
	)
	_, started := db.InstanceGet("gorm:started_transaction")
	if _, inTx := db.Statement.ConnPool.(gorm.TxCommitter); inTx && !started {
		sc = scopeFrom(ctx)
		untracked = sc == nil
	}

	failed := db.Error != nil
	for _, c := range coords {
		if untracked {
			c.Untracked(ctx, failed, !c.deleting)
			continue
		}
		c.Transaction(ctx, sc, failed, !c.deleting)
	}
}

func (s *Service) afterQuery(db *gorm.DB) {
	model, ok := s.tracked(db)
	if !ok {
		return
	}

	for _, row := range rowsOf(model, db.Statement.ReflectValue) {
		c := s.newCoordinator(model, db.Statement.Schema, row)
		c.Snapshot()
		c.decorate(db.Statement.Context)
	}
}

var _ gorm.Plugin = (*Service)(nil)
