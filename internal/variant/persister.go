package variant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bitwise74/attachments/internal/attachment"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConflict is returned when the column kept changing under the persister.
var ErrConflict = errors.New("column changed while persisting variants")

const persistAttempts = 3

type gormPersister struct {
	db *gorm.DB
}

// Persist re-reads the column inside its own transaction and copies the
// variants of scope onto the stored attachments with the same path. Values
// replaced by a save during the run are left alone and not returned. Hooks
// are skipped, the row itself didn't change.
func (p *gormPersister) Persist(ctx context.Context, u Unit, scope []*attachment.Attachment) ([]*attachment.Attachment, error) {
	for range persistAttempts {
		kept, err := p.persist(ctx, u, scope)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return kept, err
	}
	return nil, ErrConflict
}

func (p *gormPersister) persist(ctx context.Context, u Unit, scope []*attachment.Attachment) ([]*attachment.Attachment, error) {
	var kept []*attachment.Attachment

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Session(&gorm.Session{SkipHooks: true})

		var raw []byte
		err := tx.Table(u.Table).
			Select(u.Column).
			Where(u.where()).
			Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
			Row().
			Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to reload %s.%s, %w", u.Table, u.Column, err)
		}

		current, err := attachment.DecodeList(raw)
		if err != nil {
			return err
		}
		kept = merge(current, scope)
		if len(kept) == 0 {
			return nil
		}

		value, err := columnValue(u, current)
		if err != nil {
			return err
		}

		res := tx.Table(u.Table).
			Where(u.where()).
			Where(unchanged(u.Column, raw)).
			UpdateColumn(u.Column, value)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// merge copies the variants of every scope entry onto the current entry
// stored under the same path and returns the scope entries that matched.
func merge(current, scope []*attachment.Attachment) []*attachment.Attachment {
	var kept []*attachment.Attachment
	for _, a := range scope {
		for _, c := range current {
			if c.Path() == a.Path() {
				c.Variants = a.Variants
				kept = append(kept, a)
				break
			}
		}
	}
	return kept
}

// unchanged matches the row only while the column still holds raw. Row
// locks cover postgres, the comparison covers sqlite.
func unchanged(column string, raw []byte) clause.Expression {
	var v any
	if raw != nil {
		v = string(raw)
	}
	return clause.Eq{Column: clause.Column{Name: column}, Value: v}
}

// columnValue encodes the column the same way the json serializer does.
func columnValue(u Unit, list []*attachment.Attachment) (any, error) {
	var v any = list
	if !u.Multiple {
		if len(list) == 0 {
			return nil, nil
		}
		v = list[0]
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column, %w", err)
	}
	return string(data), nil
}
