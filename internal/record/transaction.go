package record

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type scopeKey struct{}

// scope collects what saves inside a Transaction have to do once the
// transaction resolves.
type scope struct {
	mu         sync.Mutex
	parent     *scope
	onCommit   []func(context.Context)
	onRollback []func(context.Context)
}

func scopeFrom(ctx context.Context) *scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (s *scope) after(commit, rollback func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, commit)
	s.onRollback = append(s.onRollback, rollback)
}

// adopt hands the callbacks of a finished nested scope to its parent, the
// outer transaction decides their fate.
func (s *scope) adopt(child *scope) {
	child.mu.Lock()
	commit, rollback := child.onCommit, child.onRollback
	child.onCommit, child.onRollback = nil, nil
	child.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, commit...)
	s.onRollback = append(s.onRollback, rollback...)
}

func (s *scope) resolve(ctx context.Context, committed bool) {
	s.mu.Lock()
	fns := s.onRollback
	if committed {
		fns = s.onCommit
	}
	s.onCommit, s.onRollback = nil, nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// Transaction runs fn in a database transaction. Attachment changes saved
// through tx are settled when the transaction resolves: detached files are
// deleted and variants scheduled after a commit, written files are removed
// after a rollback. Calls nest through the context of tx.
func Transaction(db *gorm.DB, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}

	s := &scope{parent: scopeFrom(ctx)}
	err := db.WithContext(context.WithValue(ctx, scopeKey{}, s)).Transaction(fn, opts...)

	cleanup := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		s.resolve(cleanup, false)
	case s.parent != nil:
		s.parent.adopt(s)
	default:
		s.resolve(cleanup, true)
	}
	return err
}

// Transaction settles one save or delete of the row. Inside a scope commit
// and rollback wait for the scope to resolve, otherwise they run right away.
// A failed statement is rolled back immediately either way.
func (c *Coordinator) Transaction(ctx context.Context, s *scope, failed, enabledRollback bool) {
	ctx = context.WithoutCancel(ctx)

	rollback := func(ctx context.Context) {
		if enabledRollback {
			c.Rollback(ctx)
		}
	}

	switch {
	case failed:
		rollback(ctx)
	case s != nil:
		s.after(c.afterCommit, rollback)
	default:
		c.afterCommit(ctx)
	}
}

// Untracked settles a statement that ran inside a transaction no scope
// observes. The transaction may still roll back, so detached files are left
// in place instead of being deleted.
func (c *Coordinator) Untracked(ctx context.Context, failed, enabledRollback bool) {
	ctx = context.WithoutCancel(ctx)
	if failed {
		if enabledRollback {
			c.Rollback(ctx)
		}
		return
	}

	if len(c.detached) > 0 {
		kept := make([]string, 0, len(c.detached))
		for _, a := range c.detached {
			kept = append(kept, a.Location())
		}
		zap.L().Warn("Keeping detached attachments, the transaction was not opened with record.Transaction",
			zap.String("model", c.schema.Name),
			zap.Strings("paths", kept))
		c.detached = nil
	}
	c.finish(ctx)
}

func (c *Coordinator) afterCommit(ctx context.Context) {
	// errors are logged by Commit, the row is already stored
	_ = c.Commit(ctx)
	c.finish(ctx)
}

func (c *Coordinator) finish(ctx context.Context) {
	if c.deleting {
		return
	}

	c.attached = nil
	c.Snapshot()
	c.decorate(ctx)
	c.GenerateVariants()
}
