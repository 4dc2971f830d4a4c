// Package txn provides the atomic scopes the auction engine runs in. Every
// public call and every settlement step executes inside Runner.Atomic: either
// all of its writes become visible, or none do.
//
// Two runners exist. Journal keeps an undo log for in-memory state and is
// used for development and tests. PgRunner opens a PostgreSQL transaction and
// carries it in the context so every store and ledger call joins it.
package txn

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Runner executes fn atomically. Nested calls behave like savepoints: an
// inner failure undoes only the inner writes, an outer failure undoes both.
type Runner interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

type scopeKey struct{}

// scope is one level of Atomic nesting.
type scope struct {
	parent  *scope
	journal *Journal
	tx      pgx.Tx
	undo    []func()
	commit  []func()
}

func current(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (s *scope) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo, s.commit = nil, nil
}

// finish hands the scope's hooks to its parent. For the outermost scope it
// returns the commit hooks the caller must run.
func (s *scope) finish() []func() {
	if s.parent != nil {
		s.parent.undo = append(s.parent.undo, s.undo...)
		s.parent.commit = append(s.parent.commit, s.commit...)
		return nil
	}
	return s.commit
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// Journal is an in-memory Runner. Writers register compensating closures
// with OnRollback; on failure they run in reverse order. Top-level scopes are
// serialized.
type Journal struct {
	mu sync.Mutex
}

// NewJournal creates an in-memory runner.
func NewJournal() *Journal {
	return &Journal{}
}

// Atomic runs fn inside a new scope. A panic in fn rolls the scope back
// before propagating. Commit hooks run after the journal is released.
func (j *Journal) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	var hooks []func()
	defer func() { runHooks(hooks) }()

	parent := current(ctx)
	if parent == nil || parent.journal != j {
		j.mu.Lock()
		defer j.mu.Unlock()
		parent = nil
	}

	s := &scope{parent: parent, journal: j}
	committed := false
	defer func() {
		if !committed {
			s.rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, scopeKey{}, s)); err != nil {
		return err
	}
	committed = true
	hooks = s.finish()
	return nil
}

// OnRollback registers undo to run if the innermost scope in ctx fails.
// Outside a scope it is a no-op: the write is already final.
func OnRollback(ctx context.Context, undo func()) {
	if s := current(ctx); s != nil {
		s.undo = append(s.undo, undo)
	}
}

// OnCommit registers fn to run once the outermost scope in ctx commits.
// It is dropped if any enclosing scope fails. Outside a scope fn runs now.
func OnCommit(ctx context.Context, fn func()) {
	if s := current(ctx); s != nil {
		s.commit = append(s.commit, fn)
		return
	}
	fn()
}

// Active reports whether ctx carries an open scope.
func Active(ctx context.Context) bool {
	return current(ctx) != nil
}
