package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRunner scopes work in a PostgreSQL transaction. Nested scopes use
// savepoints via pgx.Tx.Begin.
type PgRunner struct {
	pool *pgxpool.Pool
}

// NewPgRunner creates a runner over pool.
func NewPgRunner(pool *pgxpool.Pool) *PgRunner {
	return &PgRunner{pool: pool}
}

func (r *PgRunner) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	parent := current(ctx)

	var (
		tx  pgx.Tx
		err error
	)
	if outer := enclosingTx(parent); outer != nil {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("txn: begin: %w", err)
	}

	s := &scope{parent: parent, tx: tx}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				slog.Error("txn rollback failed", "err", err)
			}
			s.rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, scopeKey{}, s)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	committed = true
	runHooks(s.finish())
	return nil
}

func enclosingTx(s *scope) pgx.Tx {
	for ; s != nil; s = s.parent {
		if s.tx != nil {
			return s.tx
		}
	}
	return nil
}

// Conn returns the transaction carried by ctx, or pool when there is none.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := enclosingTx(current(ctx)); tx != nil {
		return tx
	}
	return pool
}
