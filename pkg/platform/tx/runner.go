package tx

import (
	"context"
	"database/sql"
	"fmt"
)

// Runner executes a function atomically. Services use it for multi-store
// writes that must commit or roll back together.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NopRunner runs the function directly. In-memory stores apply each write
// under their own lock, so there is nothing to coordinate.
type NopRunner struct{}

func (NopRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// SQLRunner opens a database transaction and threads it through context so
// every participating store shares it. Nested calls join the outer
// transaction instead of opening a second one.
type SQLRunner struct {
	db *sql.DB
}

func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db}
}

func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
