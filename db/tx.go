package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AppRole is the database role row-level security policies are written against.
const AppRole = "estateflow_app"

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is implemented by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is the subset of *pgxpool.Pool used by repositories that manage
// their own transactions.
type Pool interface {
	Querier
	TxBeginner
}

// Transactor runs a unit of work atomically. RunAs additionally scopes the
// work to a principal so access policies evaluate against it.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	RunAs(ctx context.Context, principalID string, fn func(ctx context.Context) error) error
}

type txKey struct{}

// Conn returns the transaction carried by ctx, or q when there is none.
func Conn(ctx context.Context, q Querier) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return q
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

// TxManager implements Transactor on top of a pgx pool.
type TxManager struct {
	pool TxBeginner
}

// NewTxManager wires a TxManager to the pool.
func NewTxManager(pool TxBeginner) *TxManager {
	return &TxManager{pool: pool}
}

// RunInTx executes fn inside a transaction injected into ctx. Nested calls
// join the outer transaction.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

// RunAs executes fn in a transaction that has switched to AppRole with
// app.principal_id set, so every statement is filtered by RLS policies.
func (m *TxManager) RunAs(ctx context.Context, principalID string, fn func(ctx context.Context) error) error {
	return m.RunInTx(ctx, func(ctx context.Context) error {
		tx := Conn(ctx, nil)
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{AppRole}.Sanitize()); err != nil {
			return fmt.Errorf("db: set role: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT set_config('app.principal_id', $1, true)`, principalID); err != nil {
			return fmt.Errorf("db: set principal: %w", err)
		}
		return fn(ctx)
	})
}
