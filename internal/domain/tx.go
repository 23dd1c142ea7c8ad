package domain

import (
	"context"
	"database/sql"
)

// Querier is the subset of *sql.DB and *sql.Tx used by repositories.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is an open local transaction. *sql.Tx satisfies it.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// TxManager runs fn in one local transaction. It commits when fn returns nil
// and rolls back on error or panic.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
