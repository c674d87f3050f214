// Package dbtx defines the minimal interface stores need over Postgres, so
// a store can run against a pool or an open transaction uniformly.
package dbtx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is satisfied by *pgxpool.Pool; stores that need a transaction
// accept a Beginner rather than DBTX directly.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
