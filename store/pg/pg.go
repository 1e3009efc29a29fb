// Package pg is the optional Postgres directory backend named in
// SPEC_FULL.md's domain stack: deployments that already run their
// principal/mailbox directory in Postgres point directory.Gateway at
// an Executor here instead of store/db's SQLite pool. Grounded on the
// jackc/pgx/v5 pgxpool usage pattern in the sora reference repo
// (db/append.go), which issues ordinal-placeholder queries directly
// against a pooled connection.
package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor implements directory.SQLExecutor (and the equivalent shape
// auth/queue need) against a Postgres pool. Query text uses ordinal
// placeholders ($1, $2, ...) natively, so no rewriting is needed here
// the way store/db.Executor rewrites them for crawshaw.io/sqlite.
type Executor struct {
	Pool *pgxpool.Pool
}

// Open connects to dsn and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*Executor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Executor{Pool: pool}, nil
}

func (e *Executor) Close() { e.Pool.Close() }

func (e *Executor) FetchString(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	var value string
	err := e.Pool.QueryRow(ctx, query, args...).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (e *Executor) FetchID(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	var value int64
	err := e.Pool.QueryRow(ctx, query, args...).Scan(&value)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (e *Executor) FetchIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := e.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (e *Executor) FetchStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := e.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (e *Executor) Execute(ctx context.Context, query string, args ...interface{}) error {
	_, err := e.Pool.Exec(ctx, query, args...)
	return err
}
