package db

import (
	"context"
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Executor adapts a sqlitex.Pool to directory.SQLExecutor. The gateway
// packages write queries with ordinal placeholders ($1, $2, ...) so the
// same query text works against store/pg's pgx driver too; Executor
// rewrites them to crawshaw.io/sqlite's named-parameter form ($p1, $p2)
// before calling conn.Prep, matching spilldb's Set*/Get* binding idiom.
type Executor struct {
	Pool *sqlitex.Pool
}

func (e *Executor) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn := e.Pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer e.Pool.Put(conn)
	return fn(conn)
}

// rewritePlaceholders turns "$1" into "$p1" so ordinal query text from
// the directory/auth/queue packages binds cleanly via stmt.Set*.
func rewritePlaceholders(query string) string {
	out := make([]byte, 0, len(query)+8)
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			out = append(out, '$', 'p')
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func bindArgs(stmt *sqlite.Stmt, args []interface{}) {
	for i, a := range args {
		name := fmt.Sprintf("$p%d", i+1)
		switch v := a.(type) {
		case int64:
			stmt.SetInt64(name, v)
		case int:
			stmt.SetInt64(name, int64(v))
		case string:
			stmt.SetText(name, v)
		case []byte:
			stmt.SetBytes(name, v)
		case bool:
			stmt.SetBool(name, v)
		case nil:
			stmt.SetNull(name)
		default:
			stmt.SetText(name, fmt.Sprintf("%v", v))
		}
	}
}

func (e *Executor) FetchString(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	var value string
	var found bool
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(rewritePlaceholders(query))
		bindArgs(stmt, args)
		defer stmt.Reset()
		hasRow, err := stmt.Step()
		if err != nil {
			return err
		}
		if hasRow {
			value = stmt.ColumnText(0)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (e *Executor) FetchID(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	var value int64
	var found bool
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(rewritePlaceholders(query))
		bindArgs(stmt, args)
		defer stmt.Reset()
		hasRow, err := stmt.Step()
		if err != nil {
			return err
		}
		if hasRow {
			value = stmt.ColumnInt64(0)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (e *Executor) FetchIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	var out []int64
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(rewritePlaceholders(query))
		bindArgs(stmt, args)
		defer stmt.Reset()
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, stmt.ColumnInt64(0))
		}
	})
	return out, err
}

func (e *Executor) FetchStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	var out []string
	err := e.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(rewritePlaceholders(query))
		bindArgs(stmt, args)
		defer stmt.Reset()
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, stmt.ColumnText(0))
		}
	})
	return out, err
}

func (e *Executor) Execute(ctx context.Context, query string, args ...interface{}) error {
	return e.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(rewritePlaceholders(query))
		bindArgs(stmt, args)
		defer stmt.Reset()
		_, err := stmt.Step()
		return err
	})
}
