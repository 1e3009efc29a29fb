// Package db owns the SQLite-backed store shared by every subsystem:
// principals and mailboxes, email documents and their blob content,
// the per-account change log, and the outbound queue spool. Each
// subsystem package (directory, auth, blob, changelog, acl, queue)
// issues its own prepared statements against the pool returned by
// Open, the same way spilldb's leaf packages did against spilldb/db.
package db

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Open creates (if necessary) and opens the store at dbfile, returning a
// connection pool sized for concurrent JMAP/SMTP handling.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("db.Open: pool: %v", err)
	}
	return pool, nil
}

// Init applies pragmas and the schema to conn. It is idempotent.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys=ON;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// UserError is a user-input error with a message safe to surface to a
// caller (à la spilldb/db's UserError), used by directory/acl/oauth
// validation paths.
type UserError struct {
	UserMsg string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("%s: %v", e.UserMsg, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }
