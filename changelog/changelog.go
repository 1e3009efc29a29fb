// Package changelog implements the per-account change log that backs
// JMAP's delta-sync state tokens (spec §4.4; grounded on
// crates/jmap/src/changes/write.rs). A Builder accumulates typed
// operations in memory; Commit writes them as one atomic record
// alongside the data mutation the caller already applied to conn,
// the same "accumulate then one sqlitex.Save" shape as
// spilldb/processor.processSave.
package changelog

import (
	"crawshaw.io/sqlite"
)

// Collection identifies which JMAP collection a change record refers to.
type Collection int

const (
	CollectionMailbox Collection = iota + 1
	CollectionEmail
	CollectionThread
	CollectionEmailSubmission
)

// Op is the kind of mutation a change record describes.
type Op int

const (
	Created Op = iota
	Updated
	Destroyed
	ChildUpdate
)

// Change is a single append-only record: {change_id, collection, op, document_id}.
type Change struct {
	ChangeID   int64
	Collection Collection
	Op         Op
	DocumentID int64
}

// Builder accumulates changes for one account between Begin and Commit.
// It holds no database id until Commit assigns one, so a caller that
// never calls Commit consumes no change_id (spec invariant).
type Builder struct {
	AccountID int64
	changes   []Change
}

// Begin opens an accumulator for accountID. It does not touch the store;
// the change_id is allocated at Commit time so failed requests never
// burn an id.
func Begin(accountID int64) *Builder {
	return &Builder{AccountID: accountID}
}

// Append records one change in the accumulator.
func (b *Builder) Append(collection Collection, op Op, documentID int64) {
	b.changes = append(b.changes, Change{Collection: collection, Op: op, DocumentID: documentID})
}

// Empty reports whether no changes were appended.
func (b *Builder) Empty() bool { return len(b.changes) == 0 }

// Commit allocates the next change_id for the account and writes every
// accumulated change as part of conn's current transaction, returning the
// change_id that becomes the JMAP state token for the response. Callers
// are expected to already be inside a sqlitex.Save-guarded transaction
// together with their data mutation, so the change log append and the
// entity write commit atomically (spec "atomic write batch").
func Commit(conn *sqlite.Conn, b *Builder) (changeID int64, err error) {
	if b.Empty() {
		return 0, nil
	}

	changeID, err = nextChangeID(conn, b.AccountID)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO ChangeLog (AccountID, ChangeID, Collection, Op, DocumentID)
		VALUES ($accountID, $changeID, $collection, $op, $documentID);`)
	for _, c := range b.changes {
		stmt.Reset()
		stmt.SetInt64("$accountID", b.AccountID)
		stmt.SetInt64("$changeID", changeID)
		stmt.SetInt64("$collection", int64(c.Collection))
		stmt.SetInt64("$op", int64(c.Op))
		stmt.SetInt64("$documentID", c.DocumentID)
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}
	return changeID, nil
}

func nextChangeID(conn *sqlite.Conn, accountID int64) (int64, error) {
	stmt := conn.Prep(`SELECT NextID FROM ChangeCounters WHERE AccountID = $accountID;`)
	stmt.SetInt64("$accountID", accountID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	var next int64 = 1
	if hasRow {
		next = stmt.GetInt64("NextID")
	}
	stmt.Reset()

	if hasRow {
		stmt = conn.Prep(`UPDATE ChangeCounters SET NextID = $next WHERE AccountID = $accountID;`)
	} else {
		stmt = conn.Prep(`INSERT INTO ChangeCounters (AccountID, NextID) VALUES ($accountID, $next);`)
	}
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$next", next+1)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return next, nil
}

// Since returns every change record for accountID with ChangeID > state,
// in increasing order — the JMAP Foo/changes response body.
func Since(conn *sqlite.Conn, accountID int64, state int64) ([]Change, error) {
	stmt := conn.Prep(`SELECT ChangeID, Collection, Op, DocumentID FROM ChangeLog
		WHERE AccountID = $accountID AND ChangeID > $state ORDER BY ChangeID;`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$state", state)
	var out []Change
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, Change{
			ChangeID:   stmt.GetInt64("ChangeID"),
			Collection: Collection(stmt.GetInt64("Collection")),
			Op:         Op(stmt.GetInt64("Op")),
			DocumentID: stmt.GetInt64("DocumentID"),
		})
	}
	return out, nil
}

// CurrentState returns the latest committed change_id for the account,
// i.e. the JMAP state token a Foo/get response should report. 0 if the
// account has never had a change committed.
func CurrentState(conn *sqlite.Conn, accountID int64) (int64, error) {
	stmt := conn.Prep(`SELECT NextID FROM ChangeCounters WHERE AccountID = $accountID;`)
	stmt.SetInt64("$accountID", accountID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, nil
	}
	next := stmt.GetInt64("NextID")
	stmt.Reset()
	return next - 1, nil
}
