package jmap

import (
	"context"
	"encoding/json"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/changelog"
)

// MailboxQueryArgs is the Mailbox/query request body: a minimal
// FilterCondition (spec's data model names ParentID and Role as the
// mailbox-level properties a client filters by) plus sort-by-name.
type MailboxQueryArgs struct {
	AccountID  int64
	ParentID   *int64 // nil means "don't filter by parent"
	HasAnyRole bool   // true restricts results to mailboxes with a non-empty Role
	SortByName bool   // false sorts by SortOrder, then Name
}

// MailboxQuery implements Mailbox/query: ids of every non-destroyed
// mailbox in args.AccountID visible to sess's principal (Read right)
// that matches the filter, ordered per args.SortByName.
func (s *Server) MailboxQuery(ctx context.Context, sess Session, args MailboxQueryArgs) (ids []int64, state string, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, "", ctx.Err()
	}
	defer s.Pool.Put(conn)

	query := `SELECT MailboxID, Name, COALESCE(ParentID, 0) AS ParentID, COALESCE(Role, '') AS Role
		FROM Mailboxes WHERE AccountID = $accountID AND Destroyed = FALSE`
	if args.ParentID != nil {
		query += ` AND COALESCE(ParentID, 0) = $parentID`
	}
	if args.HasAnyRole {
		query += ` AND COALESCE(Role, '') != ''`
	}
	if args.SortByName {
		query += ` ORDER BY Name ASC`
	} else {
		query += ` ORDER BY SortOrder ASC, Name ASC`
	}

	stmt := conn.Prep(query)
	stmt.SetInt64("$accountID", args.AccountID)
	if args.ParentID != nil {
		stmt.SetInt64("$parentID", *args.ParentID)
	}

	for {
		hasRow, stepErr := stmt.Step()
		if stepErr != nil {
			return nil, "", ServerPartialFail(stepErr.Error())
		}
		if !hasRow {
			break
		}
		id := stmt.GetInt64("MailboxID")
		rights, rErr := acl.EffectiveRights(conn, args.AccountID, id, sess.Token.PrincipalIDs())
		if rErr != nil {
			return nil, "", ServerPartialFail(rErr.Error())
		}
		if !rights.Has(acl.Read) {
			continue
		}
		ids = append(ids, id)
	}

	changeID, csErr := changelog.CurrentState(conn, args.AccountID)
	if csErr != nil {
		return nil, "", ServerPartialFail(csErr.Error())
	}
	return ids, StateToken(changeID), nil
}

// EmailQueryArgs is the Email/query request body: filter by containing
// mailbox and/or presence/absence of a keyword, newest-first by
// DocumentID (the server assigns DocumentIDs in arrival order, so this
// is equivalent to sorting by receivedAt without a separate column).
type EmailQueryArgs struct {
	AccountID   int64
	InMailboxID *int64
	HasKeyword  string
	NotKeyword  string
	Ascending   bool
}

// EmailQuery implements Email/query: ids of every non-destroyed email
// in args.AccountID visible through at least one mailbox the caller
// can ReadItems on (spec §4.5's "union for read visibility"), matching
// the filter.
func (s *Server) EmailQuery(ctx context.Context, sess Session, args EmailQueryArgs) (ids []int64, state string, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, "", ctx.Err()
	}
	defer s.Pool.Put(conn)

	query := `SELECT DISTINCT e.DocumentID, e.Keywords FROM Emails e`
	if args.InMailboxID != nil {
		query += ` JOIN EmailMailboxes m ON m.AccountID = e.AccountID AND m.DocumentID = e.DocumentID AND m.MailboxID = $mailboxID`
	}
	query += ` WHERE e.AccountID = $accountID AND e.Destroyed = FALSE`
	if args.Ascending {
		query += ` ORDER BY e.DocumentID ASC`
	} else {
		query += ` ORDER BY e.DocumentID DESC`
	}

	stmt := conn.Prep(query)
	stmt.SetInt64("$accountID", args.AccountID)
	if args.InMailboxID != nil {
		stmt.SetInt64("$mailboxID", *args.InMailboxID)
	}

	for {
		hasRow, stepErr := stmt.Step()
		if stepErr != nil {
			return nil, "", ServerPartialFail(stepErr.Error())
		}
		if !hasRow {
			break
		}
		docID := stmt.GetInt64("DocumentID")
		if args.HasKeyword != "" && !hasKeywordJSON(stmt.GetText("Keywords"), args.HasKeyword) {
			continue
		}
		if args.NotKeyword != "" && hasKeywordJSON(stmt.GetText("Keywords"), args.NotKeyword) {
			continue
		}

		mboxStmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
		mboxStmt.SetInt64("$accountID", args.AccountID)
		mboxStmt.SetInt64("$documentID", docID)
		var mailboxIDs []int64
		for {
			hasRow, mErr := mboxStmt.Step()
			if mErr != nil {
				return nil, "", ServerPartialFail(mErr.Error())
			}
			if !hasRow {
				break
			}
			mailboxIDs = append(mailboxIDs, mboxStmt.GetInt64("MailboxID"))
		}
		canRead, cErr := acl.CanReadAny(conn, args.AccountID, mailboxIDs, sess.Token.PrincipalIDs())
		if cErr != nil {
			return nil, "", ServerPartialFail(cErr.Error())
		}
		if !canRead {
			continue
		}
		ids = append(ids, docID)
	}

	changeID, csErr := changelog.CurrentState(conn, args.AccountID)
	if csErr != nil {
		return nil, "", ServerPartialFail(csErr.Error())
	}
	return ids, StateToken(changeID), nil
}

func hasKeywordJSON(keywordsJSON, kw string) bool {
	var keywords []string
	if err := json.Unmarshal([]byte(keywordsJSON), &keywords); err != nil {
		return false
	}
	for _, k := range keywords {
		if k == kw {
			return true
		}
	}
	return false
}
