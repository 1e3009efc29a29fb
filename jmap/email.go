package jmap

import (
	"context"
	"encoding/json"

	"crawshaw.io/sqlite"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/changelog"
)

// EmailID packs (thread_id, document_id) into one 64-bit value per
// spec §3 ("id encodes (thread_id, document_id) as a 64-bit value so
// that clients can recover thread membership without a lookup").
func EmailID(threadID, documentID int64) int64 {
	return (threadID << 32) | (documentID & 0xffffffff)
}

func SplitEmailID(id int64) (threadID, documentID int64) {
	return id >> 32, id & 0xffffffff
}

// EmailRecord is one Email/get response entry.
type EmailRecord struct {
	DocumentID int64
	ThreadID   int64
	MailboxIDs []int64
	Keywords   []string
	BlobID     string
}

// EmailGetArgs is the Email/get request body.
type EmailGetArgs struct {
	AccountID   int64
	DocumentIDs []int64
}

// Get implements Email/get, filtering to emails visible through at
// least one mailbox the caller can ReadItems on (spec §4.5: "union for
// read visibility").
func (s *Server) EmailGet(ctx context.Context, sess Session, args EmailGetArgs) (records []EmailRecord, notFound []int64, state string, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, nil, "", ctx.Err()
	}
	defer s.Pool.Put(conn)

	for _, docID := range args.DocumentIDs {
		stmt := conn.Prep(`SELECT ThreadID, Keywords FROM Emails WHERE AccountID = $accountID AND DocumentID = $documentID AND Destroyed = FALSE;`)
		stmt.SetInt64("$accountID", args.AccountID)
		stmt.SetInt64("$documentID", docID)
		hasRow, stepErr := stmt.Step()
		if stepErr != nil {
			return nil, nil, "", ServerPartialFail(stepErr.Error())
		}
		if !hasRow {
			notFound = append(notFound, docID)
			continue
		}
		threadID := stmt.GetInt64("ThreadID")
		var keywords []string
		_ = json.Unmarshal([]byte(stmt.GetText("Keywords")), &keywords)

		mboxStmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
		mboxStmt.SetInt64("$accountID", args.AccountID)
		mboxStmt.SetInt64("$documentID", docID)
		var mailboxIDs []int64
		for {
			hasRow, stepErr := mboxStmt.Step()
			if stepErr != nil {
				return nil, nil, "", ServerPartialFail(stepErr.Error())
			}
			if !hasRow {
				break
			}
			mailboxIDs = append(mailboxIDs, mboxStmt.GetInt64("MailboxID"))
		}

		canRead, cErr := acl.CanReadAny(conn, args.AccountID, mailboxIDs, sess.Token.PrincipalIDs())
		if cErr != nil {
			return nil, nil, "", ServerPartialFail(cErr.Error())
		}
		if !canRead {
			notFound = append(notFound, docID)
			continue
		}

		blobID := blob.Format(blob.ID{Kind: blob.LinkedMaildir, AccountID: args.AccountID, DocumentID: docID})
		records = append(records, EmailRecord{
			DocumentID: docID,
			ThreadID:   threadID,
			MailboxIDs: mailboxIDs,
			Keywords:   keywords,
			BlobID:     blobID,
		})
	}

	changeID, csErr := changelog.CurrentState(conn, args.AccountID)
	if csErr != nil {
		return nil, nil, "", ServerPartialFail(csErr.Error())
	}
	return records, notFound, StateToken(changeID), nil
}

// EmailChanges implements Email/changes: every ChangeLog record for
// the Email collection since sinceState.
func (s *Server) EmailChanges(ctx context.Context, accountID int64, sinceState string) ([]changelog.Change, string, error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, "", ctx.Err()
	}
	defer s.Pool.Put(conn)

	since := parseState(sinceState)
	all, err := changelog.Since(conn, accountID, since)
	if err != nil {
		return nil, "", ServerPartialFail(err.Error())
	}
	var out []changelog.Change
	for _, c := range all {
		if c.Collection == changelog.CollectionEmail {
			out = append(out, c)
		}
	}
	current, err := changelog.CurrentState(conn, accountID)
	if err != nil {
		return nil, "", ServerPartialFail(err.Error())
	}
	return out, StateToken(current), nil
}

func parseState(s string) int64 {
	var v int64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		v = v*10 + int64(ch-'0')
	}
	return v
}

// EmailDestroyResult mirrors MailboxSetResult's per-item independence.
type EmailDestroyResult struct {
	Destroyed    []int64
	NotDestroyed map[int64]*Error
	NewState     string
}

// Destroy implements the destroy half of Email/set: requires
// RemoveItems on every mailbox the email currently belongs to (spec
// §4.5: "union of rights across mailboxes ... for destroy").
func (s *Server) EmailDestroy(ctx context.Context, sess Session, accountID int64, documentIDs []int64) (*EmailDestroyResult, error) {
	res := &EmailDestroyResult{NotDestroyed: map[int64]*Error{}}
	changeID, err := s.withChanges(ctx, accountID, func(conn *sqlite.Conn, b *changelog.Builder) error {
		for _, docID := range documentIDs {
			stmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
			stmt.SetInt64("$accountID", accountID)
			stmt.SetInt64("$documentID", docID)
			var mailboxIDs []int64
			for {
				hasRow, err := stmt.Step()
				if err != nil {
					return err
				}
				if !hasRow {
					break
				}
				mailboxIDs = append(mailboxIDs, stmt.GetInt64("MailboxID"))
			}
			ok, cErr := acl.CanDestroyAll(conn, accountID, mailboxIDs, sess.Token.PrincipalIDs())
			if cErr != nil {
				return cErr
			}
			if !ok {
				res.NotDestroyed[docID] = Forbidden("missing RemoveItems on one or more mailboxes")
				continue
			}
			upd := conn.Prep(`UPDATE Emails SET Destroyed = TRUE WHERE AccountID = $accountID AND DocumentID = $documentID;`)
			upd.SetInt64("$accountID", accountID)
			upd.SetInt64("$documentID", docID)
			if _, err := upd.Step(); err != nil {
				return err
			}
			res.Destroyed = append(res.Destroyed, docID)
			b.Append(changelog.CollectionEmail, changelog.Destroyed, docID)
		}
		return nil
	})
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	res.NewState = StateToken(changeID)
	return res, nil
}

// Copy implements Email/copy: copying docID from fromAccountID's
// mailbox srcMailboxID into destAccountID's mailbox destMailboxID
// requires ReadItems on the source mailbox and AddItems on the
// destination (spec §4.5).
func (s *Server) EmailCopy(ctx context.Context, sess Session, fromAccountID, srcMailboxID, docID, destAccountID, destMailboxID int64) (newDocID int64, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.Pool.Put(conn)

	srcRights, err := acl.EffectiveRights(conn, fromAccountID, srcMailboxID, sess.Token.PrincipalIDs())
	if err != nil {
		return 0, ServerPartialFail(err.Error())
	}
	if !srcRights.Has(acl.ReadItems) {
		return 0, Forbidden("missing ReadItems on source mailbox")
	}
	destRights, err := acl.EffectiveRights(conn, destAccountID, destMailboxID, sess.Token.PrincipalIDs())
	if err != nil {
		return 0, ServerPartialFail(err.Error())
	}
	if !destRights.Has(acl.AddItems) {
		return 0, Forbidden("missing AddItems on destination mailbox")
	}

	nextStmt := conn.Prep(`SELECT COALESCE(MAX(DocumentID), 0) + 1 FROM Emails WHERE AccountID = $accountID;`)
	nextStmt.SetInt64("$accountID", destAccountID)
	hasRow, stepErr := nextStmt.Step()
	if stepErr != nil {
		return 0, ServerPartialFail(stepErr.Error())
	}
	var nextID int64 = 1
	if hasRow {
		nextID = nextStmt.ColumnInt64(0)
	}
	nextStmt.Reset()

	ins := conn.Prep(`INSERT INTO Emails (AccountID, DocumentID, ThreadID, Keywords) VALUES ($accountID, $documentID, $documentID, '[]');`)
	ins.SetInt64("$accountID", destAccountID)
	ins.SetInt64("$documentID", nextID)
	if _, err := ins.Step(); err != nil {
		return 0, ServerPartialFail(err.Error())
	}
	link := conn.Prep(`INSERT INTO EmailMailboxes (AccountID, DocumentID, MailboxID) VALUES ($accountID, $documentID, $mailboxID);`)
	link.SetInt64("$accountID", destAccountID)
	link.SetInt64("$documentID", nextID)
	link.SetInt64("$mailboxID", destMailboxID)
	if _, err := link.Step(); err != nil {
		return 0, ServerPartialFail(err.Error())
	}

	b := changelog.Begin(destAccountID)
	b.Append(changelog.CollectionEmail, changelog.Created, nextID)
	if _, err := changelog.Commit(conn, b); err != nil {
		return 0, ServerPartialFail(err.Error())
	}
	return nextID, nil
}
