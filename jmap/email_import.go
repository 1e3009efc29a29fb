package jmap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"crawshaw.io/sqlite"
	"github.com/emersion/go-message/textproto"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/changelog"
)

// EmailImportArgs is the Email/import request body: a previously
// uploaded blob to file into one or more mailboxes (spec §4.5's
// "Email/import takes an uploaded blob and a target mailbox set").
type EmailImportArgs struct {
	AccountID  int64
	BlobID     string
	MailboxIDs []int64
	Keywords   []string
}

// EmailImportResult is one Email/import response entry.
type EmailImportResult struct {
	DocumentID int64
	ThreadID   int64
	BlobID     string
	NewState   string
}

// EmailImport implements Email/import: it resolves the blob, threads
// the message against any existing email carrying a Message-Id this
// one's In-Reply-To/References header names, and files it into every
// requested mailbox (requiring AddItems on each, per spec §4.5's
// "union of rights across mailboxes" rule applied to the write side).
func (s *Server) EmailImport(ctx context.Context, sess Session, args EmailImportArgs) (*EmailImportResult, error) {
	blobID, err := blob.Parse(args.BlobID)
	if err != nil {
		return nil, InvalidArguments(err.Error())
	}

	raw, found, err := s.Blobs.Download(ctx, blobID, blob.Token{PrincipalIDs: sess.Token.PrincipalIDs()})
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	if !found {
		return nil, NotFound("blob not found")
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		hdr = textproto.Header{}
	}
	messageID := strings.TrimSpace(hdr.Get("Message-Id"))
	threadRefs := referencedMessageIDs(hdr)

	checkConn := s.Pool.Get(ctx)
	if checkConn == nil {
		return nil, ctx.Err()
	}
	for _, mailboxID := range args.MailboxIDs {
		rights, err := acl.EffectiveRights(checkConn, args.AccountID, mailboxID, sess.Token.PrincipalIDs())
		if err != nil {
			s.Pool.Put(checkConn)
			return nil, ServerPartialFail(err.Error())
		}
		if !rights.Has(acl.AddItems) {
			s.Pool.Put(checkConn)
			return nil, Forbidden("missing AddItems on one or more target mailboxes")
		}
	}
	s.Pool.Put(checkConn)

	var result *EmailImportResult
	changeID, err := s.withChanges(ctx, args.AccountID, func(conn *sqlite.Conn, b *changelog.Builder) error {
		threadID := lookupThreadID(conn, args.AccountID, threadRefs)

		nextStmt := conn.Prep(`SELECT COALESCE(MAX(DocumentID), 0) + 1 FROM Emails WHERE AccountID = $accountID;`)
		nextStmt.SetInt64("$accountID", args.AccountID)
		hasRow, stepErr := nextStmt.Step()
		if stepErr != nil {
			return stepErr
		}
		var docID int64 = 1
		if hasRow {
			docID = nextStmt.ColumnInt64(0)
		}
		nextStmt.Reset()

		if threadID == 0 {
			threadID = docID
		}

		kwJSON, _ := json.Marshal(args.Keywords)
		ins := conn.Prep(`INSERT INTO Emails (AccountID, DocumentID, ThreadID, MessageID, Keywords) VALUES ($accountID, $documentID, $threadID, $messageID, $keywords);`)
		ins.SetInt64("$accountID", args.AccountID)
		ins.SetInt64("$documentID", docID)
		ins.SetInt64("$threadID", threadID)
		ins.SetText("$messageID", messageID)
		ins.SetText("$keywords", string(kwJSON))
		if _, err := ins.Step(); err != nil {
			return err
		}

		blobStmt := conn.Prep(`INSERT INTO Blobs (AccountID, Collection, DocumentID, Content) VALUES ($accountID, 0, $documentID, $content);`)
		blobStmt.SetInt64("$accountID", args.AccountID)
		blobStmt.SetInt64("$documentID", docID)
		blobStmt.SetBytes("$content", raw)
		if _, err := blobStmt.Step(); err != nil {
			return err
		}

		for _, mailboxID := range args.MailboxIDs {
			link := conn.Prep(`INSERT INTO EmailMailboxes (AccountID, DocumentID, MailboxID) VALUES ($accountID, $documentID, $mailboxID);`)
			link.SetInt64("$accountID", args.AccountID)
			link.SetInt64("$documentID", docID)
			link.SetInt64("$mailboxID", mailboxID)
			if _, err := link.Step(); err != nil {
				return err
			}
		}

		b.Append(changelog.CollectionEmail, changelog.Created, docID)
		result = &EmailImportResult{
			DocumentID: docID,
			ThreadID:   threadID,
			BlobID:     blob.Format(blob.ID{Kind: blob.LinkedMaildir, AccountID: args.AccountID, DocumentID: docID}),
		}
		return nil
	})
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	result.NewState = StateToken(changeID)
	return result, nil
}

// referencedMessageIDs extracts the angle-bracket Message-Id tokens a
// new message's In-Reply-To/References headers name, most specific
// (In-Reply-To) first, matching the threading precedence RFC 5322
// §3.6.4 implies.
func referencedMessageIDs(hdr textproto.Header) []string {
	var refs []string
	if v := strings.TrimSpace(hdr.Get("In-Reply-To")); v != "" {
		refs = append(refs, splitMessageIDs(v)...)
	}
	if v := strings.TrimSpace(hdr.Get("References")); v != "" {
		refs = append(refs, splitMessageIDs(v)...)
	}
	return refs
}

func splitMessageIDs(v string) []string {
	var out []string
	for _, f := range strings.Fields(v) {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// lookupThreadID returns the ThreadID of the first existing email in
// accountID whose MessageID matches one of refs, or 0 if none match
// (the caller then starts a new thread).
func lookupThreadID(conn *sqlite.Conn, accountID int64, refs []string) int64 {
	for _, ref := range refs {
		stmt := conn.Prep(`SELECT ThreadID FROM Emails WHERE AccountID = $accountID AND MessageID = $messageID LIMIT 1;`)
		stmt.SetInt64("$accountID", accountID)
		stmt.SetText("$messageID", ref)
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			continue
		}
		if hasRow {
			threadID := stmt.GetInt64("ThreadID")
			stmt.Reset()
			return threadID
		}
		stmt.Reset()
	}
	return 0
}
