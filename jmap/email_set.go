package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"github.com/google/uuid"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/changelog"
)

// EmailCreate is one Email/set create request: a property tree the
// server composes into an RFC 5322 message, the inline-compose
// counterpart to Email/import's "file an already-uploaded blob" path
// (DESIGN.md: "Email/set create would reuse withChanges exactly as
// Email/import now does, swapping the blob-threading step for
// building the MIME body from request properties").
type EmailCreate struct {
	MailboxIDs []int64
	Keywords   []string
	From       string
	To         []string
	Subject    string
	TextBody   string
}

// EmailCreateResult is one Email/set create response entry.
type EmailCreateResult struct {
	DocumentID int64
	ThreadID   int64
	BlobID     string
}

// EmailKeywordPatch is a JMAP "keywords/$kw" style patch: true adds the
// keyword, false removes it.
type EmailKeywordPatch map[string]bool

// EmailUpdate is one Email/set update request. A nil MailboxIDs means
// "no mailbox change"; a nil Keywords means "no keyword change".
type EmailUpdate struct {
	MailboxIDs *[]int64
	Keywords   EmailKeywordPatch
}

// EmailSetArgs is the Email/set request body.
type EmailSetArgs struct {
	AccountID  int64
	IfInState  string
	Create     map[string]EmailCreate
	Update     map[int64]EmailUpdate
	DestroyIDs []int64
}

// EmailSetResult reports per-item outcomes, mirroring MailboxSetResult's
// independence-per-item contract (spec §4.5).
type EmailSetResult struct {
	Created      map[string]EmailCreateResult
	Updated      []int64
	Destroyed    []int64
	NotCreated   map[string]*Error
	NotUpdated   map[int64]*Error
	NotDestroyed map[int64]*Error
	OldState     string
	NewState     string
}

// EmailSet implements Email/set's create and update actions (destroy
// delegates to the existing EmailDestroy, which already implements
// the union-of-RemoveItems rule).
func (s *Server) EmailSet(ctx context.Context, sess Session, args EmailSetArgs) (*EmailSetResult, error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	oldState, err := changelog.CurrentState(conn, args.AccountID)
	s.Pool.Put(conn)
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	if args.IfInState != "" && args.IfInState != StateToken(oldState) {
		return nil, StateMismatch("Email ifInState does not match")
	}

	res := &EmailSetResult{
		Created:      map[string]EmailCreateResult{},
		NotCreated:   map[string]*Error{},
		NotUpdated:   map[int64]*Error{},
		NotDestroyed: map[int64]*Error{},
		OldState:     StateToken(oldState),
	}

	changeID, err := s.withChanges(ctx, args.AccountID, func(conn *sqlite.Conn, b *changelog.Builder) error {
		for createID, c := range args.Create {
			if err := s.createEmail(conn, sess, args.AccountID, b, createID, c, res); err != nil {
				return err
			}
		}
		for docID, upd := range args.Update {
			if err := s.updateEmail(conn, sess, args.AccountID, b, docID, upd, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	if changeID == 0 {
		res.NewState = res.OldState
	} else {
		res.NewState = StateToken(changeID)
	}
	if len(args.DestroyIDs) > 0 {
		dres, err := s.EmailDestroy(ctx, sess, args.AccountID, args.DestroyIDs)
		if err != nil {
			return nil, err
		}
		res.Destroyed = dres.Destroyed
		res.NotDestroyed = dres.NotDestroyed
		if len(dres.Destroyed) > 0 {
			res.NewState = dres.NewState
		}
	}
	return res, nil
}

func (s *Server) createEmail(conn *sqlite.Conn, sess Session, accountID int64, b *changelog.Builder, createID string, c EmailCreate, res *EmailSetResult) error {
	for _, mailboxID := range c.MailboxIDs {
		rights, err := acl.EffectiveRights(conn, accountID, mailboxID, sess.Token.PrincipalIDs())
		if err != nil {
			return err
		}
		if !rights.Has(acl.AddItems) {
			res.NotCreated[createID] = Forbidden("missing AddItems on one or more target mailboxes")
			return nil
		}
	}

	raw, err := buildRFC822(c)
	if err != nil {
		res.NotCreated[createID] = InvalidArguments(err.Error())
		return nil
	}

	nextStmt := conn.Prep(`SELECT COALESCE(MAX(DocumentID), 0) + 1 FROM Emails WHERE AccountID = $accountID;`)
	nextStmt.SetInt64("$accountID", accountID)
	hasRow, err := nextStmt.Step()
	if err != nil {
		return err
	}
	var docID int64 = 1
	if hasRow {
		docID = nextStmt.ColumnInt64(0)
	}
	nextStmt.Reset()
	threadID := docID

	kwJSON, _ := json.Marshal(c.Keywords)
	ins := conn.Prep(`INSERT INTO Emails (AccountID, DocumentID, ThreadID, Keywords) VALUES ($accountID, $documentID, $threadID, $keywords);`)
	ins.SetInt64("$accountID", accountID)
	ins.SetInt64("$documentID", docID)
	ins.SetInt64("$threadID", threadID)
	ins.SetText("$keywords", string(kwJSON))
	if _, err := ins.Step(); err != nil {
		return err
	}

	blobStmt := conn.Prep(`INSERT INTO Blobs (AccountID, Collection, DocumentID, Content) VALUES ($accountID, 0, $documentID, $content);`)
	blobStmt.SetInt64("$accountID", accountID)
	blobStmt.SetInt64("$documentID", docID)
	blobStmt.SetBytes("$content", raw)
	if _, err := blobStmt.Step(); err != nil {
		return err
	}

	for _, mailboxID := range c.MailboxIDs {
		link := conn.Prep(`INSERT INTO EmailMailboxes (AccountID, DocumentID, MailboxID) VALUES ($accountID, $documentID, $mailboxID);`)
		link.SetInt64("$accountID", accountID)
		link.SetInt64("$documentID", docID)
		link.SetInt64("$mailboxID", mailboxID)
		if _, err := link.Step(); err != nil {
			return err
		}
	}

	b.Append(changelog.CollectionEmail, changelog.Created, docID)
	res.Created[createID] = EmailCreateResult{
		DocumentID: docID,
		ThreadID:   threadID,
		BlobID:     blob.Format(blob.ID{Kind: blob.LinkedMaildir, AccountID: accountID, DocumentID: docID}),
	}
	return nil
}

func (s *Server) updateEmail(conn *sqlite.Conn, sess Session, accountID int64, b *changelog.Builder, docID int64, upd EmailUpdate, res *EmailSetResult) error {
	curMailboxIDs, err := emailMailboxIDs(conn, accountID, docID)
	if err != nil {
		return err
	}
	if curMailboxIDs == nil {
		res.NotUpdated[docID] = NotFound("no such email")
		return nil
	}

	if upd.Keywords != nil {
		ok, err := acl.CanModifyAny(conn, accountID, curMailboxIDs, sess.Token.PrincipalIDs())
		if err != nil {
			return err
		}
		if !ok {
			res.NotUpdated[docID] = Forbidden("missing ModifyItems on any current mailbox")
			return nil
		}
		if err := applyKeywordPatch(conn, accountID, docID, upd.Keywords); err != nil {
			return err
		}
	}

	if upd.MailboxIDs != nil {
		newSet := *upd.MailboxIDs
		ok, err := acl.CanDestroyAll(conn, accountID, curMailboxIDs, sess.Token.PrincipalIDs())
		if err != nil {
			return err
		}
		if !ok {
			res.NotUpdated[docID] = Forbidden("missing RemoveItems on one or more current mailboxes")
			return nil
		}
		for _, mid := range newSet {
			rights, err := acl.EffectiveRights(conn, accountID, mid, sess.Token.PrincipalIDs())
			if err != nil {
				return err
			}
			if !rights.Has(acl.AddItems) {
				res.NotUpdated[docID] = Forbidden("missing AddItems on one or more target mailboxes")
				return nil
			}
		}
		del := conn.Prep(`DELETE FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
		del.SetInt64("$accountID", accountID)
		del.SetInt64("$documentID", docID)
		if _, err := del.Step(); err != nil {
			return err
		}
		for _, mid := range newSet {
			ins := conn.Prep(`INSERT INTO EmailMailboxes (AccountID, DocumentID, MailboxID) VALUES ($accountID, $documentID, $mailboxID);`)
			ins.SetInt64("$accountID", accountID)
			ins.SetInt64("$documentID", docID)
			ins.SetInt64("$mailboxID", mid)
			if _, err := ins.Step(); err != nil {
				return err
			}
		}
	}

	res.Updated = append(res.Updated, docID)
	b.Append(changelog.CollectionEmail, changelog.Updated, docID)
	return nil
}

func emailMailboxIDs(conn *sqlite.Conn, accountID, docID int64) ([]int64, error) {
	chk := conn.Prep(`SELECT 1 FROM Emails WHERE AccountID = $accountID AND DocumentID = $documentID AND Destroyed = FALSE;`)
	chk.SetInt64("$accountID", accountID)
	chk.SetInt64("$documentID", docID)
	hasRow, err := chk.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}

	stmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$documentID", docID)
	var out []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, stmt.GetInt64("MailboxID"))
	}
	if out == nil {
		out = []int64{}
	}
	return out, nil
}

func applyKeywordPatch(conn *sqlite.Conn, accountID, docID int64, patch EmailKeywordPatch) error {
	stmt := conn.Prep(`SELECT Keywords FROM Emails WHERE AccountID = $accountID AND DocumentID = $documentID;`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$documentID", docID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	var keywords []string
	if hasRow {
		_ = json.Unmarshal([]byte(stmt.GetText("Keywords")), &keywords)
	}

	set := map[string]bool{}
	for _, kw := range keywords {
		set[kw] = true
	}
	for kw, add := range patch {
		if add {
			set[kw] = true
		} else {
			delete(set, kw)
		}
	}
	out := make([]string, 0, len(set))
	for kw := range set {
		out = append(out, kw)
	}
	kwJSON, _ := json.Marshal(out)

	upd := conn.Prep(`UPDATE Emails SET Keywords = $keywords WHERE AccountID = $accountID AND DocumentID = $documentID;`)
	upd.SetInt64("$accountID", accountID)
	upd.SetInt64("$documentID", docID)
	upd.SetText("$keywords", string(kwJSON))
	_, err = upd.Step()
	return err
}

// buildRFC822 composes a minimal single-part RFC 5322 message from an
// EmailCreate's property tree (mime.QEncoding for the Subject,
// hand-written header lines, a uuid Message-Id) in the same write-only,
// one-shot style queue/dsn.Build uses rather than emersion/go-message's
// entity-tree writer (DESIGN.md: "the DSN builder is write-only,
// one-shot" applies identically here — a composed-from-properties
// message is never re-parsed by the component that built it).
func buildRFC822(c EmailCreate) ([]byte, error) {
	if len(c.To) == 0 {
		return nil, fmt.Errorf("email/set create: at least one recipient required")
	}
	var buf bytes.Buffer
	writeHeader := func(key, val string) {
		if val != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, val)
		}
	}
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-Id", fmt.Sprintf("<%s@local>", uuid.New().String()))
	writeHeader("From", c.From)
	writeHeader("To", strings.Join(c.To, ", "))
	if c.Subject != "" {
		writeHeader("Subject", mime.QEncoding.Encode("utf-8", c.Subject))
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(c.TextBody, "\n", "\r\n"))
	return buf.Bytes(), nil
}
