package jmap

import (
	"context"

	"crawshaw.io/sqlite"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/changelog"
)

// MailboxGetArgs is the Mailbox/get request body.
type MailboxGetArgs struct {
	AccountID int64
	IDs       []int64 // nil means "all"
}

// MailboxRecord is one Mailbox/get response entry, including the
// caller's effective rights under "myRights" (spec §6 ACL wire
// values).
type MailboxRecord struct {
	ID        int64
	Name      string
	ParentID  *int64
	Role      string
	SortOrder int64
	MyRights  map[string]bool
}

// Get implements Mailbox/get: returns every requested (or all)
// non-destroyed mailbox in accountID visible to sess's principal (i.e.
// Rights.Read set), plus the current state token.
func (s *Server) MailboxGet(ctx context.Context, sess Session, args MailboxGetArgs) (records []MailboxRecord, notFound []int64, state string, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, nil, "", ctx.Err()
	}
	defer s.Pool.Put(conn)

	query := `SELECT MailboxID, Name, COALESCE(ParentID, 0) AS ParentID, COALESCE(Role, '') AS Role, SortOrder FROM Mailboxes WHERE AccountID = $accountID AND Destroyed = FALSE`
	if len(args.IDs) > 0 {
		query += ` AND MailboxID IN (` + placeholders(len(args.IDs)) + `)`
	}
	stmt := conn.Prep(query)
	stmt.SetInt64("$accountID", args.AccountID)
	for i, id := range args.IDs {
		stmt.SetInt64(namedIdx(i), id)
	}

	seen := map[int64]bool{}
	for {
		hasRow, stepErr := stmt.Step()
		if stepErr != nil {
			return nil, nil, "", ServerPartialFail(stepErr.Error())
		}
		if !hasRow {
			break
		}
		id := stmt.GetInt64("MailboxID")
		seen[id] = true
		rights, rErr := acl.EffectiveRights(conn, args.AccountID, id, sess.Token.PrincipalIDs())
		if rErr != nil {
			return nil, nil, "", ServerPartialFail(rErr.Error())
		}
		if !rights.Has(acl.Read) {
			continue
		}
		rec := MailboxRecord{
			ID:        id,
			Name:      stmt.GetText("Name"),
			Role:      stmt.GetText("Role"),
			SortOrder: stmt.GetInt64("SortOrder"),
			MyRights:  rights.Names(),
		}
		if p := stmt.GetInt64("ParentID"); p != 0 {
			rec.ParentID = &p
		}
		records = append(records, rec)
	}
	for _, id := range args.IDs {
		if !seen[id] {
			notFound = append(notFound, id)
		}
	}

	changeID, csErr := changelog.CurrentState(conn, args.AccountID)
	if csErr != nil {
		return nil, nil, "", ServerPartialFail(csErr.Error())
	}
	return records, notFound, StateToken(changeID), nil
}

// MailboxChanges implements Mailbox/changes: every ChangeLog record for
// the Mailbox collection since sinceState (the Mailbox analogue of
// EmailChanges).
func (s *Server) MailboxChanges(ctx context.Context, accountID int64, sinceState string) ([]changelog.Change, string, error) {
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
		if c.Collection == changelog.CollectionMailbox {
			out = append(out, c)
		}
	}
	current, err := changelog.CurrentState(conn, accountID)
	if err != nil {
		return nil, "", ServerPartialFail(err.Error())
	}
	return out, StateToken(current), nil
}

// MailboxCreate is one Mailbox/set create request.
type MailboxCreate struct {
	Name     string
	ParentID *int64
	Role     string
}

// MailboxSetArgs is the Mailbox/set request body.
type MailboxSetArgs struct {
	AccountID  int64
	IfInState  string
	Create     map[string]MailboxCreate // keyed by client-supplied create-id
	DestroyIDs []int64
}

// MailboxSetResult reports per-item outcomes; the engine never
// partially applies a batch across items it decided to apply, but
// each item's success/failure is independent (spec §4.5: "one
// forbidden item fails only that item; the rest proceed").
type MailboxSetResult struct {
	Created      map[string]int64
	Destroyed    []int64
	NotCreated   map[string]*Error
	NotDestroyed map[int64]*Error
	OldState     string
	NewState     string
}

// Set implements Mailbox/set's create and destroy actions.
func (s *Server) MailboxSet(ctx context.Context, sess Session, args MailboxSetArgs) (*MailboxSetResult, error) {
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
		return nil, StateMismatch("Mailbox ifInState does not match")
	}

	res := &MailboxSetResult{
		Created:      map[string]int64{},
		NotCreated:   map[string]*Error{},
		NotDestroyed: map[int64]*Error{},
		OldState:     StateToken(oldState),
	}

	changeID, err := s.withChanges(ctx, args.AccountID, func(conn *sqlite.Conn, b *changelog.Builder) error {
		for createID, c := range args.Create {
			if c.ParentID != nil {
				if err := s.checkRights(conn, sess, *c.ParentID, acl.CreateChild); err != nil {
					res.NotCreated[createID] = err.(*Error)
					continue
				}
			}
			id, err := insertMailbox(conn, args.AccountID, c)
			if err != nil {
				res.NotCreated[createID] = ServerPartialFail(err.Error())
				continue
			}
			res.Created[createID] = id
			b.Append(changelog.CollectionMailbox, changelog.Created, id)
			if err := acl.Grant(conn, args.AccountID, id, sess.Token.PrimaryID, acl.Administer|acl.Read|acl.ReadItems|acl.AddItems|acl.RemoveItems|acl.ModifyItems|acl.CreateChild|acl.Modify|acl.Delete); err != nil {
				return err
			}
		}
		for _, id := range args.DestroyIDs {
			ok, cErr := acl.CanDestroyAll(conn, args.AccountID, []int64{id}, sess.Token.PrincipalIDs())
			if cErr != nil {
				return cErr
			}
			if !ok {
				res.NotDestroyed[id] = Forbidden("missing RemoveItems/Delete rights")
				continue
			}
			if err := destroyMailbox(conn, args.AccountID, id); err != nil {
				res.NotDestroyed[id] = ServerPartialFail(err.Error())
				continue
			}
			res.Destroyed = append(res.Destroyed, id)
			b.Append(changelog.CollectionMailbox, changelog.Destroyed, id)
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
	return res, nil
}

func insertMailbox(conn *sqlite.Conn, accountID int64, c MailboxCreate) (int64, error) {
	stmt := conn.Prep(`SELECT COALESCE(MAX(MailboxID), 0) + 1 FROM Mailboxes WHERE AccountID = $accountID;`)
	stmt.SetInt64("$accountID", accountID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	var nextID int64 = 1
	if hasRow {
		nextID = stmt.ColumnInt64(0)
	}
	stmt.Reset()

	ins := conn.Prep(`INSERT INTO Mailboxes (AccountID, MailboxID, Name, ParentID, Role, SortOrder) VALUES ($accountID, $mailboxID, $name, $parentID, $role, 0);`)
	ins.SetInt64("$accountID", accountID)
	ins.SetInt64("$mailboxID", nextID)
	ins.SetText("$name", c.Name)
	if c.ParentID != nil {
		ins.SetInt64("$parentID", *c.ParentID)
	} else {
		ins.SetNull("$parentID")
	}
	if c.Role != "" {
		ins.SetText("$role", c.Role)
	} else {
		ins.SetNull("$role")
	}
	if _, err := ins.Step(); err != nil {
		return 0, err
	}
	return nextID, nil
}

func destroyMailbox(conn *sqlite.Conn, accountID, mailboxID int64) error {
	stmt := conn.Prep(`UPDATE Mailboxes SET Destroyed = TRUE WHERE AccountID = $accountID AND MailboxID = $mailboxID;`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$mailboxID", mailboxID)
	_, err := stmt.Step()
	return err
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += namedIdx(i)
	}
	return out
}

func namedIdx(i int) string {
	return "$id" + itoa(int64(i))
}
