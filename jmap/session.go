package jmap

import (
	"context"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/auth"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/changelog"
)

// Server wires every subsystem package together behind the method
// dispatch table; it is the JMAP-facing counterpart of spilldb's
// top-level server struct that held DB/Auth/Throttle fields.
type Server struct {
	Pool  *sqlitex.Pool
	Auth  *auth.Cache
	Blobs *blob.Store
}

// Session is one authenticated request's context: the caller's token
// and the target account it addresses (which may differ from the
// token's primary account via access_to).
type Session struct {
	Token     *auth.AccessToken
	AccountID int64
}

// StateToken renders a change_id as the opaque JMAP string spec §6
// describes: "equal to the decimal change_id at the time of the last
// committed change for that account/collection."
func StateToken(changeID int64) string {
	if changeID == 0 {
		return "0"
	}
	return itoa(changeID)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// checkRights loads the effective rights Session's principal holds on
// mailboxID and returns Forbidden if required is not fully satisfied.
func (s *Server) checkRights(conn *sqlite.Conn, sess Session, mailboxID int64, required acl.Rights) error {
	principalIDs := sess.Token.PrincipalIDs()
	rights, err := acl.EffectiveRights(conn, sess.AccountID, mailboxID, principalIDs)
	if err != nil {
		return ServerPartialFail(err.Error())
	}
	if !rights.Has(required) {
		return Forbidden("missing required rights")
	}
	return nil
}

// withChanges runs fn inside a sqlitex.Save transaction together with
// a changelog.Builder, committing both atomically and returning the
// resulting state token (spec §4.4: "writes the accumulator as one
// atomic record alongside the data mutations of the same batch"). A
// cancelled request or a failing fn rolls the whole transaction back,
// per spec §5 "partial writes are prevented because data mutations
// commit atomically at the end of the method".
func (s *Server) withChanges(ctx context.Context, accountID int64, fn func(conn *sqlite.Conn, b *changelog.Builder) error) (changeID int64, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.Pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	b := changelog.Begin(accountID)
	if err = fn(conn, b); err != nil {
		return 0, err
	}
	changeID, err = changelog.Commit(conn, b)
	return changeID, err
}
