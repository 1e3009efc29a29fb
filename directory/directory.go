// Package directory is the lookup gateway for principals (spec §4.1),
// grounded on crates/jmap/src/auth/account.rs's SqlDatabase enum and on
// spilldb/db/auth.go's Authenticator idiom (DB + Throttle + Logf
// fields). It resolves logins to account ids, fetches secret hashes
// for password verification, and lists group memberships, all behind
// a SQLExecutor interface so the store can be SQLite (store/db) or
// Postgres (store/pg) without the caller noticing.
package directory

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tibordp/mail-server/util/throttle"
)

// SQLExecutor abstracts the handful of query shapes the directory needs,
// so the gateway is agnostic to whether Backend is store/db (SQLite) or
// store/pg (Postgres) — mirroring the original's SqlDatabase variants
// without hard-coding a single driver.
type SQLExecutor interface {
	// FetchString runs query with args and returns the first column of the
	// first row as a string, or ("", false) if there were no rows.
	FetchString(ctx context.Context, query string, args ...interface{}) (string, bool, error)
	// FetchID is FetchString specialized for integer ids.
	FetchID(ctx context.Context, query string, args ...interface{}) (int64, bool, error)
	// FetchIDs returns the first column of every row.
	FetchIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error)
	// FetchStrings returns the first column of every row as strings.
	FetchStrings(ctx context.Context, query string, args ...interface{}) ([]string, error)
	// Execute runs a statement with no result set (INSERT/UPDATE/DELETE).
	Execute(ctx context.Context, query string, args ...interface{}) error
}

// Gateway resolves principal identity queries against a SQLExecutor.
// Like spilldb's Authenticator, it owns a Throttle to rate-limit
// repeated failed secret checks against one account id (e.g.
// brute-force login probing) and a Logf hook for structured
// duration/event logging.
type Gateway struct {
	DB       SQLExecutor
	Throttle *throttle.AccountThrottle
	Logf     func(format string, args ...interface{})
}

func (g *Gateway) logf(format string, args ...interface{}) {
	if g.Logf != nil {
		g.Logf(format, args...)
	}
}

// UIDByLogin resolves a login string to its account id. A login that
// does not exist or that names a group principal returns (0,
// false, nil): lookups fail silently rather than raising an error, per
// spec §4.1 ("no distinct not-found error — callers treat the empty
// result as authentication failure").
func (g *Gateway) UIDByLogin(ctx context.Context, login string) (int64, bool, error) {
	start := time.Now()
	id, ok, err := g.DB.FetchID(ctx, `SELECT AccountID FROM Principals WHERE Login = $1 AND IsGroup = FALSE;`, login)
	g.logf("directory.UIDByLogin login=%q found=%v took=%v", login, ok, time.Since(start))
	return id, ok, err
}

// LoginByUID is the inverse of UIDByLogin, for components that only
// carry an internal id.
func (g *Gateway) LoginByUID(ctx context.Context, uid int64) (string, bool, error) {
	return g.DB.FetchString(ctx, `SELECT Login FROM Principals WHERE AccountID = $1;`, uid)
}

// SecretByUID returns the stored bcrypt hash for uid without comparing
// it to anything; VerifySecret below is the gateway method that fetches
// the hash and compares it against a password.
func (g *Gateway) SecretByUID(ctx context.Context, uid int64) (string, bool, error) {
	return g.DB.FetchString(ctx, `SELECT SecretHash FROM Principals WHERE AccountID = $1;`, uid)
}

// VerifySecret is a convenience wrapper most callers want: fetch the
// hash and compare against password, sleeping a repeat offender via
// Throttle the same way spilldb/db/auth.go slows down brute-force
// login probing.
func (g *Gateway) VerifySecret(ctx context.Context, uid int64, password string) (bool, error) {
	if g.Throttle != nil {
		g.Throttle.Delay(uid)
	}
	hash, ok, err := g.SecretByUID(ctx, uid)
	if err != nil || !ok || hash == "" {
		if g.Throttle != nil {
			g.Throttle.Fail(uid)
		}
		return false, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		if g.Throttle != nil {
			g.Throttle.Fail(uid)
		}
		return false, nil
	}
	return true, nil
}

// GIDsByUID returns every group id uid is a direct member of. Group
// membership is not transitive (spec §4.1: "one level of indirection,
// no nested groups"), matching the GroupMembers schema.
func (g *Gateway) GIDsByUID(ctx context.Context, uid int64) ([]int64, error) {
	return g.DB.FetchIDs(ctx, `SELECT GroupID FROM GroupMembers WHERE MemberID = $1;`, uid)
}

// PrincipalIDs returns uid together with every group it belongs to --
// the full set an ACL check should OR together (spec §4.5).
func (g *Gateway) PrincipalIDs(ctx context.Context, uid int64) ([]int64, error) {
	gids, err := g.GIDsByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return append([]int64{uid}, gids...), nil
}

// Query runs a directory-defined lookup script identified by name against
// params, returning matching ids. This is the generalized entrypoint
// spec §4.1 calls "query/lookup scripting" (ported from the original's
// directory query plugin hooks) -- named scripts are registered ahead
// of time rather than accepting arbitrary SQL from callers.
type QueryFunc func(ctx context.Context, db SQLExecutor, params map[string]string) ([]int64, error)

var registeredQueries = map[string]QueryFunc{
	"members-of-domain": func(ctx context.Context, db SQLExecutor, params map[string]string) ([]int64, error) {
		return db.FetchIDs(ctx, `SELECT AccountID FROM Principals WHERE Login LIKE $1 AND IsGroup = FALSE;`, "%@"+params["domain"])
	},
}

// Query runs the named registered script, returning account ids.
func (g *Gateway) Query(ctx context.Context, name string, params map[string]string) ([]int64, error) {
	fn, ok := registeredQueries[name]
	if !ok {
		return nil, fmt.Errorf("directory: unknown query %q", name)
	}
	return fn(ctx, g.DB, params)
}

// Lookup is Query narrowed to a single expected match, returning
// (0, false, nil) for zero or ambiguous results.
func (g *Gateway) Lookup(ctx context.Context, name string, params map[string]string) (int64, bool, error) {
	ids, err := g.Query(ctx, name, params)
	if err != nil {
		return 0, false, err
	}
	if len(ids) != 1 {
		return 0, false, nil
	}
	return ids[0], true, nil
}
