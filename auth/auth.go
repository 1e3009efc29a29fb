// Package auth implements the access-token cache (spec §4.2): it
// authenticates a login/secret pair via directory.Gateway, builds an
// AccessToken, lazily populates its cross-account access_to set, and
// caches tokens behind an invalidation contract keyed on membership
// and ACL changes. Grounded on spilldb/db/auth.go's Authenticator (the
// Throttle + Log pattern) generalized from device/app-password auth to
// JMAP's account/group/ACL model.
package auth

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/directory"
)

// AccessGrant is one entry of an AccessToken's access_to set: an
// account the token's principal can reach through a mailbox ACL grant,
// together with the aggregated rights mask over that mailbox.
type AccessGrant struct {
	AccountID int64
	MailboxID int64
	Rights    acl.Rights
}

// AccessToken is the spec §3 AccessToken: the authenticated identity
// plus its group memberships and (lazily populated) cross-account
// reach.
type AccessToken struct {
	PrimaryID int64
	MemberOf  []int64
	AccessTo  []AccessGrant

	issued time.Time
}

// PrincipalIDs is PrimaryID plus every group it belongs to -- the set
// acl.EffectiveRights expects.
func (t *AccessToken) PrincipalIDs() []int64 {
	return append([]int64{t.PrimaryID}, t.MemberOf...)
}

// TokenStore is the pluggable backing store for cached AccessTokens
// (spec §4.2/§2): an in-process map guarded by a mutex is the default for
// a single mailserverd process, and a Redis-backed store (RedisStore, in
// this package) lets the cache -- and therefore the invalidation contract
// -- hold across a fleet of processes sharing one directory.
type TokenStore interface {
	Get(ctx context.Context, uid int64) (*AccessToken, bool, error)
	Set(ctx context.Context, uid int64, tok *AccessToken, ttl time.Duration) error
	Delete(ctx context.Context, uid int64) error
	Clear(ctx context.Context) error
}

// Cache authenticates logins and caches the resulting AccessTokens,
// keyed by principal id, until explicitly invalidated or expired.
type Cache struct {
	Directory *directory.Gateway
	Pool      *sqlitex.Pool
	TTL       time.Duration // token lifetime; defaults to 1h if zero.
	Store     TokenStore    // defaults to an in-process store if nil

	initOnce sync.Once
}

func (c *Cache) ttl() time.Duration {
	if c.TTL == 0 {
		return time.Hour
	}
	return c.TTL
}

func (c *Cache) store() TokenStore {
	c.initOnce.Do(func() {
		if c.Store == nil {
			c.Store = NewMemStore()
		}
	})
	return c.Store
}

// Authenticate resolves login to a uid, fetches its secret hash,
// compares it in constant time, and on success returns a fresh or
// cached AccessToken (spec §4.2).
func (c *Cache) Authenticate(ctx context.Context, login, secret string) (*AccessToken, error) {
	uid, ok, err := c.Directory.UIDByLogin(ctx, login)
	if err != nil || !ok {
		return nil, err
	}
	ok, err = c.Directory.VerifySecret(ctx, uid, secret)
	if err != nil || !ok {
		return nil, err
	}
	return c.GetACLToken(ctx, uid)
}

// GetACLToken returns uid's cached AccessToken, building one if absent
// or expired.
func (c *Cache) GetACLToken(ctx context.Context, uid int64) (*AccessToken, error) {
	if tok, ok, err := c.store().Get(ctx, uid); err == nil && ok {
		return tok, nil
	}

	members, err := c.Directory.GIDsByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	tok := &AccessToken{PrimaryID: uid, MemberOf: members, issued: time.Now()}
	if err := c.store().Set(ctx, uid, tok, c.ttl()); err != nil {
		return nil, err
	}
	return tok, nil
}

// PopulateAccessTo lazily fills tok.AccessTo the first time a
// cross-account request needs it, scanning every mailbox ACL entry
// naming one of the token's principal ids with at least
// Read|ReadItems (spec §4.2).
func (c *Cache) PopulateAccessTo(ctx context.Context, tok *AccessToken) error {
	if len(tok.AccessTo) > 0 {
		return nil
	}
	conn := c.Pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer c.Pool.Put(conn)

	grants, err := acl.MailboxesGrantingReadItemsTo(conn, tok.PrincipalIDs())
	if err != nil {
		return err
	}
	for _, g := range grants {
		tok.AccessTo = append(tok.AccessTo, AccessGrant{AccountID: g.AccountID, MailboxID: g.MailboxID, Rights: g.Rights})
	}
	return nil
}

// Invalidate clears the cached token for uid -- called on group
// membership change or ACL change affecting uid (spec §4.2 invalidation
// contract, event 1).
func (c *Cache) Invalidate(uid int64) {
	_ = c.store().Delete(context.Background(), uid)
}

// InvalidateAll clears every cached token -- used when an ACL change
// could affect any number of principals and enumerating them precisely
// is not worth the bookkeeping (the "bulk-clear access_tokens and
// sessions" path of spec §4.2).
func (c *Cache) InvalidateAll() {
	_ = c.store().Clear(context.Background())
}

// secureCompare runs a constant-time comparison, for callers that hold
// two already-hashed secrets rather than a bcrypt digest. No other
// package of this module calls it.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecureCompare exports secureCompare for sibling packages.
func SecureCompare(a, b string) bool { return secureCompare(a, b) }
