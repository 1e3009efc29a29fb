// Package oauth implements the device authorization grant flow of
// spec §4.8 (RFC 8628): device codes and polling behind /auth/device and
// /auth/token, and the discovery document. There is no /auth/code
// handler for the user-facing grant form; a code becomes Authorized
// only through a direct call to Code.Authorize. Status transitions on an OAuthCode are modeled
// as a single atomic word so a poller's read of (status, account_id)
// is always internally consistent, the same "atomic enum word" pattern
// the original keeps in crates/jmap/src/auth/oauth/ (an AtomicU32
// status packed with the account id, CAS'd together). Grounded in Go
// idiom on golang-jwt/jwt/v5 for token issuance; poll throttling is a
// per-client-IP go-chi/httprate limit on /auth/token, set up in httpapi.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CodeStatus is the OAuthCode.status sum type (spec §3): Pending while
// waiting for the user to authorize, Authorized once they have (the
// account id becomes valid at that point), TokenIssued once a poller
// has successfully exchanged it (so it cannot be redeemed twice).
type CodeStatus int32

const (
	Pending CodeStatus = iota
	Authorized
	TokenIssued
)

// Code is one outstanding device-authorization grant. status and
// accountID are updated together via CAS on status so that any reader
// observing Authorized or TokenIssued also observes a valid AccountID
// (spec §9, "OAuthCode atomic status": the account id word is written
// before the status transitions to Authorized).
type Code struct {
	DeviceCode  string
	UserCode    string
	ClientID    string
	RedirectURI string
	Created     time.Time
	Interval    time.Duration
	Expires     time.Time

	status    int32 // atomic CodeStatus
	accountID int64 // atomic; valid once status >= Authorized
	lastPoll  int64 // atomic unix nanos, for slow_down detection
}

func (c *Code) Status() CodeStatus { return CodeStatus(atomic.LoadInt32(&c.status)) }
func (c *Code) AccountID() int64   { return atomic.LoadInt64(&c.accountID) }

// Authorize transitions Pending -> Authorized, recording accountID
// before flipping the status bit so concurrent pollers never observe
// Authorized with a stale account id.
func (c *Code) Authorize(accountID int64) bool {
	atomic.StoreInt64(&c.accountID, accountID)
	return atomic.CompareAndSwapInt32(&c.status, int32(Pending), int32(Authorized))
}

// RedeemOnce transitions Authorized -> TokenIssued, succeeding for
// exactly one caller even under concurrent polling (spec "reused
// across concurrent pollers" -- only the first successful poll mints
// tokens; the rest see TokenIssued and get access_denied).
func (c *Code) RedeemOnce() bool {
	return atomic.CompareAndSwapInt32(&c.status, int32(Authorized), int32(TokenIssued))
}

// PollResult is what POST /auth/token returns while polling a device
// code, per RFC 8628 §3.5.
type PollResult string

const (
	AuthorizationPending PollResult = "authorization_pending"
	SlowDown             PollResult = "slow_down"
	ExpiredToken         PollResult = "expired_token"
	AccessDenied         PollResult = "access_denied"
	Granted              PollResult = "granted"
)

// Store holds outstanding device codes in memory, keyed by both
// device_code and the shorter user_code shown to the user.
type Store struct {
	TTL time.Duration

	mu       sync.Mutex
	byDevice map[string]*Code
	byUser   map[string]*Code
}

func NewStore(ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Store{TTL: ttl, byDevice: make(map[string]*Code), byUser: make(map[string]*Code)}
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// NewDeviceCode starts a device-authorization grant for clientID,
// returning the device_code/user_code pair the /auth/device response
// embeds.
func (s *Store) NewDeviceCode(clientID, redirectURI string) (*Code, error) {
	deviceCode, err := randomCode(20)
	if err != nil {
		return nil, err
	}
	userCode, err := randomCode(5)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c := &Code{
		DeviceCode:  deviceCode,
		UserCode:    userCode,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Created:     now,
		Interval:    5 * time.Second,
		Expires:     now.Add(s.TTL),
	}
	s.mu.Lock()
	s.byDevice[deviceCode] = c
	s.byUser[userCode] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Store) ByUserCode(userCode string) (*Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byUser[userCode]
	return c, ok
}

func (s *Store) ByDeviceCode(deviceCode string) (*Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byDevice[deviceCode]
	return c, ok
}

// Poll implements one POST /auth/token device-code poll: it enforces
// the configured Interval (slow_down), checks expiry, and reports
// AuthorizationPending/Granted/AccessDenied as appropriate. The caller
// is responsible for minting JWTs once Poll reports Granted.
func (s *Store) Poll(deviceCode string) (PollResult, *Code) {
	c, ok := s.ByDeviceCode(deviceCode)
	if !ok {
		return ExpiredToken, nil
	}
	now := time.Now()
	if now.After(c.Expires) {
		return ExpiredToken, c
	}
	last := atomic.SwapInt64(&c.lastPoll, now.UnixNano())
	if last != 0 && now.Sub(time.Unix(0, last)) < c.Interval {
		return SlowDown, c
	}
	switch c.Status() {
	case Pending:
		return AuthorizationPending, c
	case Authorized:
		if c.RedeemOnce() {
			return Granted, c
		}
		return AccessDenied, c
	default: // TokenIssued: already redeemed by another poller
		return AccessDenied, c
	}
}

// TokenIssuer mints and verifies the JWT access/refresh tokens a
// successful poll or refresh exchanges for.
type TokenIssuer struct {
	Signer             []byte
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RefreshRenewWithin time.Duration // spec "expiry_refresh_token_renew"
}

type claims struct {
	jwt.RegisteredClaims
	AccountID int64 `json:"account_id"`
}

// IssueAccessToken mints a signed JWT access token for accountID.
func (t *TokenIssuer) IssueAccessToken(accountID int64) (string, time.Time, error) {
	expires := time.Now().Add(t.AccessTokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expires)},
		AccountID:        accountID,
	})
	s, err := tok.SignedString(t.Signer)
	return s, expires, err
}

// ParseAccessToken verifies and decodes an access token, returning the
// account id it was issued for.
func (t *TokenIssuer) ParseAccessToken(ctx context.Context, tokenString string) (int64, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(*jwt.Token) (interface{}, error) {
		return t.Signer, nil
	})
	if err != nil {
		return 0, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return 0, errors.New("oauth: invalid token")
	}
	return c.AccountID, nil
}

// RefreshRecord is one issued refresh token. Nothing in the module
// stores it: store/db's schema has an OAuthRefreshTokens table with
// matching columns, but no code reads or writes that table.
type RefreshRecord struct {
	Token     string
	AccountID int64
	ClientID  string
	Expires   time.Time
}

// Refresh exchanges an existing refresh token for a new access token,
// rotating the refresh token itself only if it is within
// RefreshRenewWithin of expiry (spec §4.8: "a refresh within
// expiry_refresh_token_renew of expiry issues a new refresh token;
// otherwise reuses the same one").
func (t *TokenIssuer) Refresh(rec RefreshRecord, now time.Time) (accessToken string, newRefresh *RefreshRecord, err error) {
	if now.After(rec.Expires) {
		return "", nil, errors.New("oauth: refresh token expired")
	}
	accessToken, _, err = t.IssueAccessToken(rec.AccountID)
	if err != nil {
		return "", nil, err
	}
	if rec.Expires.Sub(now) > t.RefreshRenewWithin {
		return accessToken, nil, nil
	}
	token, err := randomCode(24)
	if err != nil {
		return "", nil, err
	}
	newRec := &RefreshRecord{
		Token:     token,
		AccountID: rec.AccountID,
		ClientID:  rec.ClientID,
		Expires:   now.Add(t.RefreshTokenTTL),
	}
	return accessToken, newRec, nil
}

// DiscoveryDocument is served at /.well-known/oauth-authorization-server.
func DiscoveryDocument(issuer string) map[string]interface{} {
	return map[string]interface{}{
		"issuer":                        issuer,
		"device_authorization_endpoint": issuer + "/auth/device",
		"token_endpoint":                issuer + "/auth/token",
		"grant_types_supported":         []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
		"response_types_supported":      []string{"device_code"},
	}
}

// ErrorBody is the JSON body an /auth/token failure returns, per RFC
// 8628 §3.5 (spec §7's error table: invalid_grant/invalid_client/
// authorization_pending/slow_down/expired_token/access_denied, HTTP
// 400).
type ErrorBody struct {
	Error string `json:"error"`
}

func NewErrorBody(result PollResult) ErrorBody {
	switch result {
	case AuthorizationPending, SlowDown, ExpiredToken, AccessDenied:
		return ErrorBody{Error: string(result)}
	default:
		return ErrorBody{Error: fmt.Sprintf("unknown_error:%s", result)}
	}
}
