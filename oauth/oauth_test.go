package oauth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tibordp/mail-server/oauth"
)

func TestNewDeviceCodeIsUniqueAndRetrievable(t *testing.T) {
	s := oauth.NewStore(time.Minute)
	c1, err := s.NewDeviceCode("client-a", "https://client.example/cb")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.NewDeviceCode("client-a", "https://client.example/cb")
	if err != nil {
		t.Fatal(err)
	}
	if c1.DeviceCode == c2.DeviceCode || c1.UserCode == c2.UserCode {
		t.Fatal("expected distinct device/user codes across calls")
	}

	got, ok := s.ByDeviceCode(c1.DeviceCode)
	if !ok || got != c1 {
		t.Fatalf("ByDeviceCode = (%v, %v), want the same *Code instance", got, ok)
	}
	got, ok = s.ByUserCode(c1.UserCode)
	if !ok || got != c1 {
		t.Fatalf("ByUserCode = (%v, %v), want the same *Code instance", got, ok)
	}
}

func TestPollUnknownDeviceCodeIsExpired(t *testing.T) {
	s := oauth.NewStore(time.Minute)
	result, c := s.Poll("no-such-code")
	if result != oauth.ExpiredToken || c != nil {
		t.Fatalf("Poll(unknown) = (%v, %v), want (ExpiredToken, nil)", result, c)
	}
}

func TestPollPastExpiryIsExpired(t *testing.T) {
	s := oauth.NewStore(time.Minute)
	c, err := s.NewDeviceCode("client-a", "")
	if err != nil {
		t.Fatal(err)
	}
	c.Expires = time.Now().Add(-time.Second)

	result, got := s.Poll(c.DeviceCode)
	if result != oauth.ExpiredToken || got != c {
		t.Fatalf("Poll(expired) = (%v, %v), want (ExpiredToken, c)", result, got)
	}
}

func TestPollPendingThenSlowDownThenGranted(t *testing.T) {
	s := oauth.NewStore(time.Minute)
	c, err := s.NewDeviceCode("client-a", "")
	if err != nil {
		t.Fatal(err)
	}
	c.Interval = time.Hour // guarantee the immediate second poll hits slow_down

	result, _ := s.Poll(c.DeviceCode)
	if result != oauth.AuthorizationPending {
		t.Fatalf("first poll = %v, want AuthorizationPending", result)
	}

	result, _ = s.Poll(c.DeviceCode)
	if result != oauth.SlowDown {
		t.Fatalf("immediate second poll = %v, want SlowDown", result)
	}

	c.Interval = 0 // stop enforcing the interval so the next poll is evaluated on status alone
	if !c.Authorize(42) {
		t.Fatal("expected Authorize to succeed from Pending")
	}
	result, _ = s.Poll(c.DeviceCode)
	if result != oauth.Granted {
		t.Fatalf("poll after authorize = %v, want Granted", result)
	}
	if c.AccountID() != 42 {
		t.Fatalf("AccountID = %d, want 42", c.AccountID())
	}

	result, _ = s.Poll(c.DeviceCode)
	if result != oauth.AccessDenied {
		t.Fatalf("second poll after Granted = %v, want AccessDenied (already redeemed)", result)
	}
}

func TestRedeemOnceHasExactlyOneWinnerUnderConcurrency(t *testing.T) {
	c := &oauth.Code{}
	c.Authorize(1)

	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = c.RedeemOnce()
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("RedeemOnce succeeded %d times concurrently, want exactly 1", won)
	}
	if c.Status() != oauth.TokenIssued {
		t.Fatalf("Status = %v, want TokenIssued", c.Status())
	}
}

func TestTokenIssuerIssueAndParseAccessToken(t *testing.T) {
	iss := &oauth.TokenIssuer{Signer: []byte("test-signing-key"), AccessTokenTTL: time.Hour}
	tok, expires, err := iss.IssueAccessToken(7)
	if err != nil {
		t.Fatal(err)
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expires = %v, want a future time", expires)
	}

	accountID, err := iss.ParseAccessToken(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if accountID != 7 {
		t.Fatalf("ParseAccessToken = %d, want 7", accountID)
	}
}

func TestTokenIssuerParseRejectsWrongKey(t *testing.T) {
	iss := &oauth.TokenIssuer{Signer: []byte("key-a"), AccessTokenTTL: time.Hour}
	tok, _, err := iss.IssueAccessToken(7)
	if err != nil {
		t.Fatal(err)
	}
	other := &oauth.TokenIssuer{Signer: []byte("key-b"), AccessTokenTTL: time.Hour}
	if _, err := other.ParseAccessToken(context.Background(), tok); err == nil {
		t.Fatal("expected ParseAccessToken to reject a token signed with a different key")
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	iss := &oauth.TokenIssuer{Signer: []byte("k"), AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour}
	rec := oauth.RefreshRecord{Token: "r1", AccountID: 1, Expires: time.Unix(1000, 0)}
	if _, _, err := iss.Refresh(rec, time.Unix(2000, 0)); err == nil {
		t.Fatal("expected an error refreshing a token past its expiry")
	}
}

func TestRefreshReusesTokenOutsideRenewWindow(t *testing.T) {
	iss := &oauth.TokenIssuer{Signer: []byte("k"), AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour, RefreshRenewWithin: time.Hour}
	now := time.Unix(1000, 0)
	rec := oauth.RefreshRecord{Token: "r1", AccountID: 1, Expires: now.Add(48 * time.Hour)}

	access, newRefresh, err := iss.Refresh(rec, now)
	if err != nil {
		t.Fatal(err)
	}
	if access == "" {
		t.Fatal("expected a new access token")
	}
	if newRefresh != nil {
		t.Fatal("expected the same refresh token to be reused far from expiry")
	}
}

func TestRefreshRotatesTokenNearExpiry(t *testing.T) {
	iss := &oauth.TokenIssuer{Signer: []byte("k"), AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour, RefreshRenewWithin: time.Hour}
	now := time.Unix(1000, 0)
	rec := oauth.RefreshRecord{Token: "r1", AccountID: 1, ClientID: "client-a", Expires: now.Add(30 * time.Minute)}

	_, newRefresh, err := iss.Refresh(rec, now)
	if err != nil {
		t.Fatal(err)
	}
	if newRefresh == nil {
		t.Fatal("expected a rotated refresh token within RefreshRenewWithin of expiry")
	}
	if newRefresh.Token == rec.Token {
		t.Fatal("expected the rotated refresh token to differ from the original")
	}
	if newRefresh.ClientID != rec.ClientID || newRefresh.AccountID != rec.AccountID {
		t.Fatalf("rotated refresh record = %+v, want matching ClientID/AccountID", newRefresh)
	}
}

func TestDiscoveryDocumentFields(t *testing.T) {
	doc := oauth.DiscoveryDocument("https://mail.example.com")
	if doc["issuer"] != "https://mail.example.com" {
		t.Fatalf("issuer = %v, want https://mail.example.com", doc["issuer"])
	}
	if doc["device_authorization_endpoint"] != "https://mail.example.com/auth/device" {
		t.Fatalf("device_authorization_endpoint = %v", doc["device_authorization_endpoint"])
	}
	if doc["token_endpoint"] != "https://mail.example.com/auth/token" {
		t.Fatalf("token_endpoint = %v", doc["token_endpoint"])
	}
}

func TestNewErrorBodyKnownAndUnknownResults(t *testing.T) {
	if got := oauth.NewErrorBody(oauth.SlowDown); got.Error != "slow_down" {
		t.Fatalf("NewErrorBody(SlowDown).Error = %q, want %q", got.Error, "slow_down")
	}
	if got := oauth.NewErrorBody(oauth.PollResult("granted")); got.Error == "" {
		t.Fatal("expected a non-empty error body for an unrecognized result")
	}
}
