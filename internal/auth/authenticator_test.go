package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/protocol"
)

type stubAccounts struct {
	users  map[string]bool
	admins map[string]bool
	err    error
}

func (s stubAccounts) UserExists(_ context.Context, name string) (bool, error) {
	return s.users[name], s.err
}

func (s stubAccounts) AdminExists(_ context.Context, name string) (bool, error) {
	return s.admins[name], s.err
}

func newTestAuthenticator(t *testing.T, accounts AccountLookup) (*Authenticator, *HMACVerifier) {
	t.Helper()
	v, err := NewHMACVerifier("secret", 0)
	require.NoError(t, err)
	return NewAuthenticator(v, accounts, []string{"/api/auth/login"}, watermill.NopLogger{}), v
}

func TestCredentialsPrecedence(t *testing.T) {
	frame := &protocol.Frame{Type: protocol.FrameConnect, Headers: map[string]string{"authorization": "Bearer from-frame"}}
	attrs := map[string]string{TokenAttribute: "from-attr"}

	assert.Equal(t, "from-header", Credentials{UpgradeHeader: "Bearer from-header", Frame: frame, Attributes: attrs}.Token())
	assert.Equal(t, "from-frame", Credentials{Frame: frame, Attributes: attrs}.Token())
	assert.Equal(t, "from-attr", Credentials{Attributes: attrs}.Token())
	assert.Equal(t, "", Credentials{UpgradeHeader: "Basic abc"}.Token())
}

func TestCredentialsFromRequestIgnoresQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=leaked&access_token=leaked", nil)
	assert.Equal(t, "", CredentialsFromRequest(r).Token())

	r.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", CredentialsFromRequest(r).Token())
}

func TestCredentialsFromRequestCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.AddCookie(&http.Cookie{Name: TokenAttribute, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", CredentialsFromRequest(r).Token())

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", CredentialsFromRequest(r).Token())
}

func TestAuthenticateUserThenAdmin(t *testing.T) {
	a, v := newTestAuthenticator(t, stubAccounts{
		users:  map[string]bool{"alice": true},
		admins: map[string]bool{"root": true},
	})
	ctx := context.Background()

	tok, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)
	p, err := a.Authenticate(ctx, Credentials{UpgradeHeader: "Bearer " + tok})
	require.NoError(t, err)
	assert.Equal(t, Principal{Name: "alice"}, p)

	tok, err = v.Sign("root", time.Minute)
	require.NoError(t, err)
	p, err = a.Authenticate(ctx, Credentials{Attributes: map[string]string{TokenAttribute: tok}})
	require.NoError(t, err)
	assert.Equal(t, Principal{Name: "root", Admin: true}, p)

	tok, err = v.Sign("ghost", time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, Credentials{UpgradeHeader: "Bearer " + tok})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestAuthenticateFailures(t *testing.T) {
	a, v := newTestAuthenticator(t, nil)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, Credentials{})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	_, err = a.Authenticate(ctx, Credentials{UpgradeHeader: "Bearer garbage"})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	v.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	expired, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)
	v.WithClock(time.Now)
	_, err = a.Authenticate(ctx, Credentials{UpgradeHeader: "Bearer " + expired})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestAuthenticateLookupError(t *testing.T) {
	a, v := newTestAuthenticator(t, stubAccounts{err: errors.New("db down")})
	tok, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), Credentials{UpgradeHeader: "Bearer " + tok})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestIsPublic(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	assert.True(t, a.IsPublic("/api/auth/login"))
	assert.False(t, a.IsPublic(protocol.ActionChatSend))
}

func TestMiddleware(t *testing.T) {
	a, v := newTestAuthenticator(t, nil)
	var seen Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/auth/login", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	tok, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", seen.Name)
}
