// Package auth verifies client credentials at connection handshake and binds
// the resulting principal to the connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/protocol"
)

// TokenAttribute is the session attribute that may carry a token captured at
// upgrade time.
const TokenAttribute = "token"

const bearerPrefix = "Bearer "

// Verifier turns a token into claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// AccountLookup resolves a verified subject against the account store.
type AccountLookup interface {
	UserExists(ctx context.Context, username string) (bool, error)
	AdminExists(ctx context.Context, username string) (bool, error)
}

// Principal is the identity bound to a connection for its lifetime.
type Principal struct {
	Name  string
	Admin bool
}

// Credentials gathers every place a token may arrive from, in precedence order.
type Credentials struct {
	// UpgradeHeader is the Authorization header of the HTTP upgrade request.
	UpgradeHeader string
	// Frame is the CONNECT frame, if the handshake carries one.
	Frame *protocol.Frame
	// Attributes are the session attributes captured at upgrade time.
	Attributes map[string]string
}

// Token returns the first credential found, or "" when none is present.
func (c Credentials) Token() string {
	if tok := bearerToken(c.UpgradeHeader); tok != "" {
		return tok
	}
	if c.Frame != nil {
		if tok := bearerToken(c.Frame.Header(protocol.HeaderAuthorization)); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(c.Attributes[TokenAttribute])
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// CredentialsFromRequest captures the upgrade-time credentials of r: the
// Authorization header and the token cookie. Query parameters are never
// consulted.
func CredentialsFromRequest(r *http.Request) Credentials {
	creds := Credentials{UpgradeHeader: r.Header.Get(protocol.HeaderAuthorization)}
	if cookie, err := r.Cookie(TokenAttribute); err == nil && cookie.Value != "" {
		creds.Attributes = map[string]string{TokenAttribute: cookie.Value}
	}
	return creds
}

// Authenticator authenticates handshakes.
type Authenticator struct {
	verifier Verifier
	accounts AccountLookup
	public   map[string]struct{}
	logger   watermill.LoggerAdapter
}

// NewAuthenticator builds an authenticator. accounts may be nil, in which case
// every verified subject is accepted as a user.
func NewAuthenticator(verifier Verifier, accounts AccountLookup, publicDestinations []string, logger watermill.LoggerAdapter) *Authenticator {
	public := make(map[string]struct{}, len(publicDestinations))
	for _, d := range publicDestinations {
		public[d] = struct{}{}
	}
	return &Authenticator{
		verifier: verifier,
		accounts: accounts,
		public:   public,
		logger:   logging.OrNop(logger).With(watermill.LogFields{"component": "auth"}),
	}
}

// IsPublic reports whether destination may be addressed without a credential.
func (a *Authenticator) IsPublic(destination string) bool {
	_, ok := a.public[destination]
	return ok
}

// Authenticate resolves creds to a principal. Every failure wraps
// apperr.ErrAuthentication.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	token := creds.Token()
	if token == "" {
		return Principal{}, fmt.Errorf("missing credential: %w", apperr.ErrAuthentication)
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Debug("Token rejected", watermill.LogFields{"reason": err.Error()})
		return Principal{}, fmt.Errorf("%v: %w", err, apperr.ErrAuthentication)
	}

	principal, err := a.resolve(ctx, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	a.logger.Debug("Handshake authenticated", watermill.LogFields{
		"principal": principal.Name,
		"admin":     principal.Admin,
	})
	return principal, nil
}

// resolve looks the subject up as a user first and as an administrator second.
func (a *Authenticator) resolve(ctx context.Context, subject string) (Principal, error) {
	if a.accounts == nil {
		return Principal{Name: subject}, nil
	}

	ok, err := a.accounts.UserExists(ctx, subject)
	if err != nil {
		return Principal{}, errors.Join(fmt.Errorf("user lookup: %w", apperr.ErrAuthentication), err)
	}
	if ok {
		return Principal{Name: subject}, nil
	}

	ok, err = a.accounts.AdminExists(ctx, subject)
	if err != nil {
		return Principal{}, errors.Join(fmt.Errorf("admin lookup: %w", apperr.ErrAuthentication), err)
	}
	if ok {
		return Principal{Name: subject, Admin: true}, nil
	}
	return Principal{}, fmt.Errorf("unknown account %q: %w", subject, apperr.ErrAuthentication)
}
