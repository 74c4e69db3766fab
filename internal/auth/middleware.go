package auth

import (
	"context"
	"net/http"
)

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal bound to ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware lets requests for public paths through and requires a valid
// bearer credential for everything else. The resolved principal is stored in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.Authenticate(r.Context(), CredentialsFromRequest(r))
		if err != nil {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Unauthorized writes a 401 response asking for a bearer credential.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
