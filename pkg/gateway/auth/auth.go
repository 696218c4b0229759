package auth

import (
	"context"
	"net/http"
	"strings"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID string
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts a bearer token from the Authorization header, or
// from the access_token query parameter as a fallback for websocket clients
// that cannot set headers.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		if token != "" {
			return token, true
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}
