package identity

import (
	"context"
)

type contextKey string

const (
	identityContextKey contextKey = "dealcycle_identity"
	claimsContextKey   contextKey = "dealcycle_claims"
)

// TokenSource records where the bearer credential forwarded downstream came from.
type TokenSource string

const (
	TokenNone    TokenSource = "none"
	TokenRequest TokenSource = "request"
	TokenBypass  TokenSource = "bypass"
)

// TenantSource records which precedence rule produced the tenant.
type TenantSource string

const (
	TenantFromClaim        TenantSource = "claim"
	TenantFromHeader       TenantSource = "header"
	TenantFromOAuthDefault TenantSource = "oauth_default"
)

// Identity is the per-request view of who is calling. Empty strings stand for
// values that could not be resolved.
type Identity struct {
	TenantID     string
	TenantSource TenantSource
	UserID       string
	SessionID    string
	IPAddress    string
	UserAgent    string

	Token       string
	TokenSource TokenSource

	// Err holds the tenant resolution failure, if any. RequireTenant turns it into a 401.
	Err error
}

// Complete reports whether tenant, user and session are all known.
func (id Identity) Complete() bool {
	return id.TenantID != "" && id.UserID != "" && id.SessionID != ""
}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Claims is the subset of a verified token the gateway cares about.
type Claims struct {
	Subject  string
	TenantID string
	Email    string
	Roles    []string
}

func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok && c != nil
}
