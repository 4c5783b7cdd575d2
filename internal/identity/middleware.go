package identity

import (
	"log/slog"
	"net/http"

	"github.com/dealcycle/identity-gateway/internal/httputil"
)

// Chain resolves the full Identity of a request: extraction, optional token
// verification, and tenant arbitration.
type Chain struct {
	resolver TenantResolver
	verifier Verifier
}

// NewChain builds a chain. verifier may be nil, in which case no claims are decoded.
func NewChain(resolver TenantResolver, verifier Verifier) *Chain {
	return &Chain{resolver: resolver, verifier: verifier}
}

// Identify never fails outright; a tenant resolution failure is carried in Identity.Err.
func (c *Chain) Identify(r *http.Request) Identity {
	creds := Extract(r)

	claims, _ := ClaimsFromContext(r.Context())
	if claims == nil && c.verifier != nil && creds.BearerToken != "" {
		verified, err := c.verifier.Verify(r.Context(), creds.BearerToken)
		if err != nil {
			// Unverified tokens still flow downstream, where they are authoritative.
			slog.Debug("bearer token not verifiable by gateway", "error", err, "token_prefix", safePrefix(creds.BearerToken))
		} else {
			claims = verified
		}
	}

	id := Identity{
		UserID:      creds.UserID,
		SessionID:   creds.SessionID,
		IPAddress:   creds.IPAddress,
		UserAgent:   creds.UserAgent,
		Token:       creds.BearerToken,
		TokenSource: TokenNone,
	}
	if id.Token != "" {
		id.TokenSource = TokenRequest
	}
	if claims != nil && claims.Subject != "" {
		id.UserID = claims.Subject
	}

	id.TenantID, id.TenantSource, id.Err = c.resolver.Resolve(claims, creds.TenantHeader, r.URL.Path)
	return id
}

// Middleware attaches the resolved Identity to the request context. It never rejects,
// so observers further down the chain see every request.
func Middleware(chain *Chain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chain.Identify(r)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequireTenant rejects requests without a resolved tenant before any further processing.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get(httputil.HeaderRequestID)

		id, ok := FromContext(r.Context())
		if !ok || id.TenantID == "" {
			slog.Warn("request rejected: missing tenant",
				"request_id", reqID,
				"path", r.URL.Path,
				"ip", id.IPAddress,
			)
			httputil.WriteMissingTenantError(w, reqID, "Tenant could not be resolved. Provide a tenant-scoped token or the "+HeaderTenantID+" header.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// safePrefix returns a safe-to-log prefix of a token (never the full value).
func safePrefix(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return "***"
}
