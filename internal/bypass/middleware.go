package bypass

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
)

var (
	// ErrTokenUnavailable means bypass auth is expected but no token could be obtained.
	ErrTokenUnavailable = errors.New("bypass token unavailable")
	// ErrAuthenticationRequired means the request has no credential and bypass does not apply.
	ErrAuthenticationRequired = errors.New("authentication required")
)

// Policy decides whether a missing credential may be replaced by a bypass token.
type Policy struct {
	expected bool
}

func NewPolicy(expected bool) Policy {
	return Policy{expected: expected}
}

// Expected reports whether bypass auth is expected in this environment.
func (p Policy) Expected() bool {
	return p.expected
}

// TokenSource is the capability RequireCredential needs from a Provider.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Resolve returns the credential to use for id, or one of ErrTokenUnavailable /
// ErrAuthenticationRequired.
func Resolve(ctx context.Context, id identity.Identity, src TokenSource, policy Policy) (identity.Identity, error) {
	if id.Token != "" {
		return id, nil
	}
	if !policy.Expected() || src == nil {
		return id, ErrAuthenticationRequired
	}
	tok := src.Token(ctx)
	if tok == "" {
		return id, ErrTokenUnavailable
	}
	id.Token = tok
	id.TokenSource = identity.TokenBypass
	return id, nil
}

// RequireCredential guarantees a bearer credential on the identity before the handler runs.
func RequireCredential(src TokenSource, policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get(httputil.HeaderRequestID)

			id, _ := identity.FromContext(r.Context())
			resolved, err := Resolve(r.Context(), id, src, policy)
			switch {
			case errors.Is(err, ErrTokenUnavailable):
				slog.Error("bypass auth expected but no token available",
					"request_id", reqID,
					"tenant_id", id.TenantID,
					"path", r.URL.Path,
				)
				httputil.WriteBypassUnavailableError(w, reqID,
					"Bypass authentication is expected in this environment but no bypass token could be obtained from the auth service. Check the bypass admin credentials and auth service URL.")
				return
			case errors.Is(err, ErrAuthenticationRequired):
				httputil.WriteAuthRequiredError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <token>")
				return
			}

			ctx := identity.ContextWithIdentity(r.Context(), resolved)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
