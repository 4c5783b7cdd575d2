package identity

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderSessionID     = "X-Session-Id"
	HeaderUserID        = "X-User-Id"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderAuthorization = "Authorization"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRealIP        = "X-Real-IP"
	HeaderClientIP      = "X-Client-IP"
	HeaderUserAgent     = "User-Agent"

	SessionCookie = "sessionId"
	SessionQuery  = "sessionId"

	Unknown = "unknown"
)

// Credentials are the raw identity candidates found on a request. Nothing here is
// arbitrated or verified yet.
type Credentials struct {
	SessionID    string
	UserID       string
	TenantHeader string
	BearerToken  string
	IPAddress    string
	UserAgent    string
}

// Source reads one candidate value from a request, returning "" when absent.
type Source func(r *http.Request) string

// FirstOf evaluates sources in order and returns the first non-empty result.
func FirstOf(sources ...Source) Source {
	return func(r *http.Request) string {
		for _, src := range sources {
			if v := src(r); v != "" {
				return v
			}
		}
		return ""
	}
}

// Header reads a trimmed header value.
func Header(name string) Source {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// Cookie reads a cookie value.
func Cookie(name string) Source {
	return func(r *http.Request) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(c.Value)
	}
}

// Query reads a URL query parameter.
func Query(name string) Source {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get(name))
	}
}

// BearerToken reads the token from an "Authorization: Bearer <token>" header.
// The scheme match is case-insensitive.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get(HeaderAuthorization)
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// ForwardedFor returns the first hop of X-Forwarded-For.
func ForwardedFor(r *http.Request) string {
	xff := r.Header.Get(HeaderForwardedFor)
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// RemoteAddr returns the host part of the socket peer address.
func RemoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

var (
	SessionSources = []Source{Header(HeaderSessionID), BearerToken, Cookie(SessionCookie), Query(SessionQuery)}
	IPSources      = []Source{ForwardedFor, Header(HeaderRealIP), Header(HeaderClientIP), RemoteAddr}
)

var (
	sessionID = FirstOf(SessionSources...)
	ipAddress = FirstOf(IPSources...)
	userID    = Header(HeaderUserID)
	tenantHdr = Header(HeaderTenantID)
	userAgent = Header(HeaderUserAgent)
)

// Extract collects identity candidates from the request. It never fails; absent
// values are "" except IPAddress and UserAgent, which fall back to "unknown".
func Extract(r *http.Request) Credentials {
	creds := Credentials{
		SessionID:    sessionID(r),
		UserID:       userID(r),
		TenantHeader: tenantHdr(r),
		BearerToken:  BearerToken(r),
		IPAddress:    ipAddress(r),
		UserAgent:    userAgent(r),
	}
	if creds.IPAddress == "" {
		creds.IPAddress = Unknown
	}
	if creds.UserAgent == "" {
		creds.UserAgent = Unknown
	}
	return creds
}
