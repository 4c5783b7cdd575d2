package identity

import (
	"errors"
	"fmt"
	"strings"
)

// DevDefaultTenantID is the OAuth-callback fallback used when no default tenant is
// configured. It is never used in production.
const DevDefaultTenantID = "507f1f77bcf86cd799439011"

// ErrMissingTenant matches any MissingTenantError via errors.Is.
var ErrMissingTenant = errors.New("tenant could not be resolved")

// MissingTenantError is returned when no precedence rule yields a tenant.
type MissingTenantError struct {
	Path string
}

func (e *MissingTenantError) Error() string {
	return fmt.Sprintf("tenant could not be resolved for %s: no tenant claim, %s header, or OAuth default", e.Path, HeaderTenantID)
}

func (e *MissingTenantError) Is(target error) bool {
	return target == ErrMissingTenant
}

// TenantResolver arbitrates tenant candidates. It holds no mutable state, so one
// value can be shared by all requests.
type TenantResolver struct {
	defaultTenantID string
	callbackPrefix  []string
}

// NewTenantResolver builds a resolver. An empty defaultTenantID falls back to
// DevDefaultTenantID outside production and disables the OAuth default in production.
func NewTenantResolver(defaultTenantID string, callbackPrefixes []string, production bool) TenantResolver {
	def := strings.TrimSpace(defaultTenantID)
	if def == "" && !production {
		def = DevDefaultTenantID
	}
	prefixes := make([]string, 0, len(callbackPrefixes))
	for _, p := range callbackPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return TenantResolver{defaultTenantID: def, callbackPrefix: prefixes}
}

// Resolve applies, in order: verified claim, X-Tenant-Id header, OAuth-callback default.
func (tr TenantResolver) Resolve(claims *Claims, headerTenant, path string) (string, TenantSource, error) {
	if claims != nil && claims.TenantID != "" {
		return claims.TenantID, TenantFromClaim, nil
	}
	if h := strings.TrimSpace(headerTenant); h != "" {
		return h, TenantFromHeader, nil
	}
	if tr.defaultTenantID != "" && tr.isOAuthCallback(path) {
		return tr.defaultTenantID, TenantFromOAuthDefault, nil
	}
	return "", "", &MissingTenantError{Path: path}
}

func (tr TenantResolver) isOAuthCallback(path string) bool {
	for _, p := range tr.callbackPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
