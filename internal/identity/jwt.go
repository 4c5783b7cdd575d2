package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// HMACVerifier validates HS256/HS384/HS512 tokens signed with a shared secret, the
// scheme the DealCycle auth service issues.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(_ context.Context, raw string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("hmac verifier has no secret")
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token claims")
	}
	return ClaimsFromMap(mc), nil
}

// ClaimsFromMap maps the auth service's claim names onto Claims.
func ClaimsFromMap(m map[string]interface{}) *Claims {
	return &Claims{
		Subject:  firstStringClaim(m, "sub", "userId", "id"),
		TenantID: firstStringClaim(m, "tenantId", "tenant_id", "tenant"),
		Email:    firstStringClaim(m, "email"),
		Roles:    stringSliceClaim(m, "roles"),
	}
}

func firstStringClaim(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func stringSliceClaim(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
