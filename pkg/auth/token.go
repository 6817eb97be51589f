package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "vorion/auth"
	audience = "vorion.internal"
)

// Claims are the JWT claims Vorion issues and accepts. The tenant binding
// is mandatory; a token without one is rejected.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// TokenManager issues and verifies principal tokens against a key set.
type TokenManager struct {
	keys KeySet
	now  func() time.Time
}

// NewTokenManager builds a token manager.
func NewTokenManager(keys KeySet) *TokenManager {
	return &TokenManager{keys: keys, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

// Issue signs a token for the principal with the given lifetime.
func (tm *TokenManager) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.ID == "" {
		return "", fmt.Errorf("auth: principal id is required")
	}
	if p.TenantID == "" {
		return "", fmt.Errorf("auth: principal tenant binding is required")
	}

	now := tm.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID,
		Roles:    p.Roles,
	}
	return tm.keys.Sign(claims)
}

// Verify parses and validates a token and returns its principal.
func (tm *TokenManager) Verify(token string) (Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, tm.keys.KeyFunc(),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: verify token: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, fmt.Errorf("auth: invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("auth: token has no subject")
	}
	if claims.TenantID == "" {
		return Principal{}, fmt.Errorf("auth: token has no tenant binding")
	}
	return Principal{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
	}, nil
}
