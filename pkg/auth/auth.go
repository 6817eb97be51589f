// Package auth identifies callers. A Principal carries the authenticated
// subject and its tenant binding; tokens are Ed25519-signed JWTs verified
// against a rotating key set, and stored API keys are hashed with argon2id.
package auth

import (
	"context"
	"errors"
)

// Principal is an authenticated caller.
type Principal struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ErrNoPrincipal is returned when a context carries no authenticated caller.
var ErrNoPrincipal = errors.New("auth: no principal in context")

type contextKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom retrieves the authenticated principal.
func PrincipalFrom(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// TenantFrom retrieves the authenticated tenant id.
func TenantFrom(ctx context.Context) (string, error) {
	p, err := PrincipalFrom(ctx)
	if err != nil {
		return "", err
	}
	return p.TenantID, nil
}
