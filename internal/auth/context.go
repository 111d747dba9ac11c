package auth

import (
	"context"
	"strings"
)

// Principal is the resolved caller identity: either a human bound through the
// device flow, or a machine caller authenticated by a resource API key.
type Principal struct {
	Identity string
	// ResourceID is set for API-key callers and scopes them to one resource.
	ResourceID string
}

// Machine reports whether the principal authenticated with an API key.
func (p Principal) Machine() bool { return p.ResourceID != "" }

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil || strings.TrimSpace(v.Identity) == "" {
		return Principal{}, false
	}
	return *v, true
}
