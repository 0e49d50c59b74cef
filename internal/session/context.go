package session

import "context"

type claimsContextKey struct{}

// ContextWithClaims attaches the verified access claims to the context. The
// attached value is a copy; handlers cannot mutate the caller's identity.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, &claims)
}

// ClaimsFromContext extracts the verified access claims from the context.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return Claims{}, false
	}
	return *v, true
}

// IdentityIDFromContext returns the authenticated identity id, if any.
func IdentityIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
