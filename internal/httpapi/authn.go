package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tasklane.dev/internal/obs"
	"tasklane.dev/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/recover-password",
	"/v1/auth/reset-password",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth is the authentication gate. It runs before any protected handler:
// a missing header, malformed prefix or failed verification all fail closed
// with 401 before the handler executes. On success the verified claims are
// attached to the request context read-only.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	codec := a.sessions.Codec()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := codec.Verify(token)
		if err != nil {
			// Expired and invalid are logged apart but answered alike, so the
			// response is not a validity oracle.
			reason := "invalid"
			if errors.Is(err, session.ErrExpiredToken) {
				reason = "expired"
			}
			obs.LogRequest(map[string]any{
				"ts":         time.Now().UTC().Format(time.RFC3339Nano),
				"level":      "warn",
				"msg":        "token_rejected",
				"reason":     reason,
				"request_id": RequestIDFromContext(r.Context()),
				"path":       r.URL.Path,
			})
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := session.ContextWithClaims(r.Context(), *claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireProjectRole is the authorization gate. The decision consults the
// live membership store, never the role claim inside the token: a stale claim
// must not substitute for a membership check. Each route passes the full
// allow-list of roles it accepts.
func (a *API) requireProjectRole(w http.ResponseWriter, r *http.Request, projectID string, allowed ...string) (*session.Membership, bool) {
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if a.memberships == nil {
		writeError(w, r, http.StatusInternalServerError, "membership store unavailable")
		return nil, false
	}
	membership, err := a.memberships.Find(r.Context(), claims.Subject, projectID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, r, http.StatusForbidden, "insufficient project role")
			return nil, false
		}
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return nil, false
	}
	for _, role := range allowed {
		if membership.Role == role {
			return membership, true
		}
	}
	writeError(w, r, http.StatusForbidden, "insufficient project role")
	return nil, false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
