package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tasklane.dev/internal/session"
)

func newGateAPI(t *testing.T) (*API, *session.InMemory, *session.Codec) {
	t.Helper()
	store := session.NewInMemory()
	codec, err := session.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := session.NewService(store, codec)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return New(ReadyProbe{}, "test", svc, store.Memberships(context.Background())), store, codec
}

func mintToken(t *testing.T, codec *session.Codec, identityID string) string {
	t.Helper()
	claims := session.Claims{Role: session.RoleDeveloper}
	claims.Subject = identityID
	token, _, err := codec.Mint(claims, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token
}

func TestWithAuthPassesPublicPaths(t *testing.T) {
	api, _, _ := newGateAPI(t)
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for public path, got %d", rr.Code)
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	api, _, _ := newGateAPI(t)
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthRejectsWrongScheme(t *testing.T) {
	api, _, _ := newGateAPI(t)
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAttachesClaims(t *testing.T) {
	api, _, codec := newGateAPI(t)
	var got string
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := session.IdentityIDFromContext(r.Context()); ok {
			got = id
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, codec, "identity-7"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got != "identity-7" {
		t.Fatalf("claims not attached, got %q", got)
	}
}

func TestRequireProjectRoleWithoutClaims(t *testing.T) {
	api, _, _ := newGateAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/proj-1/membership", nil)
	rr := httptest.NewRecorder()
	if _, ok := api.requireProjectRole(rr, req, "proj-1", session.RoleAdmin); ok {
		t.Fatal("expected denial without claims")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireProjectRoleDecisions(t *testing.T) {
	api, store, _ := newGateAPI(t)
	store.AddMembership(session.Membership{
		IdentityID: "identity-7",
		ProjectID:  "proj-1",
		Role:       session.RoleGuest,
	})

	claims := session.Claims{Role: session.RoleDeveloper}
	claims.Subject = "identity-7"

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/v1/projects/proj-1/membership", nil)
		return req.WithContext(session.ContextWithClaims(req.Context(), claims))
	}

	// Member with an allowed role passes.
	rr := httptest.NewRecorder()
	membership, ok := api.requireProjectRole(rr, newReq(), "proj-1", session.RoleAdmin, session.RoleGuest)
	if !ok || membership.Role != session.RoleGuest {
		t.Fatalf("expected guest membership to pass, ok=%v membership=%+v", ok, membership)
	}

	// Member whose role is outside the allow-list is forbidden.
	rr = httptest.NewRecorder()
	if _, ok := api.requireProjectRole(rr, newReq(), "proj-1", session.RoleAdmin); ok {
		t.Fatal("expected denial for role outside allow-list")
	}
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	// Non-member is forbidden: the live store decides, not the token role.
	rr = httptest.NewRecorder()
	if _, ok := api.requireProjectRole(rr, newReq(), "proj-2", session.RoleDeveloper); ok {
		t.Fatal("expected denial for non-member")
	}
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"  Bearer   abc123  ", "abc123", false},
		{"", "", true},
		{"Bearer ", "", true},
		{"Token abc123", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("extractBearerToken(%q): %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("extractBearerToken(%q)=%q, want %q", tc.header, got, tc.want)
		}
	}
}
