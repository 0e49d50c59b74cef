package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureMailer struct {
	mu      sync.Mutex
	email   string
	token   string
	expires time.Time
	calls   int
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.email = email
	m.token = token
	m.expires = expiresAt
	m.calls++
	return nil
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory()
	codec, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := NewService(store, codec, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func mustRegister(t *testing.T, svc *Service, email, password string) *Identity {
	t.Helper()
	identity, err := svc.Register(context.Background(), email, password, "Test User")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return identity
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		display  string
	}{
		{"missing email", "", "password123", "A"},
		{"malformed email", "not-an-email", "password123", "A"},
		{"short password", "a@example.com", "short", "A"},
		{"missing name", "a@example.com", "password123", "  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.email, tc.password, tc.display); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegisterNormalizesEmailAndRejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	identity := mustRegister(t, svc, "  Dev@Example.COM ", "password123")
	if identity.Email != "dev@example.com" {
		t.Fatalf("email not normalized: %s", identity.Email)
	}
	if identity.Role != RoleDeveloper {
		t.Fatalf("expected default role %q, got %q", RoleDeveloper, identity.Role)
	}
	if identity.PasswordHash == "password123" || identity.PasswordHash == "" {
		t.Fatal("password stored without hashing")
	}

	if _, err := svc.Register(ctx, "dev@example.com", "password123", "Other"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLoginIssuesVerifiableTokenPair(t *testing.T) {
	svc, _ := newTestService(t, WithAccessTTL(10*time.Minute))
	ctx := context.Background()
	identity := mustRegister(t, svc, "dev@example.com", "password123")

	pair, who, err := svc.Login(ctx, "Dev@Example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if who.ID != identity.ID {
		t.Fatalf("unexpected identity: %s", who.ID)
	}
	if pair.RefreshToken == "" {
		t.Fatal("expected refresh token")
	}
	if !pair.AccessExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", pair.AccessExpiresAt)
	}

	claims, err := svc.Codec().Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != identity.ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Email != "dev@example.com" || claims.Role != RoleDeveloper {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "dev@example.com", "password123")

	_, _, errWrongPassword := svc.Login(ctx, "dev@example.com", "not-the-password")
	_, _, errUnknownEmail := svc.Login(ctx, "ghost@example.com", "password123")

	if !errors.Is(errWrongPassword, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", errWrongPassword)
	}
	if !errors.Is(errUnknownEmail, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", errUnknownEmail)
	}
	if errWrongPassword.Error() != errUnknownEmail.Error() {
		t.Fatalf("failure messages differ: %q vs %q", errWrongPassword, errUnknownEmail)
	}
}

func TestRefreshLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	identity := mustRegister(t, svc, "dev@example.com", "password123")

	pair, _, err := svc.Login(ctx, "dev@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	access, exp, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", exp)
	}
	claims, err := svc.Codec().Verify(access)
	if err != nil {
		t.Fatalf("Verify refreshed token: %v", err)
	}
	if claims.Subject != identity.ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
	// Second logout of the same token is a no-op.
	if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("repeat Logout: %v", err)
	}

	if _, _, err := svc.Refresh(ctx, "never-issued"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if _, _, err := svc.Refresh(ctx, "  "); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for blank token, got %v", err)
	}
}

func TestRefreshReflectsRoleChange(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	identity := mustRegister(t, svc, "dev@example.com", "password123")

	pair, _, err := svc.Login(ctx, "dev@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Promote the account out of band; the next refresh must carry the new role.
	store.mu.Lock()
	store.identities[identity.ID].Role = RoleAdmin
	store.mu.Unlock()

	access, _, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := svc.Codec().Verify(access)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Fatalf("expected refreshed role %q, got %q", RoleAdmin, claims.Role)
	}
}

func TestLogoutEverywhere(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	identity := mustRegister(t, svc, "dev@example.com", "password123")

	first, _, err := svc.Login(ctx, "dev@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, _, err := svc.Login(ctx, "dev@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.LogoutEverywhere(ctx, identity.ID); err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		if _, _, err := svc.Refresh(ctx, token); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
		}
	}
}

func TestRecoverPasswordUnknownEmailIsSilent(t *testing.T) {
	mailer := &captureMailer{}
	svc, _ := newTestService(t, WithMailer(mailer))

	if err := svc.RecoverPassword(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("RecoverPassword: %v", err)
	}
	if mailer.calls != 0 {
		t.Fatalf("expected no dispatch for unknown email, got %d", mailer.calls)
	}
}

func TestPasswordResetRoundTrip(t *testing.T) {
	mailer := &captureMailer{}
	svc, _ := newTestService(t, WithMailer(mailer))
	ctx := context.Background()
	mustRegister(t, svc, "dev@example.com", "password123")

	if err := svc.RecoverPassword(ctx, "dev@example.com"); err != nil {
		t.Fatalf("RecoverPassword: %v", err)
	}
	if mailer.calls != 1 || mailer.token == "" {
		t.Fatalf("expected one dispatch with token, got calls=%d token=%q", mailer.calls, mailer.token)
	}
	if mailer.email != "dev@example.com" {
		t.Fatalf("dispatched to wrong address: %s", mailer.email)
	}

	if err := svc.ResetPassword(ctx, mailer.token, "newpassword456"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	if _, _, err := svc.Login(ctx, "dev@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "newpassword456"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	// The grant is single-use.
	if err := svc.ResetPassword(ctx, mailer.token, "anotherpass789"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken on reuse, got %v", err)
	}
}

func TestResetGrantReplacedByNewerRequest(t *testing.T) {
	mailer := &captureMailer{}
	svc, _ := newTestService(t, WithMailer(mailer))
	ctx := context.Background()
	mustRegister(t, svc, "dev@example.com", "password123")

	if err := svc.RecoverPassword(ctx, "dev@example.com"); err != nil {
		t.Fatalf("RecoverPassword: %v", err)
	}
	firstToken := mailer.token
	if err := svc.RecoverPassword(ctx, "dev@example.com"); err != nil {
		t.Fatalf("RecoverPassword: %v", err)
	}
	secondToken := mailer.token
	if firstToken == secondToken {
		t.Fatal("expected a fresh token per request")
	}

	if err := svc.ResetPassword(ctx, firstToken, "newpassword456"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("superseded grant should fail, got %v", err)
	}
	if err := svc.ResetPassword(ctx, secondToken, "newpassword456"); err != nil {
		t.Fatalf("latest grant rejected: %v", err)
	}
}

func TestResetPasswordExpiredGrant(t *testing.T) {
	base := time.Now().UTC()
	current := base
	mailer := &captureMailer{}
	svc, _ := newTestService(t,
		WithMailer(mailer),
		WithResetTTL(30*time.Minute),
		WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()
	mustRegister(t, svc, "dev@example.com", "password123")

	if err := svc.RecoverPassword(ctx, "dev@example.com"); err != nil {
		t.Fatalf("RecoverPassword: %v", err)
	}

	current = base.Add(31 * time.Minute)
	if err := svc.ResetPassword(ctx, mailer.token, "newpassword456"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken for expired grant, got %v", err)
	}
}

func TestResetPasswordValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.ResetPassword(ctx, "", "newpassword456"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken for blank token, got %v", err)
	}
	if err := svc.ResetPassword(ctx, "some-token", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}
