package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasklane.dev/internal/ids"
	"tasklane.dev/internal/obs"
)

const (
	defaultAccessTTL = 15 * time.Minute
	defaultResetTTL  = 30 * time.Minute

	refreshTokenBytes = 48
	resetTokenBytes   = 32

	minPasswordLength = 8
)

// Mailer delivers password reset tokens out of band. The delivery mechanism is
// outside this subsystem; implementations must not expose whether the address
// belongs to a registered identity.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LogMailer writes the dispatch as a structured log line instead of sending
// mail. Default for local development and tests.
type LogMailer struct{}

func (LogMailer) SendPasswordReset(_ context.Context, email, token string, expiresAt time.Time) error {
	obs.LogRequest(map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"level":      "info",
		"msg":        "password_reset_dispatch",
		"email":      email,
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// TokenPair is the credential pair returned by a successful login.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// Service orchestrates login, refresh, logout and password reset over the
// credential store and token codec.
type Service struct {
	store  Store
	codec  *Codec
	mailer Mailer
	now    func() time.Time

	accessTTL time.Duration
	resetTTL  time.Duration

	// Compared against on unknown-email logins so both failure paths pay the
	// same bcrypt cost.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures the password reset grant window.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithMailer overrides the reset token dispatcher.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if codec == nil {
		return nil, errors.New("token codec is required")
	}
	svc := &Service{
		store:     store,
		codec:     codec,
		mailer:    LogMailer{},
		now:       time.Now,
		accessTTL: defaultAccessTTL,
		resetTTL:  defaultResetTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := HashPassword("tasklane-timing-reference")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	svc.dummyHash = dummy
	return svc, nil
}

// Codec exposes the token codec so the authentication gate can verify bearer
// tokens without a service round trip.
func (s *Service) Codec() *Codec { return s.codec }

// Register creates a new identity with a hashed password and the default
// account role.
func (s *Service) Register(ctx context.Context, email, password, name string) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	identity := &Identity{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  name,
		Role:         RoleDeveloper,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Identities(ctx).Create(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// Login authenticates the credentials and issues an access+refresh pair.
// Wrong password and unknown email map to the same ErrInvalidCredentials and
// pay the same bcrypt cost.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(s.dummyHash, password)
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	access, exp, err := s.mintAccess(identity)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, err := RandomOpaque(refreshTokenBytes)
	if err != nil {
		return TokenPair{}, nil, err
	}
	rec := &RefreshTokenRecord{
		Token:      refresh,
		IdentityID: identity.ID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, nil, err
	}
	return TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: exp,
	}, identity, nil
}

// Refresh exchanges a live refresh token for a fresh access token. The
// identity is re-read so role and profile changes take effect immediately; a
// missing record means the token was revoked or never issued and the client
// must force a full re-login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return "", time.Time{}, ErrInvalidRefreshToken
	}
	rec, err := s.store.RefreshTokens(ctx).Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidRefreshToken
		}
		return "", time.Time{}, err
	}
	identity, err := s.store.Identities(ctx).Find(ctx, rec.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidRefreshToken
		}
		return "", time.Time{}, err
	}
	token, exp, err := s.mintAccess(identity)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint access token: %w", err)
	}
	return token, exp, nil
}

// Logout revokes a single refresh token. Revoking an already-revoked token is
// a no-op, so calling Logout twice is safe.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return s.store.RefreshTokens(ctx).Delete(ctx, refreshToken)
}

// LogoutEverywhere revokes every refresh token issued to the identity.
func (s *Service) LogoutEverywhere(ctx context.Context, identityID string) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	return s.store.RefreshTokens(ctx).DeleteByIdentity(ctx, identityID)
}

// RecoverPassword installs a fresh reset grant and dispatches the token out of
// band. The response shape is identical whether or not the address belongs to
// a registered identity, so the endpoint cannot be used for enumeration.
func (s *Service) RecoverPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	token, err := RandomOpaque(resetTokenBytes)
	if err != nil {
		return err
	}
	expiry := s.now().UTC().Add(s.resetTTL)
	if err := s.store.Identities(ctx).SetResetGrant(ctx, identity.ID, token, expiry); err != nil {
		return err
	}
	return s.mailer.SendPasswordReset(ctx, identity.Email, token, expiry)
}

// ResetPassword consumes a reset grant: the password hash is replaced and the
// grant cleared in one atomic store operation.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidResetToken
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	identity, err := s.store.Identities(ctx).FindByResetGrant(ctx, token, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.Identities(ctx).UpdatePassword(ctx, identity.ID, hash)
}

func (s *Service) mintAccess(identity *Identity) (string, time.Time, error) {
	claims := Claims{
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
	}
	claims.Subject = identity.ID
	return s.codec.Mint(claims, s.accessTTL)
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
