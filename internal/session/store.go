package session

import (
	"context"
	"time"
)

// Store describes persistence operations required by the session subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Memberships(ctx context.Context) MembershipStore
}

// IdentityStore manages identity records.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, identityID string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	// FindByResetGrant returns the identity holding the reset token, provided
	// the grant has not expired at the supplied instant.
	FindByResetGrant(ctx context.Context, token string, now time.Time) (*Identity, error)
	// SetResetGrant installs a reset grant, replacing any prior one.
	SetResetGrant(ctx context.Context, identityID, token string, expiry time.Time) error
	// UpdatePassword replaces the password hash and clears the reset grant in
	// a single atomic statement.
	UpdatePassword(ctx context.Context, identityID, passwordHash string) error
}

// RefreshTokenStore manages refresh token lifecycle. Delete is idempotent:
// removing an absent token is not an error.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	Find(ctx context.Context, token string) (*RefreshTokenRecord, error)
	Delete(ctx context.Context, token string) error
	DeleteByIdentity(ctx context.Context, identityID string) error
}

// MembershipStore is the authoritative role source for project-scoped
// authorization decisions. The role claim inside an access token is only a
// coarse default and never substitutes for a membership lookup.
type MembershipStore interface {
	Find(ctx context.Context, identityID, projectID string) (*Membership, error)
}
