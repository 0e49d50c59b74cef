package session

import "time"

// Project-scoped roles. Roles are non-hierarchical: every route enumerates the
// roles it accepts, there is no implicit elevation.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleGuest     = "guest"
)

// ValidRole reports whether role is one of the known project roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleDeveloper, RoleGuest:
		return true
	}
	return false
}

// Identity represents a registered account. Identities are never hard-deleted
// by this subsystem. ResetToken and ResetExpiry form a single-slot password
// reset grant: issuing a new grant replaces any prior one, and a successful
// password change clears the slot.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	AvatarRef    string
	Role         string
	ResetToken   string
	ResetExpiry  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshTokenRecord ties an opaque refresh token to an identity. The record's
// existence is the sole validity criterion: deleting it is the only way a
// refresh token is revoked.
type RefreshTokenRecord struct {
	Token      string
	IdentityID string
	CreatedAt  time.Time
}

// Membership binds an identity to a project with a single role. Memberships
// are written by the project service; this subsystem only reads them.
type Membership struct {
	IdentityID string
	ProjectID  string
	Role       string
}
