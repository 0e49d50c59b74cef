package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities(context.Context) IdentityStore {
	return &identityStore{db: s.db}
}
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *PGStore) Memberships(context.Context) MembershipStore {
	return &membershipStore{db: s.db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Identity store -----------------------------------------------------------

type identityStore struct{ db *sql.DB }

const identityColumns = `id, email, password_hash, display_name, avatar_ref, role,
	reset_token, reset_token_expires_at, created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, email, password_hash, display_name, avatar_ref, role)
		 values($1,$2,$3,$4,$5,$6)`,
		id.ID, id.Email, id.PasswordHash, id.DisplayName, id.AvatarRef, id.Role,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *identityStore) Find(ctx context.Context, identityID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, identityID)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email=$1`, email)
	return scanIdentity(row)
}

func (s *identityStore) FindByResetGrant(ctx context.Context, token string, now time.Time) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities
		 where reset_token=$1 and reset_token_expires_at >= $2`, token, now)
	return scanIdentity(row)
}

func (s *identityStore) SetResetGrant(ctx context.Context, identityID, token string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set reset_token=$2, reset_token_expires_at=$3, updated_at=now()
		 where id=$1`, identityID, token, expiry)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *identityStore) UpdatePassword(ctx context.Context, identityID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set password_hash=$2, reset_token=null,
		 reset_token_expires_at=null, updated_at=now() where id=$1`,
		identityID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id          Identity
		avatar      sql.NullString
		resetToken  sql.NullString
		resetExpiry sql.NullTime
	)
	err := row.Scan(&id.ID, &id.Email, &id.PasswordHash, &id.DisplayName,
		&avatar, &id.Role, &resetToken, &resetExpiry, &id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id.AvatarRef = avatar.String
	id.ResetToken = resetToken.String
	if resetExpiry.Valid {
		id.ResetExpiry = resetExpiry.Time
	}
	return &id, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Refresh token store -------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(token, identity_id) values($1,$2)`,
		rec.Token, rec.IdentityID,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select token, identity_id, created_at from refresh_tokens where token=$1`, token)
	var rec RefreshTokenRecord
	if err := row.Scan(&rec.Token, &rec.IdentityID, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *refreshTokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where token=$1`, token)
	return err
}

func (s *refreshTokenStore) DeleteByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where identity_id=$1`, identityID)
	return err
}

// Membership store ----------------------------------------------------------

type membershipStore struct{ db *sql.DB }

func (s *membershipStore) Find(ctx context.Context, identityID, projectID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select identity_id, project_id, role from project_members
		 where identity_id=$1 and project_id=$2`, identityID, projectID)
	var m Membership
	if err := row.Scan(&m.IdentityID, &m.ProjectID, &m.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
