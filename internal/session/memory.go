package session

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Used for
// tests and local development without a database.
type InMemory struct {
	mu         sync.RWMutex
	identities map[string]*Identity // keyed by id
	byEmail    map[string]string    // email -> id
	refresh    map[string]*RefreshTokenRecord
	members    map[string]Membership // identityID + "/" + projectID
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[string]*Identity),
		byEmail:    make(map[string]string),
		refresh:    make(map[string]*RefreshTokenRecord),
		members:    make(map[string]Membership),
	}
}

func (s *InMemory) Identities(context.Context) IdentityStore        { return (*memIdentities)(s) }
func (s *InMemory) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(s) }
func (s *InMemory) Memberships(context.Context) MembershipStore     { return (*memMembers)(s) }

// AddMembership seeds a project membership (test/dev helper; memberships are
// owned by the project service in production).
func (s *InMemory) AddMembership(m Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.IdentityID+"/"+m.ProjectID] = m
}

type memIdentities InMemory

func (s *memIdentities) Create(_ context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[id.Email]; ok {
		return ErrAlreadyExists
	}
	cp := *id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.identities[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

func (s *memIdentities) Find(_ context.Context, identityID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identityID, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.identities[identityID]
	return &cp, nil
}

func (s *memIdentities) FindByResetGrant(_ context.Context, token string, now time.Time) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if id.ResetToken != "" && id.ResetToken == token && !id.ResetExpiry.Before(now) {
			cp := *id
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memIdentities) SetResetGrant(_ context.Context, identityID, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	id.ResetToken = token
	id.ResetExpiry = expiry
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memIdentities) UpdatePassword(_ context.Context, identityID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	id.PasswordHash = passwordHash
	id.ResetToken = ""
	id.ResetExpiry = time.Time{}
	id.UpdatedAt = time.Now().UTC()
	return nil
}

type memRefresh InMemory

func (s *memRefresh) Create(_ context.Context, rec *RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[rec.Token]; ok {
		return ErrAlreadyExists
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.refresh[cp.Token] = &cp
	return nil
}

func (s *memRefresh) Find(_ context.Context, token string) (*RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.refresh[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memRefresh) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, token)
	return nil
}

func (s *memRefresh) DeleteByIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, rec := range s.refresh {
		if rec.IdentityID == identityID {
			delete(s.refresh, token)
		}
	}
	return nil
}

type memMembers InMemory

func (s *memMembers) Find(_ context.Context, identityID, projectID string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[identityID+"/"+projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}
