// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package authtest provides in-memory repository implementations for
// exercising the auth services without a database. The fakes enforce the
// same uniqueness and single-consumption semantics as the PostgreSQL
// repositories, including under concurrent access.
package authtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keyfold/keyfold/internal/auth"
)

// UserRepo is an in-memory auth.UserRepository.
type UserRepo struct {
	mu    sync.Mutex
	users map[ulid.ULID]*auth.User
}

// NewUserRepo creates an empty UserRepo.
func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[ulid.ULID]*auth.User)}
}

func (r *UserRepo) Create(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return auth.ErrConflict
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if strings.EqualFold(user.Email, email) {
			cp := *user
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *UserRepo) Update(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *UserRepo) MarkEmailVerified(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now()
	return nil
}

func (r *UserRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash, passwordAlgo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.PasswordAlgo = passwordAlgo
	user.UpdatedAt = time.Now()
	return nil
}

func (r *UserRepo) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

// Count returns the number of stored users.
func (r *UserRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// TokenRepo is an in-memory auth.TokenRepository.
type TokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*auth.VerificationToken // keyed by token hash
}

// NewTokenRepo creates an empty TokenRepo.
func NewTokenRepo() *TokenRepo {
	return &TokenRepo{tokens: make(map[string]*auth.VerificationToken)}
}

func (r *TokenRepo) Create(_ context.Context, token *auth.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.TokenHash]; ok {
		return auth.ErrConflict
	}
	cp := *token
	r.tokens[token.TokenHash] = &cp
	return nil
}

func (r *TokenRepo) Consume(_ context.Context, tokenHash string, purpose auth.TokenPurpose, now time.Time) (*auth.VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[tokenHash]
	if !ok || token.Purpose != purpose {
		return nil, auth.ErrNotFound
	}
	if token.ConsumedAt != nil {
		return nil, auth.ErrTokenUsed
	}
	if now.After(token.ExpiresAt) {
		return nil, auth.ErrTokenExpired
	}
	at := now
	token.ConsumedAt = &at
	cp := *token
	return &cp, nil
}

func (r *TokenRepo) DeleteByUser(_ context.Context, userID ulid.ULID, purpose auth.TokenPurpose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, token := range r.tokens {
		if token.UserID.Compare(userID) == 0 && token.Purpose == purpose {
			delete(r.tokens, hash)
		}
	}
	return nil
}

func (r *TokenRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	now := time.Now()
	for hash, token := range r.tokens {
		if now.After(token.ExpiresAt) || token.ConsumedAt != nil {
			delete(r.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the number of stored tokens.
func (r *TokenRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// SessionRepo is an in-memory auth.SessionRepository.
type SessionRepo struct {
	mu       sync.Mutex
	sessions map[ulid.ULID]*auth.Session
}

// NewSessionRepo creates an empty SessionRepo.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[ulid.ULID]*auth.Session)}
}

func (r *SessionRepo) Create(_ context.Context, session *auth.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (r *SessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.TokenHash == tokenHash {
			cp := *session
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *SessionRepo) GetByUser(_ context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*auth.Session
	for _, session := range r.sessions {
		if session.UserID.Compare(userID) == 0 {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *SessionRepo) Touch(_ context.Context, id ulid.ULID, lastSeen, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	session.LastSeenAt = lastSeen
	session.ExpiresAt = expiresAt
	return nil
}

func (r *SessionRepo) Revoke(_ context.Context, id ulid.ULID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.RevokedAt != nil {
		return nil
	}
	session.RevokedAt = &at
	return nil
}

func (r *SessionRepo) RevokeAllByUser(_ context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var revoked int64
	for _, session := range r.sessions {
		if session.UserID.Compare(userID) == 0 && session.RevokedAt == nil {
			session.RevokedAt = &at
			revoked++
		}
	}
	return revoked, nil
}

func (r *SessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	now := time.Now()
	for id, session := range r.sessions {
		if now.After(session.ExpiresAt) || session.RevokedAt != nil {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the number of stored sessions.
func (r *SessionRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IdentityRepo is an in-memory auth.IdentityRepository.
type IdentityRepo struct {
	mu         sync.Mutex
	identities map[string]*auth.LinkedIdentity // keyed by provider + "\x00" + subject
}

// NewIdentityRepo creates an empty IdentityRepo.
func NewIdentityRepo() *IdentityRepo {
	return &IdentityRepo{identities: make(map[string]*auth.LinkedIdentity)}
}

func identityKey(provider, subjectID string) string {
	return provider + "\x00" + subjectID
}

func (r *IdentityRepo) Create(_ context.Context, identity *auth.LinkedIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identityKey(identity.Provider, identity.SubjectID)
	if _, ok := r.identities[key]; ok {
		return auth.ErrConflict
	}
	cp := *identity
	r.identities[key] = &cp
	return nil
}

func (r *IdentityRepo) GetByProviderSubject(_ context.Context, provider, subjectID string) (*auth.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[identityKey(provider, subjectID)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (r *IdentityRepo) GetByUser(_ context.Context, userID ulid.ULID) ([]*auth.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*auth.LinkedIdentity
	for _, identity := range r.identities {
		if identity.UserID.Compare(userID) == 0 {
			cp := *identity
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *IdentityRepo) DeleteByUser(_ context.Context, userID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, identity := range r.identities {
		if identity.UserID.Compare(userID) == 0 {
			delete(r.identities, key)
		}
	}
	return nil
}

// Compile-time interface checks.
var (
	_ auth.UserRepository     = (*UserRepo)(nil)
	_ auth.TokenRepository    = (*TokenRepo)(nil)
	_ auth.SessionRepository  = (*SessionRepo)(nil)
	_ auth.IdentityRepository = (*IdentityRepo)(nil)
)
