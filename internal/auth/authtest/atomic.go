// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package authtest

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/keyfold/keyfold/internal/auth"
)

// Atomic is an in-memory auth.Atomic. It snapshots the fakes before the
// unit of work and restores them when the work fails, mirroring a database
// rollback. Units of work are serialized by a mutex.
//
// The Override fields, when set, replace the corresponding repository
// handed to the unit of work. Tests use them to inject failures partway
// through a transaction.
type Atomic struct {
	mu       sync.Mutex
	users    *UserRepo
	tokens   *TokenRepo
	sessions *SessionRepo

	UsersOverride    auth.UserRepository
	TokensOverride   auth.TokenRepository
	SessionsOverride auth.SessionRepository
}

// NewAtomic creates an Atomic over the given fakes.
func NewAtomic(users *UserRepo, tokens *TokenRepo, sessions *SessionRepo) *Atomic {
	return &Atomic{users: users, tokens: tokens, sessions: sessions}
}

var _ auth.Atomic = (*Atomic)(nil)

// InTx runs fn against the fakes and rolls their state back when fn
// returns an error.
func (a *Atomic) InTx(_ context.Context, fn func(auth.TxRepositories) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	userSnap := a.users.snapshot()
	tokenSnap := a.tokens.snapshot()
	sessionSnap := a.sessions.snapshot()

	tx := auth.TxRepositories{Users: a.users, Tokens: a.tokens, Sessions: a.sessions}
	if a.UsersOverride != nil {
		tx.Users = a.UsersOverride
	}
	if a.TokensOverride != nil {
		tx.Tokens = a.TokensOverride
	}
	if a.SessionsOverride != nil {
		tx.Sessions = a.SessionsOverride
	}

	if err := fn(tx); err != nil {
		a.users.restore(userSnap)
		a.tokens.restore(tokenSnap)
		a.sessions.restore(sessionSnap)
		return err
	}
	return nil
}

func (r *UserRepo) snapshot() map[ulid.ULID]*auth.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[ulid.ULID]*auth.User, len(r.users))
	for id, user := range r.users {
		cp := *user
		snap[id] = &cp
	}
	return snap
}

func (r *UserRepo) restore(snap map[ulid.ULID]*auth.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = snap
}

func (r *TokenRepo) snapshot() map[string]*auth.VerificationToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]*auth.VerificationToken, len(r.tokens))
	for hash, token := range r.tokens {
		cp := *token
		snap[hash] = &cp
	}
	return snap
}

func (r *TokenRepo) restore(snap map[string]*auth.VerificationToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = snap
}

func (r *SessionRepo) snapshot() map[ulid.ULID]*auth.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[ulid.ULID]*auth.Session, len(r.sessions))
	for id, session := range r.sessions {
		cp := *session
		snap[id] = &cp
	}
	return snap
}

func (r *SessionRepo) restore(snap map[ulid.ULID]*auth.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = snap
}
