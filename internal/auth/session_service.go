// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionService issues, validates, and revokes sessions.
type SessionService struct {
	sessions SessionRepository
	idleTTL  time.Duration
}

// NewSessionService creates a SessionService. idleTTL <= 0 falls back to
// DefaultSessionIdleTTL.
func NewSessionService(sessions SessionRepository, idleTTL time.Duration) (*SessionService, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if idleTTL <= 0 {
		idleTTL = DefaultSessionIdleTTL
	}
	return &SessionService{sessions: sessions, idleTTL: idleTTL}, nil
}

// WithRepository returns a copy of the service bound to sessions, typically
// a transaction-scoped repository. The idle TTL carries over.
func (s *SessionService) WithRepository(sessions SessionRepository) *SessionService {
	return &SessionService{sessions: sessions, idleTTL: s.idleTTL}
}

// Create mints a session for the user and returns it with the plaintext
// token. The token is the only copy; it is handed to the transport layer
// and never persisted.
func (s *SessionService) Create(ctx context.Context, userID ulid.ULID, userAgent, ipAddress string) (*Session, string, error) {
	token, hash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	session, err := NewSession(userID, hash, userAgent, ipAddress, time.Now().Add(s.idleTTL))
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "construct session").
			Wrap(err)
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			Wrap(err)
	}

	return session, token, nil
}

// Validate checks a plaintext session token. A missing, revoked, or
// expired session yields ErrUnauthenticated. On success the idle window
// slides forward as a best-effort side effect.
func (s *SessionService) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").
			Wrapf(ErrUnauthenticated, "session token cannot be empty")
	}

	hash := HashSessionToken(token)
	session, err := s.sessions.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_INVALID").
				Wrapf(ErrUnauthenticated, "invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if session.IsRevoked() {
		return nil, oops.Code("SESSION_REVOKED").
			Wrapf(ErrUnauthenticated, "session has been revoked")
	}
	if session.IsExpired() {
		return nil, oops.Code("SESSION_EXPIRED").
			Wrapf(ErrUnauthenticated, "session has expired")
	}

	// Sliding expiration: push the idle window out. Best effort; the
	// validation result does not depend on it.
	now := time.Now()
	session.LastSeenAt = now
	session.ExpiresAt = now.Add(s.idleTTL)
	_ = s.sessions.Touch(ctx, session.ID, now, session.ExpiresAt) //nolint:errcheck // best effort

	return session, nil
}

// Revoke marks a session revoked. Idempotent: revoking an unknown or
// already revoked session succeeds.
func (s *SessionService) Revoke(ctx context.Context, sessionID ulid.ULID) error {
	if err := s.sessions.Revoke(ctx, sessionID, time.Now()); err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// RevokeAll revokes every session for a user. Used on password reset and
// explicit sign-out-everywhere.
func (s *SessionService) RevokeAll(ctx context.Context, userID ulid.ULID) (int64, error) {
	n, err := s.sessions.RevokeAllByUser(ctx, userID, time.Now())
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return n, nil
}
