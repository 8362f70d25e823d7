// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	// SessionTokenBytes is the entropy of a session token.
	SessionTokenBytes = 32

	// DefaultSessionIdleTTL is the sliding idle window. Each successful
	// validation pushes expiry out by this much.
	DefaultSessionIdleTTL = 24 * time.Hour
)

// Session represents an authenticated client context. The opaque token
// handed to the caller is never stored; only its SHA-256 hash is. The
// session ID is a ULID unrelated to the user ID.
type Session struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	TokenHash  string
	UserAgent  string
	IPAddress  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
	RevokedAt  *time.Time
}

// NewSession creates a validated Session. UserAgent and IPAddress are
// optional metadata and may be empty.
func NewSession(userID ulid.ULID, tokenHash, userAgent, ipAddress string, expiresAt time.Time) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	now := time.Now()
	return &Session{
		ID:         ulid.Make(),
		UserID:     userID,
		TokenHash:  tokenHash,
		UserAgent:  userAgent,
		IPAddress:  ipAddress,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return s.IsExpiredAt(time.Now())
}

// IsExpiredAt returns true if the session would be expired at the given
// time. Useful for deterministic tests.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// IsRevoked returns true if the session has been revoked.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error). The plaintext token goes
// to the client; only the hash is persisted.
func GenerateSessionToken() (token, hash string, err error) {
	raw := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(raw)
	hash = HashSessionToken(token)
	return token, hash, nil
}

// HashSessionToken computes the SHA-256 hash of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifySessionToken checks a plaintext token against a stored hash in
// constant time.
func VerifySessionToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashSessionToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByID retrieves a session by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// GetByUser retrieves all sessions for a user, newest first.
	GetByUser(ctx context.Context, userID ulid.ULID) ([]*Session, error)

	// Touch updates the last-seen timestamp and slides the expiry window.
	Touch(ctx context.Context, id ulid.ULID, lastSeen, expiresAt time.Time) error

	// Revoke marks a session revoked. Idempotent: revoking an already
	// revoked or unknown session returns nil.
	Revoke(ctx context.Context, id ulid.ULID, at time.Time) error

	// RevokeAllByUser revokes every session for a user, returning the
	// count of newly revoked sessions.
	RevokeAllByUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error)

	// DeleteExpired removes expired and revoked sessions, returning the
	// count of deleted records.
	DeleteExpired(ctx context.Context) (int64, error)
}
