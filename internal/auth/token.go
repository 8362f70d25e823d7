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

// TokenPurpose identifies what a verification token authorizes.
type TokenPurpose string

const (
	// PurposeVerifyEmail proves ownership of a registration email.
	PurposeVerifyEmail TokenPurpose = "verify-email"

	// PurposeResetPassword authorizes a credential rotation.
	PurposeResetPassword TokenPurpose = "reset-password"
)

// Token configuration.
const (
	// VerificationTokenBytes is the entropy of a token value. 32 bytes is
	// well above the 128-bit minimum the threat model requires.
	VerificationTokenBytes = 32

	// VerifyEmailTokenTTL is the default lifetime of verify-email tokens.
	VerifyEmailTokenTTL = 24 * time.Hour

	// ResetPasswordTokenTTL is the default lifetime of reset tokens.
	ResetPasswordTokenTTL = time.Hour
)

// VerificationToken is a single-use, time-boxed proof of email ownership or
// password-reset intent. Only the SHA-256 hash of the token value is stored;
// the raw value exists once, in the outbound email link.
type VerificationToken struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	Purpose    TokenPurpose
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// NewVerificationToken creates a validated VerificationToken.
func NewVerificationToken(userID ulid.ULID, purpose TokenPurpose, tokenHash string, expiresAt time.Time) (*VerificationToken, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if purpose != PurposeVerifyEmail && purpose != PurposeResetPassword {
		return nil, oops.Code("TOKEN_INVALID_PURPOSE").
			With("purpose", string(purpose)).
			Errorf("unknown token purpose")
	}
	if tokenHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &VerificationToken{
		ID:        ulid.Make(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// IsExpired returns true if the token is past its expiry.
func (t *VerificationToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsConsumed returns true if the token has been used.
func (t *VerificationToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// GenerateVerificationToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error). The plaintext goes into the
// email link; only the hash is persisted.
func GenerateVerificationToken() (token, hash string, err error) {
	raw := make([]byte, VerificationTokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			Wrap(err)
	}

	token = hex.EncodeToString(raw)
	hash = HashVerificationToken(token)
	return token, hash, nil
}

// HashVerificationToken computes the SHA-256 hash of a token value.
func HashVerificationToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyTokenHash checks a plaintext token against a stored hash in
// constant time.
func VerifyTokenHash(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashVerificationToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// TokenRepository manages verification token persistence.
//
// Consume is the single-use gate: it atomically marks the token consumed
// and returns it, so that of two concurrent consume attempts exactly one
// succeeds. Implementations enforce this with a conditional update
// (consumed_at IS NULL), not application locks.
type TokenRepository interface {
	// Create stores a new token.
	Create(ctx context.Context, token *VerificationToken) error

	// Consume atomically marks the unconsumed, unexpired token with the
	// given hash and purpose as consumed and returns it. Returns
	// ErrNotFound for an unknown hash, ErrTokenUsed if already consumed,
	// ErrTokenExpired if past expiry.
	Consume(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*VerificationToken, error)

	// DeleteByUser removes all tokens of a purpose for a user. Used to
	// invalidate outstanding reset links after a successful rotation.
	DeleteByUser(ctx context.Context, userID ulid.ULID, purpose TokenPurpose) error

	// DeleteExpired removes expired and consumed tokens, returning the
	// count of deleted records.
	DeleteExpired(ctx context.Context) (int64, error)
}
