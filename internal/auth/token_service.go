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

// TokenService issues and consumes single-use verification tokens. Raw
// token values pass through this service exactly once, on issue; they are
// never stored or logged.
type TokenService struct {
	tokens TokenRepository
}

// NewTokenService creates a TokenService.
func NewTokenService(tokens TokenRepository) (*TokenService, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token repository is required")
	}
	return &TokenService{tokens: tokens}, nil
}

// WithRepository returns a copy of the service bound to tokens, typically a
// transaction-scoped repository.
func (s *TokenService) WithRepository(tokens TokenRepository) *TokenService {
	return &TokenService{tokens: tokens}
}

// Issue generates a token for the user and purpose, persists its hash, and
// returns the plaintext value for embedding in an outbound link.
func (s *TokenService) Issue(ctx context.Context, userID ulid.ULID, purpose TokenPurpose, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", oops.Code("TOKEN_INVALID_TTL").
			With("ttl", ttl.String()).
			Errorf("token ttl must be positive")
	}

	plaintext, hash, err := GenerateVerificationToken()
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("operation", "generate token").
			Wrap(err)
	}

	token, err := NewVerificationToken(userID, purpose, hash, time.Now().Add(ttl))
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("operation", "construct token").
			Wrap(err)
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("operation", "persist token").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	return plaintext, nil
}

// Consume validates and atomically consumes a token, returning the subject
// user ID. Exactly one of two concurrent consume attempts succeeds; the
// loser sees ErrTokenUsed.
func (s *TokenService) Consume(ctx context.Context, plaintext string, purpose TokenPurpose) (ulid.ULID, error) {
	if plaintext == "" {
		return ulid.ULID{}, oops.Code("TOKEN_EMPTY").
			Wrapf(ErrNotFound, "token cannot be empty")
	}

	hash := HashVerificationToken(plaintext)
	token, err := s.tokens.Consume(ctx, hash, purpose, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return ulid.ULID{}, oops.Code("TOKEN_NOT_FOUND").
				With("purpose", string(purpose)).
				Wrap(err)
		case errors.Is(err, ErrTokenExpired):
			return ulid.ULID{}, oops.Code("TOKEN_EXPIRED").
				With("purpose", string(purpose)).
				Wrap(err)
		case errors.Is(err, ErrTokenUsed):
			return ulid.ULID{}, oops.Code("TOKEN_ALREADY_USED").
				With("purpose", string(purpose)).
				Wrap(err)
		}
		return ulid.ULID{}, oops.Code("TOKEN_CONSUME_FAILED").
			With("operation", "consume token").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	return token.UserID, nil
}

// Invalidate removes all outstanding tokens of a purpose for a user.
func (s *TokenService) Invalidate(ctx context.Context, userID ulid.ULID, purpose TokenPurpose) error {
	if err := s.tokens.DeleteByUser(ctx, userID, purpose); err != nil {
		return oops.Code("TOKEN_INVALIDATE_FAILED").
			With("user_id", userID.String()).
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return nil
}
