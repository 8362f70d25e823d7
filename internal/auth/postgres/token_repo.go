// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// TokenRepository implements auth.TokenRepository using PostgreSQL.
type TokenRepository struct {
	db querier
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: pool}
}

// Create stores a new verification token.
func (r *TokenRepository) Create(ctx context.Context, token *auth.VerificationToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_tokens (id, user_id, purpose, token_hash, expires_at, created_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		token.ID.String(),
		token.UserID.String(),
		string(token.Purpose),
		token.TokenHash,
		token.ExpiresAt,
		token.CreatedAt,
		token.ConsumedAt,
	)
	if err != nil {
		return oops.Code("TOKEN_CREATE_FAILED").
			With("operation", "insert verification_token").
			With("purpose", string(token.Purpose)).
			With("user_id", token.UserID.String()).
			Wrap(err)
	}
	return nil
}

// Consume atomically marks the token matching tokenHash and purpose as
// consumed. The conditional UPDATE guarantees at most one caller wins when
// the same token is presented concurrently. Losers are classified by
// re-reading the row: a consumed token maps to auth.ErrTokenUsed, an
// expired one to auth.ErrTokenExpired, and a missing one to auth.ErrNotFound.
func (r *TokenRepository) Consume(ctx context.Context, tokenHash string, purpose auth.TokenPurpose, now time.Time) (*auth.VerificationToken, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE verification_tokens
		SET consumed_at = $3
		WHERE token_hash = $1
		  AND purpose = $2
		  AND consumed_at IS NULL
		  AND expires_at > $3
		RETURNING id, user_id, purpose, token_hash, expires_at, created_at, consumed_at
	`, tokenHash, string(purpose), now)

	token, err := r.scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyConsumeMiss(ctx, tokenHash, purpose, now)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_CONSUME_FAILED").
			With("operation", "consume verification_token").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return token, nil
}

// classifyConsumeMiss explains why a conditional consume matched no rows.
func (r *TokenRepository) classifyConsumeMiss(ctx context.Context, tokenHash string, purpose auth.TokenPurpose, now time.Time) error {
	row := r.db.QueryRow(ctx, `
		SELECT expires_at, consumed_at
		FROM verification_tokens
		WHERE token_hash = $1 AND purpose = $2
	`, tokenHash, string(purpose))

	var (
		expiresAt  time.Time
		consumedAt *time.Time
	)
	err := row.Scan(&expiresAt, &consumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return oops.Code("TOKEN_NOT_FOUND").
			With("purpose", string(purpose)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return oops.Code("TOKEN_CONSUME_FAILED").
			With("operation", "classify consume miss").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	if consumedAt != nil {
		return oops.Code("TOKEN_ALREADY_USED").
			With("purpose", string(purpose)).
			Wrap(auth.ErrTokenUsed)
	}
	if !expiresAt.After(now) {
		return oops.Code("TOKEN_EXPIRED").
			With("purpose", string(purpose)).
			Wrap(auth.ErrTokenExpired)
	}
	// The row became consumable between our UPDATE and the re-read. Treat
	// the original attempt as having lost the race.
	return oops.Code("TOKEN_ALREADY_USED").
		With("purpose", string(purpose)).
		Wrap(auth.ErrTokenUsed)
}

// DeleteByUser removes all tokens for a user with the given purpose.
func (r *TokenRepository) DeleteByUser(ctx context.Context, userID ulid.ULID, purpose auth.TokenPurpose) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM verification_tokens
		WHERE user_id = $1 AND purpose = $2
	`, userID.String(), string(purpose))
	if err != nil {
		return oops.Code("TOKEN_DELETE_BY_USER_FAILED").
			With("operation", "delete verification_tokens by user").
			With("user_id", userID.String()).
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes expired and consumed tokens, returning the count.
func (r *TokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM verification_tokens
		WHERE expires_at <= NOW() OR consumed_at IS NOT NULL
	`)
	if err != nil {
		return 0, oops.Code("TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired verification_tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanToken scans a single row into a VerificationToken.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *TokenRepository) scanToken(row pgx.Row) (*auth.VerificationToken, error) {
	var (
		idStr      string
		userIDStr  string
		purpose    string
		tokenHash  string
		expiresAt  time.Time
		createdAt  time.Time
		consumedAt *time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &purpose, &tokenHash, &expiresAt, &createdAt, &consumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("TOKEN_SCAN_FAILED").
			With("operation", "scan verification_token").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_ID").
			With("operation", "parse token id").
			With("id", idStr).
			Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID_USER_ID").
			With("operation", "parse token user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.VerificationToken{
		ID:         id,
		UserID:     userID,
		Purpose:    auth.TokenPurpose(purpose),
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  createdAt,
		ConsumedAt: consumedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.TokenRepository = (*TokenRepository)(nil)
