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

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	db querier
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, user_agent, ip_address,
		                      expires_at, created_at, last_seen_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.UserAgent,
		session.IPAddress,
		session.ExpiresAt,
		session.CreatedAt,
		session.LastSeenAt,
		session.RevokedAt,
	)
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, user_agent, ip_address,
		       expires_at, created_at, last_seen_at, revoked_at
		FROM sessions
		WHERE id = $1
	`, id.String())

	session, err := r.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_ID_FAILED").
			With("operation", "get session by id").
			With("id", id.String()).
			Wrap(err)
	}
	return session, nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, user_agent, ip_address,
		       expires_at, created_at, last_seen_at, revoked_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)

	session, err := r.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	return session, nil
}

// GetByUser retrieves all sessions for a user, newest first.
func (r *SessionRepository) GetByUser(ctx context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, token_hash, user_agent, ip_address,
		       expires_at, created_at, last_seen_at, revoked_at
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID.String())
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_USER_FAILED").
			With("operation", "get sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		session, err := r.scanSession(rows)
		if err != nil {
			return nil, oops.Code("SESSION_GET_BY_USER_FAILED").
				With("operation", "scan session row").
				With("user_id", userID.String()).
				Wrap(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_GET_BY_USER_FAILED").
			With("operation", "iterate session rows").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return sessions, nil
}

// Touch updates the last-seen time and sliding expiry of a session.
func (r *SessionRepository) Touch(ctx context.Context, id ulid.ULID, lastSeen, expiresAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions SET last_seen_at = $2, expires_at = $3
		WHERE id = $1
	`, id.String(), lastSeen, expiresAt)
	if err != nil {
		return oops.Code("SESSION_TOUCH_FAILED").
			With("operation", "touch session").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Revoke marks a session revoked. Revoking an unknown or already revoked
// session is a no-op.
func (r *SessionRepository) Revoke(ctx context.Context, id ulid.ULID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id.String(), at)
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			With("id", id.String()).
			Wrap(err)
	}
	return nil
}

// RevokeAllByUser revokes every active session for a user, returning the count.
func (r *SessionRepository) RevokeAllByUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID.String(), at)
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke sessions by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes expired and revoked sessions, returning the count.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM sessions
		WHERE expires_at <= NOW() OR revoked_at IS NOT NULL
	`)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *SessionRepository) scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr      string
		userIDStr  string
		tokenHash  string
		userAgent  string
		ipAddress  string
		expiresAt  time.Time
		createdAt  time.Time
		lastSeenAt time.Time
		revokedAt  *time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &tokenHash, &userAgent, &ipAddress,
		&expiresAt, &createdAt, &lastSeenAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session id").
			With("id", idStr).
			Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_USER_ID").
			With("operation", "parse session user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.Session{
		ID:         id,
		UserID:     userID,
		TokenHash:  tokenHash,
		UserAgent:  userAgent,
		IPAddress:  ipAddress,
		ExpiresAt:  expiresAt,
		CreatedAt:  createdAt,
		LastSeenAt: lastSeenAt,
		RevokedAt:  revokedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)
