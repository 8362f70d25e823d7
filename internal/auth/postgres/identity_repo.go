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

// IdentityRepository implements auth.IdentityRepository using PostgreSQL.
type IdentityRepository struct {
	db querier
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(pool *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{db: pool}
}

// Create stores a new linked identity. A duplicate (provider, subject_id)
// pair maps to auth.ErrConflict.
func (r *IdentityRepository) Create(ctx context.Context, identity *auth.LinkedIdentity) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO linked_identities (id, user_id, provider, subject_id, email, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		identity.ID.String(),
		identity.UserID.String(),
		identity.Provider,
		identity.SubjectID,
		identity.Email,
		identity.LinkedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("IDENTITY_ALREADY_LINKED").
				With("provider", identity.Provider).
				Wrap(auth.ErrConflict)
		}
		return oops.Code("IDENTITY_CREATE_FAILED").
			With("operation", "insert linked_identity").
			With("provider", identity.Provider).
			With("user_id", identity.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByProviderSubject retrieves a linked identity by provider and subject ID.
func (r *IdentityRepository) GetByProviderSubject(ctx context.Context, provider, subjectID string) (*auth.LinkedIdentity, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, provider, subject_id, email, linked_at
		FROM linked_identities
		WHERE provider = $1 AND subject_id = $2
	`, provider, subjectID)

	identity, err := r.scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("IDENTITY_NOT_FOUND").
			With("provider", provider).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_FAILED").
			With("operation", "get identity by provider subject").
			With("provider", provider).
			Wrap(err)
	}
	return identity, nil
}

// GetByUser retrieves all linked identities for a user.
func (r *IdentityRepository) GetByUser(ctx context.Context, userID ulid.ULID) ([]*auth.LinkedIdentity, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, provider, subject_id, email, linked_at
		FROM linked_identities
		WHERE user_id = $1
		ORDER BY linked_at
	`, userID.String())
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_BY_USER_FAILED").
			With("operation", "get identities by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var identities []*auth.LinkedIdentity
	for rows.Next() {
		identity, err := r.scanIdentity(rows)
		if err != nil {
			return nil, oops.Code("IDENTITY_GET_BY_USER_FAILED").
				With("operation", "scan identity row").
				With("user_id", userID.String()).
				Wrap(err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("IDENTITY_GET_BY_USER_FAILED").
			With("operation", "iterate identity rows").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return identities, nil
}

// DeleteByUser removes all linked identities for a user.
func (r *IdentityRepository) DeleteByUser(ctx context.Context, userID ulid.ULID) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM linked_identities WHERE user_id = $1
	`, userID.String())
	if err != nil {
		return oops.Code("IDENTITY_DELETE_BY_USER_FAILED").
			With("operation", "delete identities by user").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}

// scanIdentity scans a single row into a LinkedIdentity.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *IdentityRepository) scanIdentity(row pgx.Row) (*auth.LinkedIdentity, error) {
	var (
		idStr     string
		userIDStr string
		provider  string
		subjectID string
		email     string
		linkedAt  time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &provider, &subjectID, &email, &linkedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("IDENTITY_SCAN_FAILED").
			With("operation", "scan linked_identity").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("IDENTITY_INVALID_ID").
			With("operation", "parse identity id").
			With("id", idStr).
			Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("IDENTITY_INVALID_USER_ID").
			With("operation", "parse identity user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.LinkedIdentity{
		ID:        id,
		UserID:    userID,
		Provider:  provider,
		SubjectID: subjectID,
		Email:     email,
		LinkedAt:  linkedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.IdentityRepository = (*IdentityRepository)(nil)
