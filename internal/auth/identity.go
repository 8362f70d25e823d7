// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// LinkedIdentity binds a provider-issued identity to a local user. The
// (provider, subject) pair is globally unique and maps to at most one user,
// enforced by a unique index at the store boundary.
type LinkedIdentity struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	Provider  string
	SubjectID string
	Email     string
	LinkedAt  time.Time
}

// NewLinkedIdentity creates a validated LinkedIdentity. Email is the
// address the provider reported at link time, kept for audit.
func NewLinkedIdentity(userID ulid.ULID, provider, subjectID, email string) (*LinkedIdentity, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("IDENTITY_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if provider == "" {
		return nil, oops.Code("IDENTITY_INVALID_PROVIDER").Errorf("provider cannot be empty")
	}
	if subjectID == "" {
		return nil, oops.Code("IDENTITY_INVALID_SUBJECT").Errorf("provider subject ID cannot be empty")
	}

	return &LinkedIdentity{
		ID:        ulid.Make(),
		UserID:    userID,
		Provider:  provider,
		SubjectID: subjectID,
		Email:     NormalizeEmail(email),
		LinkedAt:  time.Now(),
	}, nil
}

// NormalizedProfile is the fixed-field profile produced by a provider
// exchange. The field set is versioned by this struct; providers map their
// payloads onto it and nothing else crosses the boundary.
type NormalizedProfile struct {
	Provider      string
	SubjectID     string
	Email         string
	Name          string
	AvatarURL     string
	EmailVerified bool
}

// ProfileExchanger performs the provider authorization-code exchange and
// profile fetch. Implementations live outside this package; the exchange is
// fail-fast and must be bounded by the context deadline.
type ProfileExchanger interface {
	Exchange(ctx context.Context, provider, code string) (*NormalizedProfile, error)
}

// IdentityRepository manages linked identity persistence.
type IdentityRepository interface {
	// Create stores a new linked identity. Returns ErrConflict if the
	// (provider, subject) pair is already linked.
	Create(ctx context.Context, identity *LinkedIdentity) error

	// GetByProviderSubject retrieves an identity by its provider pair.
	GetByProviderSubject(ctx context.Context, provider, subjectID string) (*LinkedIdentity, error)

	// GetByUser retrieves all identities linked to a user.
	GetByUser(ctx context.Context, userID ulid.ULID) ([]*LinkedIdentity, error)

	// DeleteByUser removes all identities for a user.
	DeleteByUser(ctx context.Context, userID ulid.ULID) error
}
