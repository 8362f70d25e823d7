// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Password and name validation constraints.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 512
	MaxNameLength     = 100
	MaxEmailLength    = 254
)

// emailRegex is a pragmatic shape check; deliverability is proven by the
// verification token, not the regex.
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// AccountState describes where a user is in the registration lifecycle.
type AccountState string

const (
	// StatePendingVerification means the account exists but the email has
	// not been proven yet.
	StatePendingVerification AccountState = "pending_verification"

	// StateActive means the email is verified and the account is usable.
	StateActive AccountState = "active"
)

// User represents an identity record. PasswordHash is empty for
// OAuth-originated accounts that never set a password; such accounts are
// only valid while at least one LinkedIdentity exists.
type User struct {
	ID             ulid.ULID
	Email          string
	Name           string
	PasswordHash   string
	PasswordAlgo   string
	EmailVerified  bool
	FailedAttempts int
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewUser creates a validated User. passwordHash and passwordAlgo may be
// empty for OAuth-originated accounts.
func NewUser(email, name, passwordHash, passwordAlgo string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, oops.Code("AUTH_INVALID_NAME").
			Wrapf(ErrValidation, "display name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return nil, oops.Code("AUTH_INVALID_NAME").
			With("max", MaxNameLength).
			Wrapf(ErrValidation, "display name must be at most %d characters", MaxNameLength)
	}

	now := time.Now()
	return &User{
		ID:           ulid.Make(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		PasswordAlgo: passwordAlgo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeEmail lowercases and trims an email address. Uniqueness is
// case-insensitive at the store boundary; normalizing early keeps lookups
// consistent.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the shape of an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code("AUTH_INVALID_EMAIL").
			Wrapf(ErrValidation, "email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return oops.Code("AUTH_INVALID_EMAIL").
			With("max", MaxEmailLength).
			Wrapf(ErrValidation, "email must be at most %d characters", MaxEmailLength)
	}
	if !emailRegex.MatchString(email) {
		return oops.Code("AUTH_INVALID_EMAIL").
			Wrapf(ErrValidation, "invalid email address")
	}
	return nil
}

// ValidatePassword checks plaintext password constraints before hashing.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min", MinPasswordLength).
			Wrapf(ErrValidation, "password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return oops.Code("AUTH_PASSWORD_TOO_LONG").
			With("max", MaxPasswordLength).
			Wrapf(ErrValidation, "password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// HasPassword returns true if password authentication is configured.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// State returns the account lifecycle state.
func (u *User) State() AccountState {
	if u.EmailVerified {
		return StateActive
	}
	return StatePendingVerification
}

// IsLocked returns true if the user is currently locked out.
func (u *User) IsLocked() bool {
	return IsLockedOut(u.LockedUntil)
}

// RecordFailure increments the failure counter and sets lockout if the
// threshold is reached.
func (u *User) RecordFailure() {
	u.FailedAttempts++
	u.LockedUntil = ComputeLockoutTime(u.FailedAttempts)
	u.UpdatedAt = time.Now()
}

// RecordSuccess resets the failure counter and lockout.
func (u *User) RecordSuccess() {
	u.FailedAttempts = 0
	u.LockedUntil = nil
	u.UpdatedAt = time.Now()
}

// UserRepository manages user persistence. Email uniqueness is enforced by
// the store (unique index on the lowercased email), not application locks;
// Create returns ErrConflict when the email is taken.
type UserRepository interface {
	// Create stores a new user. Returns ErrConflict if the email exists.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Update updates a user's mutable fields (verification state, failure
	// counters, lockout, name).
	Update(ctx context.Context, user *User) error

	// MarkEmailVerified sets the email-verified flag.
	MarkEmailVerified(ctx context.Context, id ulid.ULID) error

	// UpdatePassword updates only the password hash and algorithm tag.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash, passwordAlgo string) error

	// Delete removes a user and, via cascading constraints, the
	// credential, tokens, sessions, and linked identities owned by it.
	Delete(ctx context.Context, id ulid.ULID) error
}
