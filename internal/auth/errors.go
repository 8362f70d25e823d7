// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import "errors"

// Sentinel errors forming the public error taxonomy. Services wrap these
// with oops codes and context; callers branch with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint is violated,
	// such as registering an email that is already taken.
	ErrConflict = errors.New("conflict")

	// ErrInvalidCredentials is returned for both an unknown email and a
	// wrong password. The two causes are deliberately indistinguishable
	// to resist account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenExpired is returned when a verification token is past its
	// expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenUsed is returned when a verification token has already been
	// consumed.
	ErrTokenUsed = errors.New("token already used")

	// ErrUnauthenticated is returned when a session is missing, revoked,
	// or expired.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrProvider is returned when an OAuth provider exchange or profile
	// fetch fails.
	ErrProvider = errors.New("provider error")

	// ErrAccountConflict is returned when an OAuth profile matches an
	// existing account that cannot be auto-linked.
	ErrAccountConflict = errors.New("account conflict")

	// ErrValidation is returned for malformed input caught before any
	// storage access.
	ErrValidation = errors.New("validation error")

	// ErrAccountLocked is returned when repeated sign-in failures have
	// temporarily locked the account.
	ErrAccountLocked = errors.New("account locked")
)
