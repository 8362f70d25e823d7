// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package auth implements the credential and session lifecycle for Keyfold.
//
// # Domain Types
//
// Domain types (User, VerificationToken, Session, LinkedIdentity) should be
// created through their constructors:
//   - NewUser - creates a User with a validated email and display name
//   - NewVerificationToken - creates a token bound to a user and purpose
//   - NewSession - creates a Session with validated user and expiry
//   - NewLinkedIdentity - creates a provider identity binding
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types from these
// constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - register, verify-email, sign-in, password reset, sign-out
//   - SessionService - session issuance, validation, revocation
//   - TokenService - single-use verification/reset token lifecycle
//
// Services are created with New*Service constructors that validate
// dependencies. Collaborators (EmailSender, ProfileExchanger, repositories)
// are injected; the package holds no global state.
package auth
