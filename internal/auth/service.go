// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Policy holds the configurable behavior of the auth service.
type Policy struct {
	// BaseURL is the public base URL used to build verification and
	// reset links, e.g. "https://accounts.example.com".
	BaseURL string

	// RequireVerifiedEmail gates password sign-in on a verified email.
	RequireVerifiedEmail bool

	// AutoSignInAfterVerification mints a session when a verify-email
	// token is consumed.
	AutoSignInAfterVerification bool

	// VerifyTokenTTL is the lifetime of verify-email tokens.
	VerifyTokenTTL time.Duration

	// ResetTokenTTL is the lifetime of reset-password tokens.
	ResetTokenTTL time.Duration
}

// DefaultPolicy returns the default service policy.
func DefaultPolicy() Policy {
	return Policy{
		RequireVerifiedEmail:        true,
		AutoSignInAfterVerification: true,
		VerifyTokenTTL:              VerifyEmailTokenTTL,
		ResetTokenTTL:               ResetPasswordTokenTTL,
	}
}

// SessionView is the fixed-field view of an authenticated context handed
// to callers. The field set is versioned by this struct; there is no ad hoc
// augmentation.
type SessionView struct {
	User    *User
	Session *Session
}

// dummyPasswordHash is verified when a sign-in targets an unknown email or
// a password-less account, so response time does not reveal whether the
// account exists. It is not a real credential and matches no password.
//
//nolint:gosec // G101: intentionally fake hash for timing uniformity, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Service orchestrates the public authentication operations: register,
// verify-email, sign-in (password and OAuth), password reset, sign-out.
type Service struct {
	users      UserRepository
	identities IdentityRepository
	tokens     *TokenService
	sessions   *SessionService
	atomic     Atomic
	hasher     PasswordHasher
	mailer     *Mailer
	exchanger  ProfileExchanger
	policy     Policy
	logger     *slog.Logger

	// OnTokenIssued, when set, is called after a verification token is
	// issued and persisted. Used to feed metrics.
	OnTokenIssued func(purpose TokenPurpose)
}

// NewService creates a Service. The exchanger may be nil when OAuth
// sign-in is not configured.
func NewService(
	users UserRepository,
	identities IdentityRepository,
	tokens *TokenService,
	sessions *SessionService,
	atomic Atomic,
	hasher PasswordHasher,
	mailer *Mailer,
	exchanger ProfileExchanger,
	policy Policy,
) (*Service, error) {
	return NewServiceWithLogger(users, identities, tokens, sessions, atomic, hasher, mailer, exchanger, policy, slog.Default())
}

// NewServiceWithLogger creates a Service with an explicit logger.
func NewServiceWithLogger(
	users UserRepository,
	identities IdentityRepository,
	tokens *TokenService,
	sessions *SessionService,
	atomic Atomic,
	hasher PasswordHasher,
	mailer *Mailer,
	exchanger ProfileExchanger,
	policy Policy,
	logger *slog.Logger,
) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity repository is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if atomic == nil {
		return nil, fmt.Errorf("atomic runner is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("password hasher is required")
	}
	if mailer == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if policy.VerifyTokenTTL <= 0 {
		policy.VerifyTokenTTL = VerifyEmailTokenTTL
	}
	if policy.ResetTokenTTL <= 0 {
		policy.ResetTokenTTL = ResetPasswordTokenTTL
	}
	return &Service{
		users:      users,
		identities: identities,
		tokens:     tokens,
		sessions:   sessions,
		atomic:     atomic,
		hasher:     hasher,
		mailer:     mailer,
		exchanger:  exchanger,
		policy:     policy,
		logger:     logger,
	}, nil
}

// tokenIssued reports a persisted token to the metrics hook, if any.
func (s *Service) tokenIssued(purpose TokenPurpose) {
	if s.OnTokenIssued != nil {
		s.OnTokenIssued(purpose)
	}
}

// Register creates a user in PendingVerification state, issues a
// verify-email token, and dispatches the verification email. The email
// send is asynchronous; its failure never undoes the registration.
func (s *Service) Register(ctx context.Context, email, name, password string) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(email, name, hash, s.hasher.Algorithm())
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, oops.Code("AUTH_EMAIL_TAKEN").
				Wrapf(ErrConflict, "email is already registered")
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create user").
			Wrap(err)
	}

	token, err := s.tokens.Issue(ctx, user.ID, PurposeVerifyEmail, s.policy.VerifyTokenTTL)
	if err != nil {
		// The account exists; the user can request a fresh link later.
		s.logger.Warn("verification token issue failed after registration",
			"user_id", user.ID.String())
		return user, nil
	}
	s.tokenIssued(PurposeVerifyEmail)

	s.mailer.Dispatch(EmailRequest{
		Purpose: PurposeVerifyEmail,
		Email:   user.Email,
		URL:     s.tokenURL("/auth/verify-email", token),
	})

	s.logger.Info("user registered",
		"user_id", user.ID.String(),
		"state", string(user.State()),
	)
	return user, nil
}

// VerifyEmail consumes a verify-email token and marks the user verified,
// transitioning the account to Active. When the policy enables it, a
// session is minted so the user is signed in right after verification; the
// returned token is empty otherwise.
func (s *Service) VerifyEmail(ctx context.Context, token, userAgent, ipAddress string) (*SessionView, string, error) {
	var (
		userID ulid.ULID
		user   *User
	)

	// Consume and mark in one unit of work. A failed write rolls the
	// consumption back, so the link in the user's inbox stays usable.
	err := s.atomic.InTx(ctx, func(tx TxRepositories) error {
		var txErr error
		userID, txErr = s.tokens.WithRepository(tx.Tokens).Consume(ctx, token, PurposeVerifyEmail)
		if txErr != nil {
			return txErr
		}

		if txErr = tx.Users.MarkEmailVerified(ctx, userID); txErr != nil {
			return oops.Code("AUTH_VERIFY_FAILED").
				With("operation", "mark email verified").
				With("user_id", userID.String()).
				Wrap(txErr)
		}

		user, txErr = tx.Users.GetByID(ctx, userID)
		if txErr != nil {
			return oops.Code("AUTH_VERIFY_FAILED").
				With("operation", "get user").
				With("user_id", userID.String()).
				Wrap(txErr)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("email verified", "user_id", userID.String())

	if !s.policy.AutoSignInAfterVerification {
		return &SessionView{User: user}, "", nil
	}

	session, sessionToken, err := s.sessions.Create(ctx, userID, userAgent, ipAddress)
	if err != nil {
		// Verification already succeeded; the user can sign in manually.
		s.logger.Warn("auto sign-in after verification failed",
			"user_id", userID.String())
		return &SessionView{User: user}, "", nil
	}

	return &SessionView{User: user, Session: session}, sessionToken, nil
}

// SignInPassword authenticates with email and password and mints a
// session. An unknown email and a wrong password produce the identical
// ErrInvalidCredentials; a dummy hash is verified for missing accounts to
// keep response time uniform.
func (s *Service) SignInPassword(ctx context.Context, email, password, userAgent, ipAddress string) (*SessionView, string, error) {
	email = NormalizeEmail(email)

	user, lookupErr := s.users.GetByEmail(ctx, email)

	targetHash := dummyPasswordHash
	userExists := false
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, "", oops.Code("AUTH_SIGNIN_FAILED").
				With("operation", "get user by email").
				Wrap(lookupErr)
		}
	} else if user.HasPassword() {
		targetHash = user.PasswordHash
		userExists = true
	}

	// Always verify against some hash so timing does not distinguish
	// "no such user" from "wrong password".
	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !userExists {
			return nil, "", invalidCredentials()
		}
		return nil, "", oops.Code("AUTH_SIGNIN_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	// Locked accounts get the same answer for right and wrong passwords;
	// the response must not confirm a guess. The dummy verify above keeps
	// the timing uniform either way.
	if userExists && user.IsLocked() {
		return nil, "", oops.Code("AUTH_ACCOUNT_LOCKED").
			With("locked_until", user.LockedUntil).
			Wrapf(ErrAccountLocked, "account is temporarily locked")
	}

	if !userExists || !valid {
		if userExists {
			user.RecordFailure()
			_ = s.users.Update(ctx, user) //nolint:errcheck // best effort
		}
		return nil, "", invalidCredentials()
	}

	if s.policy.RequireVerifiedEmail && !user.EmailVerified {
		return nil, "", oops.Code("AUTH_EMAIL_UNVERIFIED").
			Wrapf(ErrUnauthenticated, "email address has not been verified")
	}

	user.RecordSuccess()

	// Transparent hash upgrade on successful verification.
	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			user.PasswordHash = newHash
			user.PasswordAlgo = s.hasher.Algorithm()
		}
	}
	_ = s.users.Update(ctx, user) //nolint:errcheck // best effort, sign-in succeeds regardless

	session, token, err := s.sessions.Create(ctx, user.ID, userAgent, ipAddress)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("password sign-in", "user_id", user.ID.String())
	return &SessionView{User: user, Session: session}, token, nil
}

// SignInOAuth exchanges a provider authorization code, reconciles the
// profile against the local store, and mints a session.
func (s *Service) SignInOAuth(ctx context.Context, provider, code, userAgent, ipAddress string) (*SessionView, string, error) {
	if s.exchanger == nil {
		return nil, "", oops.Code("AUTH_OAUTH_DISABLED").
			Wrapf(ErrProvider, "OAuth sign-in is not configured")
	}

	profile, err := s.exchanger.Exchange(ctx, provider, code)
	if err != nil {
		return nil, "", err
	}

	user, err := s.resolveOrCreateUser(ctx, profile)
	if err != nil {
		return nil, "", err
	}

	session, token, err := s.sessions.Create(ctx, user.ID, userAgent, ipAddress)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("oauth sign-in",
		"user_id", user.ID.String(),
		"provider", profile.Provider,
	)
	return &SessionView{User: user, Session: session}, token, nil
}

// resolveOrCreateUser maps a provider profile to a local user: an existing
// link wins; otherwise an email match is auto-linked only when both sides
// have proven the address; otherwise a password-less user is created.
func (s *Service) resolveOrCreateUser(ctx context.Context, profile *NormalizedProfile) (*User, error) {
	identity, err := s.identities.GetByProviderSubject(ctx, profile.Provider, profile.SubjectID)
	if err == nil {
		return s.users.GetByID(ctx, identity.UserID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("AUTH_OAUTH_FAILED").
			With("operation", "get linked identity").
			Wrap(err)
	}

	email := NormalizeEmail(profile.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, oops.Code("AUTH_OAUTH_BAD_PROFILE").
			With("provider", profile.Provider).
			Wrapf(ErrProvider, "provider returned no usable email")
	}

	// An unverified provider email proves nothing; linking or creating on
	// it would let anyone claim someone else's address.
	if !profile.EmailVerified {
		return nil, oops.Code("AUTH_OAUTH_UNVERIFIED_EMAIL").
			With("provider", profile.Provider).
			Wrapf(ErrAccountConflict, "provider email is not verified")
	}

	user, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		// Auto-link by email requires the local side to be verified too;
		// otherwise the claim to the address is disputed.
		if !user.EmailVerified {
			return nil, oops.Code("AUTH_OAUTH_ACCOUNT_CONFLICT").
				With("provider", profile.Provider).
				Wrapf(ErrAccountConflict, "an unverified account already uses this email")
		}
	case errors.Is(err, ErrNotFound):
		user, err = NewUser(email, profile.Name, "", "")
		if err != nil {
			return nil, err
		}
		user.EmailVerified = true // proven by the provider
		if err := s.users.Create(ctx, user); err != nil {
			return nil, oops.Code("AUTH_OAUTH_FAILED").
				With("operation", "create user").
				Wrap(err)
		}
	default:
		return nil, oops.Code("AUTH_OAUTH_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	link, err := NewLinkedIdentity(user.ID, profile.Provider, profile.SubjectID, email)
	if err != nil {
		return nil, err
	}
	if err := s.identities.Create(ctx, link); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a race with a concurrent link of the same identity.
			identity, getErr := s.identities.GetByProviderSubject(ctx, profile.Provider, profile.SubjectID)
			if getErr == nil && identity.UserID.Compare(user.ID) == 0 {
				return user, nil
			}
			return nil, oops.Code("AUTH_OAUTH_ACCOUNT_CONFLICT").
				Wrapf(ErrAccountConflict, "identity is already linked to another account")
		}
		return nil, oops.Code("AUTH_OAUTH_FAILED").
			With("operation", "link identity").
			Wrap(err)
	}

	s.logger.Info("identity linked",
		"user_id", user.ID.String(),
		"provider", profile.Provider,
	)
	return user, nil
}

// RequestPasswordReset issues a reset token and dispatches the reset email
// when the account exists. The response is identical either way, so the
// endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("password reset requested for unknown email")
			return nil
		}
		return oops.Code("AUTH_RESET_REQUEST_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	token, err := s.tokens.Issue(ctx, user.ID, PurposeResetPassword, s.policy.ResetTokenTTL)
	if err != nil {
		return oops.Code("AUTH_RESET_REQUEST_FAILED").
			With("operation", "issue reset token").
			Wrap(err)
	}
	s.tokenIssued(PurposeResetPassword)

	s.mailer.Dispatch(EmailRequest{
		Purpose: PurposeResetPassword,
		Email:   user.Email,
		URL:     s.tokenURL("/auth/reset-password", token),
	})

	s.logger.Info("password reset requested", "user_id", user.ID.String())
	return nil
}

// ResetPassword consumes a reset token, rotates the credential, and
// revokes every session for the user so all clients must re-authenticate.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_RESET_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	var (
		userID  ulid.ULID
		revoked int64
	)

	// Consume, rotate, and revoke in one unit of work. A failed rotation
	// rolls the consumption back, so the reset link stays usable for a
	// retry.
	err = s.atomic.InTx(ctx, func(tx TxRepositories) error {
		var txErr error
		userID, txErr = s.tokens.WithRepository(tx.Tokens).Consume(ctx, token, PurposeResetPassword)
		if txErr != nil {
			return txErr
		}

		if txErr = tx.Users.UpdatePassword(ctx, userID, hash, s.hasher.Algorithm()); txErr != nil {
			return oops.Code("AUTH_RESET_FAILED").
				With("operation", "update password").
				With("user_id", userID.String()).
				Wrap(txErr)
		}

		revoked, txErr = s.sessions.WithRepository(tx.Sessions).RevokeAll(ctx, userID)
		return txErr
	})
	if err != nil {
		return err
	}

	// Invalidate any other outstanding reset links. Cleanup only; the
	// rotation already happened.
	_ = s.tokens.Invalidate(ctx, userID, PurposeResetPassword) //nolint:errcheck // best effort

	s.logger.Info("password reset",
		"user_id", userID.String(),
		"sessions_revoked", revoked,
	)
	return nil
}

// SignOut revokes a session. Idempotent: signing out an unknown or already
// revoked session succeeds.
func (s *Service) SignOut(ctx context.Context, sessionID ulid.ULID) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// ValidateSession validates a session token and returns the authenticated
// view. Runs on every authenticated request; a single indexed lookup plus
// a best-effort idle-window refresh.
func (s *Service) ValidateSession(ctx context.Context, token string) (*SessionView, error) {
	session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_ORPHANED").
				Wrapf(ErrUnauthenticated, "session user no longer exists")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session user").
			Wrap(err)
	}

	return &SessionView{User: user, Session: session}, nil
}

// tokenURL builds the link embedded in outbound email.
func (s *Service) tokenURL(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", s.policy.BaseURL, path, url.QueryEscape(token))
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").
		Wrapf(ErrInvalidCredentials, "invalid email or password")
}
