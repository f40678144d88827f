// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/pkg/errutil"
)

// SessionService handles registration, credential checks and session tokens.
type SessionService struct {
	users  UserRepository
	hasher PasswordHasher
	decoy  *decoyHash
	logger *slog.Logger
}

// NewSessionService creates a SessionService that logs to slog.Default.
func NewSessionService(users UserRepository, hasher PasswordHasher) (*SessionService, error) {
	return NewSessionServiceWithLogger(users, hasher, slog.Default())
}

// NewSessionServiceWithLogger creates a SessionService with an explicit logger.
func NewSessionServiceWithLogger(users UserRepository, hasher PasswordHasher, logger *slog.Logger) (*SessionService, error) {
	if users == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if logger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("logger is required")
	}
	return &SessionService{users: users, hasher: hasher, decoy: newDecoyHash(hasher), logger: logger}, nil
}

// Register creates a user with the given email and password.
// Returns ErrAlreadyExists if the email is taken.
func (s *SessionService) Register(ctx context.Context, email, password string) (*User, error) {
	if email == "" {
		return nil, oops.Code("AUTH_EMAIL_REQUIRED").Errorf("email cannot be empty")
	}

	_, err := s.users.FindBy(ctx, ByEmail(email))
	switch {
	case err == nil:
		return nil, oops.Code("USER_ALREADY_EXISTS").
			With("email", email).
			Wrapf(ErrAlreadyExists, "user %s already exists", email)
	case !errors.Is(err, ErrNotFound):
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "find user by email").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := s.users.Add(ctx, email, hash)
	if err != nil {
		// A concurrent registration can win between the lookup and the insert.
		if errors.Is(err, ErrAlreadyExists) {
			return nil, oops.Code("USER_ALREADY_EXISTS").
				With("email", email).
				Wrapf(ErrAlreadyExists, "user %s already exists", email)
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "add user").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	return user, nil
}

// ValidLogin reports whether password is correct for email. Unknown email and
// wrong password both return false after one hasher verify each. An error is
// returned only when the repository itself fails. No session is created.
func (s *SessionService) ValidLogin(ctx context.Context, email, password string) (bool, error) {
	user, err := s.users.FindBy(ctx, ByEmail(email))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return false, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "find user by email").
				Wrap(err)
		}
		s.decoy.verify(password)
		return false, nil
	}

	return s.hasher.Verify(password, user.PasswordHash), nil
}

// CreateSession issues a fresh session token for the user with email and
// returns the plaintext token. Any previous session of the user is replaced.
// Returns ErrNotFound if no such user exists.
func (s *SessionService) CreateSession(ctx context.Context, email string) (string, error) {
	user, err := s.users.FindBy(ctx, ByEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", oops.Code("USER_NOT_FOUND").
				With("email", email).
				Wrapf(ErrNotFound, "no user with email %s", email)
		}
		return "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "find user by email").
			Wrap(err)
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	if err := s.users.Update(ctx, user.ID, Fields{FieldSessionTokenHash: &hash}); err != nil {
		return "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	s.logger.DebugContext(ctx, "session created", "user_id", user.ID.String())
	return token, nil
}

// ResolveSession returns the user holding token.
// Returns ErrNotFound for an empty or unknown token.
func (s *SessionService) ResolveSession(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrapf(ErrNotFound, "session token is empty")
	}

	user, err := s.users.FindBy(ctx, BySessionTokenHash(HashToken(token)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_NOT_FOUND").Wrapf(ErrNotFound, "invalid session token")
		}
		return nil, oops.Code("SESSION_RESOLVE_FAILED").
			With("operation", "find user by session").
			Wrap(err)
	}
	return user, nil
}

// DestroySession clears the session of the given user. Destroying a session
// that is already gone succeeds. Returns ErrNotFound for an unknown user.
func (s *SessionService) DestroySession(ctx context.Context, userID ulid.ULID) error {
	if err := s.users.Update(ctx, userID, Fields{FieldSessionTokenHash: nil}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("USER_NOT_FOUND").
				With("user_id", userID.String()).
				Wrapf(ErrNotFound, "no user with id %s", userID)
		}
		errutil.LogError(s.logger, "failed to destroy session", err)
		return oops.Code("SESSION_DESTROY_FAILED").
			With("operation", "clear session").
			With("user_id", userID.String()).
			Wrap(err)
	}

	s.logger.DebugContext(ctx, "session destroyed", "user_id", userID.String())
	return nil
}

// RevokeSession clears the session of userID only while it is still the one
// identified by token. A newer session created concurrently is left intact,
// and revoking a session that is already gone succeeds.
func (s *SessionService) RevokeSession(ctx context.Context, userID ulid.ULID, token string) error {
	if token == "" {
		return oops.Code("SESSION_NOT_FOUND").Wrapf(ErrNotFound, "session token is empty")
	}

	err := s.users.UpdateIf(ctx, userID, BySessionTokenHash(HashToken(token)), Fields{FieldSessionTokenHash: nil})
	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "session revoked", "user_id", userID.String())
		return nil
	case errors.Is(err, ErrNotFound):
		s.logger.DebugContext(ctx, "session already replaced or cleared", "user_id", userID.String())
		return nil
	default:
		errutil.LogError(s.logger, "failed to revoke session", err)
		return oops.Code("SESSION_DESTROY_FAILED").
			With("operation", "revoke session").
			With("user_id", userID.String()).
			Wrap(err)
	}
}
