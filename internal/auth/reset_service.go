// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"
)

// ResetService handles password reset operations.
//
// Reset tokens do not expire. A token stays valid until it is consumed or a
// later IssueResetToken call for the same user replaces it.
type ResetService struct {
	users  UserRepository
	hasher PasswordHasher
	logger *slog.Logger
}

// NewResetService creates a ResetService that logs to slog.Default.
func NewResetService(users UserRepository, hasher PasswordHasher) (*ResetService, error) {
	return NewResetServiceWithLogger(users, hasher, slog.Default())
}

// NewResetServiceWithLogger creates a ResetService with an explicit logger.
func NewResetServiceWithLogger(users UserRepository, hasher PasswordHasher, logger *slog.Logger) (*ResetService, error) {
	if users == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if logger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("logger is required")
	}
	return &ResetService{users: users, hasher: hasher, logger: logger}, nil
}

// IssueResetToken generates a reset token for the user with email, stores its
// hash and returns the plaintext token. Delivering the token is the caller's job.
// Returns ErrNotFound if no such user exists.
func (s *ResetService) IssueResetToken(ctx context.Context, email string) (string, error) {
	user, err := s.users.FindBy(ctx, ByEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", oops.Code("USER_NOT_FOUND").
				With("email", email).
				Wrapf(ErrNotFound, "no user with email %s", email)
		}
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "find user by email").
			Wrap(err)
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate reset token").
			Wrap(err)
	}

	if err := s.users.Update(ctx, user.ID, Fields{FieldResetTokenHash: &hash}); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "persist reset token").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "reset token issued", "user_id", user.ID.String())
	return token, nil
}

// UpdatePassword sets a new password for the user holding token and clears
// the token. The write is guarded on the token digest, so a token consumed or
// replaced after the lookup is rejected instead of overwritten.
// Returns ErrNotFound if no user holds the token.
func (s *ResetService) UpdatePassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return oops.Code("RESET_TOKEN_NOT_FOUND").Wrapf(ErrNotFound, "reset token is empty")
	}

	digest := HashToken(token)
	user, err := s.users.FindBy(ctx, ByResetTokenHash(digest))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_NOT_FOUND").Wrapf(ErrNotFound, "reset token not found")
		}
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "find user by reset token").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	fields := Fields{
		FieldPasswordHash:   &hash,
		FieldResetTokenHash: nil,
	}
	if err := s.users.UpdateIf(ctx, user.ID, ByResetTokenHash(digest), fields); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_NOT_FOUND").
				With("user_id", user.ID.String()).
				Wrapf(ErrNotFound, "reset token no longer valid")
		}
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "update password").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "password updated", "user_id", user.ID.String())
	return nil
}
