// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// User is an account identified by a unique email address.
//
// SessionTokenHash and ResetTokenHash hold SHA-256 digests of the tokens
// handed to the client; the plaintext tokens are never stored.
type User struct {
	ID               ulid.ULID
	Email            string
	PasswordHash     string
	SessionTokenHash *string
	ResetTokenHash   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasSession reports whether the user currently holds a session token.
func (u *User) HasSession() bool {
	return u.SessionTokenHash != nil
}

// HasPendingReset reports whether a reset token has been issued and not consumed.
func (u *User) HasPendingReset() bool {
	return u.ResetTokenHash != nil
}

// Updatable user fields, named after their storage columns.
const (
	FieldEmail            = "email"
	FieldPasswordHash     = "password_hash"
	FieldSessionTokenHash = "session_token_hash"
	FieldResetTokenHash   = "reset_token_hash"
)

// Fields is a set of column updates applied atomically by UserRepository.Update.
// A nil value clears a nullable column.
type Fields map[string]*string

// Validate rejects keys outside the updatable set and nil values for
// required columns.
func (f Fields) Validate() error {
	if len(f) == 0 {
		return oops.Code("USER_INVALID_FIELD").Wrapf(ErrInvalidField, "no fields to update")
	}
	for key, value := range f {
		switch key {
		case FieldEmail, FieldPasswordHash:
			if value == nil || *value == "" {
				return oops.Code("USER_INVALID_FIELD").
					With("field", key).
					Wrapf(ErrInvalidField, "field %s cannot be cleared", key)
			}
		case FieldSessionTokenHash, FieldResetTokenHash:
		default:
			return oops.Code("USER_INVALID_FIELD").
				With("field", key).
				Wrapf(ErrInvalidField, "field %s cannot be updated", key)
		}
	}
	return nil
}

// Apply copies the field values onto u. Callers validate first.
func (f Fields) Apply(u *User) {
	for key, value := range f {
		switch key {
		case FieldEmail:
			u.Email = *value
		case FieldPasswordHash:
			u.PasswordHash = *value
		case FieldSessionTokenHash:
			u.SessionTokenHash = copyString(value)
		case FieldResetTokenHash:
			u.ResetTokenHash = copyString(value)
		}
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Criterion selects a single user by exactly one unique key.
type Criterion struct {
	Field string
	Value string
}

// ByID selects a user by id.
func ByID(id ulid.ULID) Criterion {
	return Criterion{Field: "id", Value: id.String()}
}

// ByEmail selects a user by email, compared as stored.
func ByEmail(email string) Criterion {
	return Criterion{Field: FieldEmail, Value: email}
}

// BySessionTokenHash selects the user holding the given session digest.
func BySessionTokenHash(hash string) Criterion {
	return Criterion{Field: FieldSessionTokenHash, Value: hash}
}

// ByResetTokenHash selects the user holding the given reset digest.
func ByResetTokenHash(hash string) Criterion {
	return Criterion{Field: FieldResetTokenHash, Value: hash}
}

// Validate checks the criterion names a lookup key.
func (c Criterion) Validate() error {
	switch c.Field {
	case "id", FieldEmail, FieldSessionTokenHash, FieldResetTokenHash:
		return nil
	default:
		return oops.Code("USER_INVALID_FIELD").
			With("field", c.Field).
			Wrapf(ErrInvalidField, "cannot look up users by %s", c.Field)
	}
}

// UserRepository manages user persistence.
//
// Implementations enforce uniqueness of email and of both token digests, and
// apply each Update atomically. Read-modify-write sequences that must not
// overwrite a concurrent change write through UpdateIf.
type UserRepository interface {
	// FindBy returns the single user matching c.
	// Returns ErrNotFound if nothing matches, ErrInvalidField for an unknown key.
	FindBy(ctx context.Context, c Criterion) (*User, error)

	// Add creates a user with no session and no pending reset.
	// Returns ErrAlreadyExists if the email is taken.
	Add(ctx context.Context, email, passwordHash string) (*User, error)

	// Update applies fields to the user with the given id in one atomic step.
	// Returns ErrInvalidField for disallowed fields, ErrNotFound for an unknown id.
	Update(ctx context.Context, id ulid.ULID, fields Fields) error

	// UpdateIf is Update guarded by expect: fields are applied only while the
	// user's current expect.Field still equals expect.Value, checked in the
	// same atomic step. Returns ErrNotFound for an unknown id or a failed guard.
	UpdateIf(ctx context.Context, id ulid.ULID, expect Criterion, fields Fields) error
}
