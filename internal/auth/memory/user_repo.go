// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory implements auth repositories in process memory. It backs
// the "memory" store mode and the service tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// UserRepository implements auth.UserRepository with a mutex-guarded map.
// Returned users are copies; mutating them does not change stored state.
type UserRepository struct {
	mu    sync.Mutex
	users map[ulid.ULID]*auth.User
}

// NewUserRepository creates an empty UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[ulid.ULID]*auth.User)}
}

// FindBy returns a copy of the user matching c.
func (r *UserRepository) FindBy(_ context.Context, c auth.Criterion) (*auth.User, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if user := r.lookup(c); user != nil {
		return clone(user), nil
	}
	return nil, oops.Code("USER_NOT_FOUND").
		With("field", c.Field).
		Wrap(auth.ErrNotFound)
}

// Add stores a new user.
func (r *UserRepository) Add(_ context.Context, email, passwordHash string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lookup(auth.ByEmail(email)) != nil {
		return nil, oops.Code("USER_ALREADY_EXISTS").
			With("email", email).
			Wrap(auth.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	user := &auth.User{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.users[user.ID] = user
	return clone(user), nil
}

// Update applies fields under the repository lock.
func (r *UserRepository) Update(_ context.Context, id ulid.ULID, fields auth.Fields) error {
	return r.update(id, nil, fields)
}

// UpdateIf applies fields only if the user still matches expect. The check
// and the write happen under one hold of the lock.
func (r *UserRepository) UpdateIf(_ context.Context, id ulid.ULID, expect auth.Criterion, fields auth.Fields) error {
	if err := expect.Validate(); err != nil {
		return err
	}
	return r.update(id, &expect, fields)
}

func (r *UserRepository) update(id ulid.ULID, expect *auth.Criterion, fields auth.Fields) error {
	if err := fields.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if expect != nil {
		if current := fieldValue(user, expect.Field); current == nil || *current != expect.Value {
			return oops.Code("USER_NOT_FOUND").
				With("id", id.String()).
				With("field", expect.Field).
				Wrapf(auth.ErrNotFound, "user no longer matches %s", expect.Field)
		}
	}

	// Enforce the same uniqueness the database indexes do.
	for key, value := range fields {
		if value == nil {
			continue
		}
		if other := r.lookup(auth.Criterion{Field: key, Value: *value}); other != nil && other.ID != id {
			return oops.Code("USER_ALREADY_EXISTS").
				With("id", id.String()).
				With("field", key).
				Wrap(auth.ErrAlreadyExists)
		}
	}

	updated := clone(user)
	fields.Apply(updated)
	updated.UpdatedAt = time.Now().UTC()
	r.users[id] = updated
	return nil
}

// lookup scans for c. Callers hold r.mu.
func (r *UserRepository) lookup(c auth.Criterion) *auth.User {
	for _, user := range r.users {
		if value := fieldValue(user, c.Field); value != nil && *value == c.Value {
			return user
		}
	}
	return nil
}

// fieldValue returns the lookup key named field, or nil when it is unset.
func fieldValue(user *auth.User, field string) *string {
	switch field {
	case "id":
		s := user.ID.String()
		return &s
	case auth.FieldEmail:
		return &user.Email
	case auth.FieldSessionTokenHash:
		return user.SessionTokenHash
	case auth.FieldResetTokenHash:
		return user.ResetTokenHash
	}
	return nil
}

func clone(u *auth.User) *auth.User {
	c := *u
	if u.SessionTokenHash != nil {
		s := *u.SessionTokenHash
		c.SessionTokenHash = &s
	}
	if u.ResetTokenHash != nil {
		s := *u.ResetTokenHash
		c.ResetTokenHash = &s
	}
	return &c
}

// Compile-time interface check.
var _ auth.UserRepository = (*UserRepository)(nil)
