// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authcore/internal/auth"
)

// Pool is the subset of pgxpool.Pool the repository uses. pgxmock.PgxPoolIface
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lookupColumns maps criterion fields to indexed columns.
var lookupColumns = map[string]string{
	"id":                       "id",
	auth.FieldEmail:            "email",
	auth.FieldSessionTokenHash: "session_token_hash",
	auth.FieldResetTokenHash:   "reset_token_hash",
}

// updateColumns maps updatable fields to columns.
var updateColumns = map[string]string{
	auth.FieldEmail:            "email",
	auth.FieldPasswordHash:     "password_hash",
	auth.FieldSessionTokenHash: "session_token_hash",
	auth.FieldResetTokenHash:   "reset_token_hash",
}

const selectUser = `
		SELECT id, email, password_hash, session_token_hash, reset_token_hash,
		       created_at, updated_at
		FROM users
		WHERE `

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	pool Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// FindBy returns the user matching c.
func (r *UserRepository) FindBy(ctx context.Context, c auth.Criterion) (*auth.User, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	column := lookupColumns[c.Field]

	row := r.pool.QueryRow(ctx, selectUser+column+" = $1", c.Value)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("field", c.Field).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_FIND_FAILED").
			With("operation", "find user").
			With("field", c.Field).
			Wrap(err)
	}
	return user, nil
}

// Add stores a new user.
func (r *UserRepository) Add(ctx context.Context, email, passwordHash string) (*auth.User, error) {
	now := time.Now().UTC()
	user := &auth.User{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		user.ID.String(),
		user.Email,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, oops.Code("USER_ALREADY_EXISTS").
				With("email", email).
				Wrap(auth.ErrAlreadyExists)
		}
		return nil, oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("email", email).
			Wrap(err)
	}
	return user, nil
}

// Update applies fields in a single UPDATE statement, which holds the row lock
// for the whole change.
func (r *UserRepository) Update(ctx context.Context, id ulid.ULID, fields auth.Fields) error {
	return r.update(ctx, id, nil, fields)
}

// UpdateIf adds expect to the WHERE clause, so the guard is evaluated against
// the locked row. A row that no longer matches reports ErrNotFound.
func (r *UserRepository) UpdateIf(ctx context.Context, id ulid.ULID, expect auth.Criterion, fields auth.Fields) error {
	if err := expect.Validate(); err != nil {
		return err
	}
	return r.update(ctx, id, &expect, fields)
}

func (r *UserRepository) update(ctx context.Context, id ulid.ULID, expect *auth.Criterion, fields auth.Fields) error {
	if err := fields.Validate(); err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+3)
	args = append(args, id.String())
	for _, key := range keys {
		args = append(args, fields[key])
		sets = append(sets, fmt.Sprintf("%s = $%d", updateColumns[key], len(args)))
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	where := "id = $1"
	if expect != nil {
		args = append(args, expect.Value)
		where += fmt.Sprintf(" AND %s = $%d", lookupColumns[expect.Field], len(args))
	}

	result, err := r.pool.Exec(ctx,
		"UPDATE users SET "+strings.Join(sets, ", ")+" WHERE "+where,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("USER_ALREADY_EXISTS").
				With("id", id.String()).
				Wrap(auth.ErrAlreadyExists)
		}
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "update user").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		notFound := oops.Code("USER_NOT_FOUND").With("id", id.String())
		if expect != nil {
			notFound = notFound.With("field", expect.Field)
		}
		return notFound.Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanUser scans a single row into a User.
// Callers are responsible for handling pgx.ErrNoRows.
func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		idStr            string
		email            string
		passwordHash     string
		sessionTokenHash *string
		resetTokenHash   *string
		createdAt        time.Time
		updatedAt        time.Time
	)

	err := row.Scan(
		&idStr,
		&email,
		&passwordHash,
		&sessionTokenHash,
		&resetTokenHash,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("USER_SCAN_FAILED").
			With("operation", "scan user").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("USER_INVALID_ID").
			With("operation", "parse user id").
			With("id", idStr).
			Wrap(err)
	}

	return &auth.User{
		ID:               id,
		Email:            email,
		PasswordHash:     passwordHash,
		SessionTokenHash: sessionTokenHash,
		ResetTokenHash:   resetTokenHash,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface check.
var _ auth.UserRepository = (*UserRepository)(nil)
