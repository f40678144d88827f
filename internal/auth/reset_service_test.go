// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/memory"
	"github.com/holomush/authcore/internal/auth/mocks"
	"github.com/holomush/authcore/pkg/errutil"
)

func TestNewResetService_NilDependencies(t *testing.T) {
	_, err := auth.NewResetService(nil, mocks.NewMockPasswordHasher(t))
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CONFIG")

	_, err = auth.NewResetService(mocks.NewMockUserRepository(t), nil)
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CONFIG")

	_, err = auth.NewResetServiceWithLogger(mocks.NewMockUserRepository(t), mocks.NewMockPasswordHasher(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

func TestResetService_IssueResetToken(t *testing.T) {
	ctx := context.Background()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)

	t.Run("stores digest of returned token", func(t *testing.T) {
		repo := memory.NewUserRepository()
		user, err := repo.Add(ctx, "a@x.com", "hash")
		require.NoError(t, err)
		svc, err := auth.NewResetService(repo, hasher)
		require.NoError(t, err)

		token, err := svc.IssueResetToken(ctx, "a@x.com")
		require.NoError(t, err)
		assert.Len(t, token, 64)

		stored, err := repo.FindBy(ctx, auth.ByID(user.ID))
		require.NoError(t, err)
		require.True(t, stored.HasPendingReset())
		assert.True(t, auth.VerifyToken(token, *stored.ResetTokenHash))
	})

	t.Run("second token replaces the first", func(t *testing.T) {
		repo := memory.NewUserRepository()
		_, err := repo.Add(ctx, "a@x.com", "hash")
		require.NoError(t, err)
		svc, err := auth.NewResetService(repo, hasher)
		require.NoError(t, err)

		first, err := svc.IssueResetToken(ctx, "a@x.com")
		require.NoError(t, err)
		second, err := svc.IssueResetToken(ctx, "a@x.com")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		err = svc.UpdatePassword(ctx, first, "pw2")
		errutil.AssertTypedError(t, err, auth.ErrNotFound, "RESET_TOKEN_NOT_FOUND")
		require.NoError(t, svc.UpdatePassword(ctx, second, "pw2"))
	})

	t.Run("unknown email", func(t *testing.T) {
		svc, err := auth.NewResetService(memory.NewUserRepository(), hasher)
		require.NoError(t, err)

		token, err := svc.IssueResetToken(ctx, "nobody@x.com")
		errutil.AssertTypedError(t, err, auth.ErrNotFound, "USER_NOT_FOUND")
		assert.Empty(t, token)
	})

	t.Run("persist failure", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		svc, err := auth.NewResetService(users, mocks.NewMockPasswordHasher(t))
		require.NoError(t, err)

		user := &auth.User{ID: ulid.Make(), Email: "a@x.com"}
		users.On("FindBy", ctx, auth.ByEmail("a@x.com")).Return(user, nil)
		users.On("Update", ctx, user.ID, mock.AnythingOfType("auth.Fields")).Return(errors.New("connection reset"))

		token, err := svc.IssueResetToken(ctx, "a@x.com")
		require.Error(t, err)
		assert.Empty(t, token)
		assert.NotErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestResetService_UpdatePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes token and changes password", func(t *testing.T) {
		repo := memory.NewUserRepository()
		hasher := auth.NewBcryptHasher(bcrypt.MinCost)
		old, err := hasher.Hash("pw1")
		require.NoError(t, err)
		user, err := repo.Add(ctx, "a@x.com", old)
		require.NoError(t, err)
		svc, err := auth.NewResetService(repo, hasher)
		require.NoError(t, err)

		token, err := svc.IssueResetToken(ctx, "a@x.com")
		require.NoError(t, err)
		require.NoError(t, svc.UpdatePassword(ctx, token, "pw2"))

		stored, err := repo.FindBy(ctx, auth.ByID(user.ID))
		require.NoError(t, err)
		assert.False(t, stored.HasPendingReset())
		assert.True(t, hasher.Verify("pw2", stored.PasswordHash))
		assert.False(t, hasher.Verify("pw1", stored.PasswordHash))

		err = svc.UpdatePassword(ctx, token, "pw3")
		errutil.AssertTypedError(t, err, auth.ErrNotFound, "RESET_TOKEN_NOT_FOUND")
	})

	t.Run("empty token", func(t *testing.T) {
		svc, err := auth.NewResetService(mocks.NewMockUserRepository(t), mocks.NewMockPasswordHasher(t))
		require.NoError(t, err)

		err = svc.UpdatePassword(ctx, "", "pw2")
		errutil.AssertTypedError(t, err, auth.ErrNotFound, "RESET_TOKEN_NOT_FOUND")
	})

	t.Run("guarded update sets hash and clears token", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewResetServiceWithLogger(users, hasher, slog.Default())
		require.NoError(t, err)

		user := &auth.User{ID: ulid.Make(), Email: "a@x.com"}
		users.On("FindBy", ctx, auth.ByResetTokenHash(auth.HashToken("tok"))).Return(user, nil)
		hasher.On("Hash", "pw2").Return("new-hash", nil)
		newHash := "new-hash"
		users.On("UpdateIf", ctx, user.ID, auth.ByResetTokenHash(auth.HashToken("tok")), auth.Fields{
			auth.FieldPasswordHash:   &newHash,
			auth.FieldResetTokenHash: nil,
		}).Return(nil).Once()

		require.NoError(t, svc.UpdatePassword(ctx, "tok", "pw2"))
	})

	t.Run("hash failure leaves user untouched", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewResetService(users, hasher)
		require.NoError(t, err)

		user := &auth.User{ID: ulid.Make(), Email: "a@x.com"}
		users.On("FindBy", ctx, auth.ByResetTokenHash(auth.HashToken("tok"))).Return(user, nil)
		hasher.On("Hash", "").Return("", auth.ErrEmptyPassword)

		err = svc.UpdatePassword(ctx, "tok", "")
		assert.ErrorIs(t, err, auth.ErrEmptyPassword)
		users.AssertNotCalled(t, "UpdateIf", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed guard reports the token as gone", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewResetService(users, hasher)
		require.NoError(t, err)

		user := &auth.User{ID: ulid.Make(), Email: "a@x.com"}
		users.On("FindBy", ctx, auth.ByResetTokenHash(auth.HashToken("tok"))).Return(user, nil)
		hasher.On("Hash", "pw2").Return("new-hash", nil)
		users.On("UpdateIf", ctx, user.ID, auth.ByResetTokenHash(auth.HashToken("tok")), mock.AnythingOfType("auth.Fields")).
			Return(auth.ErrNotFound)

		err = svc.UpdatePassword(ctx, "tok", "pw2")
		errutil.AssertTypedError(t, err, auth.ErrNotFound, "RESET_TOKEN_NOT_FOUND")
	})

	t.Run("repository failure is not reported as a bad token", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewResetService(users, hasher)
		require.NoError(t, err)

		user := &auth.User{ID: ulid.Make(), Email: "a@x.com"}
		users.On("FindBy", ctx, auth.ByResetTokenHash(auth.HashToken("tok"))).Return(user, nil)
		hasher.On("Hash", "pw2").Return("new-hash", nil)
		users.On("UpdateIf", ctx, user.ID, mock.Anything, mock.Anything).Return(errors.New("disk full"))

		err = svc.UpdatePassword(ctx, "tok", "pw2")
		errutil.AssertErrorCode(t, err, "RESET_PASSWORD_FAILED")
		assert.NotErrorIs(t, err, auth.ErrNotFound)
	})
}

// TestAccountLifecycle walks one account through registration, a session
// and a password reset using the real hasher.
func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUserRepository()
	hasher := auth.NewArgon2idHasher()

	sessions, err := auth.NewSessionService(repo, hasher)
	require.NoError(t, err)
	resets, err := auth.NewResetService(repo, hasher)
	require.NoError(t, err)

	user, err := sessions.Register(ctx, "a@x.com", "pw1")
	require.NoError(t, err)

	ok, err := sessions.ValidLogin(ctx, "a@x.com", "pw1")
	require.NoError(t, err)
	require.True(t, ok)

	token, err := sessions.CreateSession(ctx, "a@x.com")
	require.NoError(t, err)

	resolved, err := sessions.ResolveSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	require.NoError(t, sessions.DestroySession(ctx, user.ID))
	_, err = sessions.ResolveSession(ctx, token)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	reset, err := resets.IssueResetToken(ctx, "a@x.com")
	require.NoError(t, err)
	require.NoError(t, resets.UpdatePassword(ctx, reset, "pw2"))

	ok, err = sessions.ValidLogin(ctx, "a@x.com", "pw1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sessions.ValidLogin(ctx, "a@x.com", "pw2")
	require.NoError(t, err)
	assert.True(t, ok)
}
