// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/authcore/internal/auth"
	authpg "github.com/holomush/authcore/internal/auth/postgres"
	"github.com/holomush/authcore/internal/store"
)

var _ = Describe("PostgreSQL store", Ordered, func() {
	var (
		ctx      context.Context
		migrator *store.Migrator
		pool     *pgxpool.Pool
		repo     *authpg.UserRepository
	)

	BeforeAll(func() {
		ctx = suiteCtx

		var err error
		migrator, err = store.NewMigrator(suiteConnStr, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if migrator != nil {
			_ = migrator.Close()
		}
	})

	Describe("Migrator", func() {
		It("starts empty with the users migration pending", func() {
			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeZero())
			Expect(dirty).To(BeFalse())

			pending, err := migrator.Pending()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(Equal([]uint{1}))
		})

		It("round trips up, down and up again", func() {
			Expect(migrator.Up()).To(Succeed())
			version, _, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(Equal(uint(1)))

			Expect(migrator.Up()).To(Succeed(), "second Up is a no-op")

			Expect(migrator.Down()).To(Succeed())
			version, _, err = migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeZero())

			Expect(migrator.Up()).To(Succeed())
		})
	})

	Describe("UserRepository", func() {
		BeforeAll(func() {
			var err error
			pool, err = store.Connect(ctx, suiteConnStr, store.DefaultConnectOptions())
			Expect(err).NotTo(HaveOccurred())
			repo = authpg.NewUserRepository(pool)
		})

		BeforeEach(func() {
			_, err := pool.Exec(ctx, "TRUNCATE users")
			Expect(err).NotTo(HaveOccurred())
		})

		It("adds and finds users by every key", func() {
			user, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())

			byID, err := repo.FindBy(ctx, auth.ByID(user.ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(byID.Email).To(Equal("a@x.com"))
			Expect(byID.SessionTokenHash).To(BeNil())

			digest := "digest-1"
			Expect(repo.Update(ctx, user.ID, auth.Fields{auth.FieldSessionTokenHash: &digest})).To(Succeed())

			bySession, err := repo.FindBy(ctx, auth.BySessionTokenHash(digest))
			Expect(err).NotTo(HaveOccurred())
			Expect(bySession.ID).To(Equal(user.ID))
			Expect(bySession.UpdatedAt).To(BeTemporally(">=", user.UpdatedAt.Truncate(time.Microsecond)))
		})

		It("rejects a duplicate email", func() {
			_, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())

			_, err = repo.Add(ctx, "a@x.com", "other")
			Expect(err).To(MatchError(auth.ErrAlreadyExists))
		})

		It("treats emails as case-sensitive", func() {
			_, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())
			_, err = repo.Add(ctx, "A@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())
		})

		It("enforces unique session digests", func() {
			a, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())
			b, err := repo.Add(ctx, "b@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())

			digest := "shared"
			Expect(repo.Update(ctx, a.ID, auth.Fields{auth.FieldSessionTokenHash: &digest})).To(Succeed())
			err = repo.Update(ctx, b.ID, auth.Fields{auth.FieldSessionTokenHash: &digest})
			Expect(err).To(MatchError(auth.ErrAlreadyExists))
		})

		It("clears nullable columns and reports unknown ids", func() {
			user, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())

			reset := "reset-digest"
			Expect(repo.Update(ctx, user.ID, auth.Fields{auth.FieldResetTokenHash: &reset})).To(Succeed())

			newHash := "new-hash"
			Expect(repo.Update(ctx, user.ID, auth.Fields{
				auth.FieldPasswordHash:   &newHash,
				auth.FieldResetTokenHash: nil,
			})).To(Succeed())

			stored, err := repo.FindBy(ctx, auth.ByEmail("a@x.com"))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.PasswordHash).To(Equal("new-hash"))
			Expect(stored.ResetTokenHash).To(BeNil())

			_, err = repo.FindBy(ctx, auth.ByResetTokenHash(reset))
			Expect(err).To(MatchError(auth.ErrNotFound))

			err = repo.Update(ctx, ulid.Make(), auth.Fields{auth.FieldSessionTokenHash: nil})
			Expect(err).To(MatchError(auth.ErrNotFound))
		})

		It("lets exactly one guarded consume win", func() {
			user, err := repo.Add(ctx, "a@x.com", "hash")
			Expect(err).NotTo(HaveOccurred())
			reset := "reset-digest"
			Expect(repo.Update(ctx, user.ID, auth.Fields{auth.FieldResetTokenHash: &reset})).To(Succeed())

			const n = 8
			var (
				wg  sync.WaitGroup
				won atomic.Int32
			)
			for range n {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					newHash := "new-hash"
					err := repo.UpdateIf(ctx, user.ID, auth.ByResetTokenHash(reset), auth.Fields{
						auth.FieldPasswordHash:   &newHash,
						auth.FieldResetTokenHash: nil,
					})
					if err == nil {
						won.Add(1)
						return
					}
					Expect(err).To(MatchError(auth.ErrNotFound))
				}()
			}
			wg.Wait()

			Expect(won.Load()).To(Equal(int32(1)))
			stored, err := repo.FindBy(ctx, auth.ByID(user.ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.ResetTokenHash).To(BeNil())
		})
	})
})
