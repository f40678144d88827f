// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authcore/internal/auth"
	authpg "github.com/holomush/authcore/internal/auth/postgres"
	"github.com/holomush/authcore/internal/config"
	"github.com/holomush/authcore/internal/httpapi"
	"github.com/holomush/authcore/internal/observability"
	"github.com/holomush/authcore/internal/store"
)

// testEnv holds the database and the two API servers under test.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	users     auth.UserRepository
	session   *httptest.Server
	basic     *httptest.Server
}

func setupTestEnv() *testEnv {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	env := &testEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("authcore_e2e"),
		postgres.WithUsername("authcore"),
		postgres.WithPassword("authcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))

	migrator, err := store.NewMigrator(connStr, logger)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrator.Up()).To(Succeed())
	Expect(migrator.Close()).To(Succeed())

	env.pool, err = store.Connect(ctx, connStr, store.ConnectOptions{MaxRetries: 3, Logger: logger})
	Expect(err).NotTo(HaveOccurred())
	env.users = authpg.NewUserRepository(env.pool)

	env.session = newAPIServer(env.users, auth.SchemeSession, logger)
	env.basic = newAPIServer(env.users, auth.SchemeBasic, logger)
	return env
}

func newAPIServer(users auth.UserRepository, scheme string, logger *slog.Logger) *httptest.Server {
	hasher := auth.NewArgon2idHasher()
	sessions, err := auth.NewSessionServiceWithLogger(users, hasher, logger)
	Expect(err).NotTo(HaveOccurred())
	resets, err := auth.NewResetServiceWithLogger(users, hasher, logger)
	Expect(err).NotTo(HaveOccurred())
	s, err := auth.NewScheme(scheme, auth.SchemeDeps{Users: users, Hasher: hasher, Sessions: sessions, Logger: logger})
	Expect(err).NotTo(HaveOccurred())
	gk, err := auth.NewGatekeeper(s, config.DefaultExcludedPaths, logger)
	Expect(err).NotTo(HaveOccurred())
	router, err := httpapi.NewRouter(httpapi.Deps{
		Sessions:   sessions,
		Resets:     resets,
		Gatekeeper: gk,
		Metrics:    observability.NewMetrics(prometheus.NewRegistry()),
		Logger:     logger,
	})
	Expect(err).NotTo(HaveOccurred())
	return httptest.NewServer(router)
}

func (e *testEnv) cleanup() {
	if e.session != nil {
		e.session.Close()
	}
	if e.basic != nil {
		e.basic.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(context.Background())
	}
	e.cancel()
}

type response struct {
	status int
	body   map[string]string
}

func send(client *http.Client, method, target string, form url.Values, header http.Header) response {
	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, target, body)
	Expect(err).NotTo(HaveOccurred())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	out := response{status: resp.StatusCode, body: map[string]string{}}
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	var decoded map[string]any
	if json.Unmarshal(raw, &decoded) == nil {
		for k, v := range decoded {
			if s, ok := v.(string); ok {
				out.body[k] = s
			}
		}
	}
	return out
}

var _ = Describe("Account lifecycle", Ordered, func() {
	const (
		email       = "guillaume@holberton.io"
		password    = "b4l0u"
		newPassword = "t4rt1fl3tt3"
	)

	var (
		env    *testEnv
		client *http.Client
	)

	BeforeAll(func() {
		env = setupTestEnv()
		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{Jar: jar, Timeout: 10 * time.Second}
	})

	AfterAll(func() {
		if env != nil {
			env.cleanup()
		}
	})

	It("registers a user once", func() {
		r := send(client, http.MethodPost, env.session.URL+"/users", url.Values{"email": {email}, "password": {password}}, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body).To(Equal(map[string]string{"email": email, "message": "user created"}))

		r = send(client, http.MethodPost, env.session.URL+"/users", url.Values{"email": {email}, "password": {password}}, nil)
		Expect(r.status).To(Equal(http.StatusBadRequest))
		Expect(r.body["error"]).To(Equal("email already registered"))
	})

	It("rejects a wrong password", func() {
		r := send(client, http.MethodPost, env.session.URL+"/sessions", url.Values{"email": {email}, "password": {"nope"}}, nil)
		Expect(r.status).To(Equal(http.StatusUnauthorized))
	})

	It("denies the profile without a session", func() {
		r := send(client, http.MethodGet, env.session.URL+"/profile", nil, nil)
		Expect(r.status).To(Equal(http.StatusForbidden))
	})

	It("logs in and serves the profile", func() {
		r := send(client, http.MethodPost, env.session.URL+"/sessions", url.Values{"email": {email}, "password": {password}}, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["message"]).To(Equal("logged in"))

		r = send(client, http.MethodGet, env.session.URL+"/profile", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["email"]).To(Equal(email))

		r = send(client, http.MethodGet, env.session.URL+"/api/v1/users/me", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["email"]).To(Equal(email))
	})

	It("stores only the session token digest", func() {
		u, err := env.users.FindBy(env.ctx, auth.ByEmail(email))
		Expect(err).NotTo(HaveOccurred())
		Expect(u.SessionTokenHash).NotTo(BeNil())

		target, err := url.Parse(env.session.URL)
		Expect(err).NotTo(HaveOccurred())
		var token string
		for _, c := range client.Jar.Cookies(target) {
			if c.Name == auth.DefaultSessionCookie {
				token = c.Value
			}
		}
		Expect(token).To(HaveLen(2 * auth.TokenBytes))
		Expect(*u.SessionTokenHash).To(Equal(auth.HashToken(token)))
		Expect(*u.SessionTokenHash).NotTo(Equal(token))
	})

	It("logs out", func() {
		r := send(client, http.MethodDelete, env.session.URL+"/sessions", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["message"]).To(Equal("logged out"))

		u, err := env.users.FindBy(env.ctx, auth.ByEmail(email))
		Expect(err).NotTo(HaveOccurred())
		Expect(u.HasSession()).To(BeFalse())

		r = send(client, http.MethodGet, env.session.URL+"/profile", nil, nil)
		Expect(r.status).To(Equal(http.StatusForbidden))
	})

	It("resets the password with a single-use token", func() {
		r := send(client, http.MethodPost, env.session.URL+"/reset_password", url.Values{"email": {email}}, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		token := r.body["reset_token"]
		Expect(token).To(HaveLen(2 * auth.TokenBytes))

		update := url.Values{"email": {email}, "reset_token": {token}, "new_password": {newPassword}}
		r = send(client, http.MethodPut, env.session.URL+"/reset_password", update, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["message"]).To(Equal("Password updated"))

		r = send(client, http.MethodPut, env.session.URL+"/reset_password", update, nil)
		Expect(r.status).To(Equal(http.StatusForbidden))

		u, err := env.users.FindBy(env.ctx, auth.ByEmail(email))
		Expect(err).NotTo(HaveOccurred())
		Expect(u.HasPendingReset()).To(BeFalse())
	})

	It("logs in with the new password only", func() {
		r := send(client, http.MethodPost, env.session.URL+"/sessions", url.Values{"email": {email}, "password": {password}}, nil)
		Expect(r.status).To(Equal(http.StatusUnauthorized))

		r = send(client, http.MethodPost, env.session.URL+"/sessions", url.Values{"email": {email}, "password": {newPassword}}, nil)
		Expect(r.status).To(Equal(http.StatusOK))
	})

	It("authenticates the same user over Basic", func() {
		plain := &http.Client{Timeout: 10 * time.Second}
		header := http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+newPassword))}}

		r := send(plain, http.MethodGet, env.basic.URL+"/api/v1/users/me", nil, header)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["email"]).To(Equal(email))

		r = send(plain, http.MethodGet, env.basic.URL+"/api/v1/users/me", nil, nil)
		Expect(r.status).To(Equal(http.StatusUnauthorized))

		wrong := http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+password))}}
		r = send(plain, http.MethodGet, env.basic.URL+"/api/v1/users/me", nil, wrong)
		Expect(r.status).To(Equal(http.StatusForbidden))

		r = send(plain, http.MethodGet, env.basic.URL+"/api/v1/status/", nil, nil)
		Expect(r.status).To(Equal(http.StatusOK))
		Expect(r.body["status"]).To(Equal("OK"))
	})
})
