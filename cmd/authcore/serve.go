// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authcore/internal/auth"
	"github.com/holomush/authcore/internal/auth/memory"
	"github.com/holomush/authcore/internal/auth/postgres"
	"github.com/holomush/authcore/internal/config"
	"github.com/holomush/authcore/internal/httpapi"
	"github.com/holomush/authcore/internal/logging"
	"github.com/holomush/authcore/internal/observability"
	"github.com/holomush/authcore/internal/store"
	"github.com/holomush/authcore/pkg/errutil"
)

const (
	readinessTimeout  = 2 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// newServeCmd creates the serve subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API",
		Long: `Start the HTTP API and, unless metrics.addr is empty, the metrics
and health probe listener. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.deps)
		},
	}
}

// userStore is the selected repository plus its readiness probe and cleanup.
type userStore struct {
	users   auth.UserRepository
	isReady observability.ReadinessChecker
	close   func()
}

func openUserStore(ctx context.Context, cfg *config.Config, deps *Deps, logger *slog.Logger) (*userStore, error) {
	if cfg.Store == config.StoreMemory {
		logger.WarnContext(ctx, "using in-memory user store; data is lost on exit")
		return &userStore{users: memory.NewUserRepository(), close: func() {}}, nil
	}

	pool, err := deps.Connect(ctx, cfg.Database.URL, store.ConnectOptions{
		MaxRetries: cfg.Database.ConnectRetries,
		BaseDelay:  store.DefaultConnectOptions().BaseDelay,
		MaxConns:   cfg.Database.MaxConns,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	// Migrate only once Connect's retries have seen the database answer.
	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg.Database.URL, deps, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &userStore{
		users:   postgres.NewUserRepository(pool),
		isReady: store.ReadinessCheck(pool, readinessTimeout),
		close:   pool.Close,
	}, nil
}

func migrateUp(databaseURL string, deps *Deps, logger *slog.Logger) error {
	m, err := deps.MigratorFactory(databaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	return m.Up()
}

// runServe wires the services from cfg and serves until ctx is cancelled or
// a listener fails.
func runServe(ctx context.Context, cfg *config.Config, deps *Deps) error {
	deps = deps.withDefaults()

	logger, err := logging.New(logging.Options{
		Service: "authcore",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Output:  deps.LogOutput,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting authcore",
		"http_addr", cfg.HTTP.Addr,
		"store", cfg.Store,
		"scheme", cfg.Auth.Scheme,
		"hasher", cfg.Auth.Hasher)

	us, err := openUserStore(ctx, cfg, deps, logger)
	if err != nil {
		errutil.LogErrorContext(ctx, logger, "failed to open user store", err)
		return err
	}
	defer us.close()

	hasher, err := auth.NewPasswordHasher(cfg.Auth.Hasher, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionServiceWithLogger(us.users, hasher, logger)
	if err != nil {
		return err
	}
	resets, err := auth.NewResetServiceWithLogger(us.users, hasher, logger)
	if err != nil {
		return err
	}
	scheme, err := auth.NewScheme(cfg.Auth.Scheme, auth.SchemeDeps{
		Users:      us.users,
		Hasher:     hasher,
		Sessions:   sessions,
		CookieName: cfg.Auth.SessionCookie,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	gatekeeper, err := auth.NewGatekeeper(scheme, cfg.Auth.ExcludedPaths, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, us.isReady, logger)
		obsErrCh, startErr := obsServer.Start()
		if startErr != nil {
			return startErr
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
		metrics = obsServer.Metrics()
	}

	router, err := httpapi.NewRouter(httpapi.Deps{
		Sessions:   sessions,
		Resets:     resets,
		Gatekeeper: gatekeeper,
		Metrics:    metrics,
		CookieName: cfg.Auth.SessionCookie,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.Code("HTTP_LISTEN_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}

	httpServer := &http.Server{
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	logger.InfoContext(ctx, "authcore ready", "addr", listener.Addr().String())
	if deps.OnListening != nil {
		deps.OnListening(listener.Addr().String())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			serveErr = oops.Code("HTTP_SERVE_FAILED").Wrap(err)
			errutil.LogError(logger, "api server failed", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping api server", "error", err)
	}
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return serveErr
}

func stopObservability(s *observability.Server, logger *slog.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a background listener reports an
// error. It returns when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		logger.Error("server error, triggering shutdown", "server", name, "error", err)
		cancel()
	case <-ctx.Done():
	}
}
