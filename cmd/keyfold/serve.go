// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/auth"
	authpg "github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/logging"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/observability"
	"github.com/keyfold/keyfold/internal/store"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication service",
		Long: `Start the HTTP authentication service: registration, email
verification, password and OAuth sign-in, password resets, and sessions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}

	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")
	cmd.Flags().String("metrics.listen", ":9090", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log.level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("log.format", "json", "log format (json or text)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("keyfold", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	logger := slog.Default()

	logger.Info("starting keyfold",
		"listen", cfg.Listen,
		"base_url", cfg.BaseURL,
	)

	pool, err := store.NewPool(ctx, cfg.Database.URL, store.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := autoMigrate(cfg.Database.URL); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Observability server first so readiness reflects startup progress.
	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.Metrics.Listen != "" {
		obsServer = observability.NewServer(cfg.Metrics.Listen, func() bool {
			return pool.Ping(ctx) == nil
		})
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics = obsServer.Metrics()
	}

	var registry *oauth.Registry
	if cfg.OAuthEnabled() {
		google, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		})
		if err != nil {
			return fmt.Errorf("failed to configure google provider: %w", err)
		}
		registry = oauth.NewRegistry(google)
		logger.Info("oauth providers enabled", "providers", registry.Names())
	}

	svc, mailer, err := buildService(pool, registry, cfg, metrics, logger)
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(svc, registry, metrics, httpapi.Config{
		SessionCookie: cfg.Sessions.CookieName,
		CookieSecure:  cfg.Sessions.CookieSecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Background expiry sweeper.
	sweeper, err := auth.NewSweeper(
		authpg.NewTokenRepository(pool),
		authpg.NewSessionRepository(pool),
		cfg.Sweep,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if metrics != nil {
		sweeper.OnSweep = func(tokens, sessions int64) {
			metrics.SweepDeletedTotal.WithLabelValues("tokens").Add(float64(tokens))
			metrics.SweepDeletedTotal.WithLabelValues("sessions").Add(float64(sessions))
		}
	}
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errChan := make(chan error, 1)
	go func() {
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errChan <- serveErr
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Keyfold started")
	logger.Info("keyfold ready", "listen", cfg.Listen)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping http server", "error", err)
	}
	mailer.Wait()
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// buildService wires the repositories and collaborators into the auth service.
func buildService(pool *pgxpool.Pool, registry *oauth.Registry, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*auth.Service, *auth.Mailer, error) {
	var sender auth.EmailSender
	if cfg.Email.Endpoint != "" {
		sender = &auth.HTTPEmailSender{
			Endpoint: cfg.Email.Endpoint,
			Client:   &http.Client{Timeout: cfg.Email.Timeout},
		}
	} else {
		sender = &auth.LogEmailSender{Logger: logger}
	}

	mailer, err := auth.NewMailer(sender, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create mailer: %w", err)
	}
	if metrics != nil {
		mailer.OnDispatch = func(purpose auth.TokenPurpose) {
			metrics.EmailsDispatched.WithLabelValues(string(purpose)).Inc()
		}
	}

	tokens, err := auth.NewTokenService(authpg.NewTokenRepository(pool))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token service: %w", err)
	}
	sessions, err := auth.NewSessionService(authpg.NewSessionRepository(pool), cfg.Sessions.IdleTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session service: %w", err)
	}

	// A typed nil must not become a non-nil interface value.
	var exchanger auth.ProfileExchanger
	if registry != nil {
		exchanger = registry
	}

	svc, err := auth.NewServiceWithLogger(
		authpg.NewUserRepository(pool),
		authpg.NewIdentityRepository(pool),
		tokens,
		sessions,
		authpg.NewTxManager(pool),
		auth.NewArgon2idHasher(),
		mailer,
		exchanger,
		auth.Policy{
			BaseURL:                     cfg.BaseURL,
			RequireVerifiedEmail:        cfg.Policy.RequireVerifiedEmail,
			AutoSignInAfterVerification: cfg.Policy.AutoSignInAfterVerification,
			VerifyTokenTTL:              cfg.Tokens.VerifyTTL,
			ResetTokenTTL:               cfg.Tokens.ResetTTL,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth service: %w", err)
	}
	if metrics != nil {
		svc.OnTokenIssued = func(purpose auth.TokenPurpose) {
			metrics.TokensIssuedTotal.WithLabelValues(string(purpose)).Inc()
		}
	}
	return svc, mailer, nil
}

// autoMigrate runs pending migrations at startup.
func autoMigrate(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}()

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return fmt.Errorf("failed to list pending migrations: %w", err)
	}
	if len(pending) == 0 {
		slog.Info("database schema up to date")
		return nil
	}

	slog.Info("applying migrations", "pending", len(pending))
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
