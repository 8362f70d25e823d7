// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/auth"
	authpg "github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/logging"
	"github.com/keyfold/keyfold/internal/store"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired tokens and sessions once and exit",
		Long: `Run a single expiry sweep: delete expired or consumed verification
tokens and expired or revoked sessions. The serve command runs the same
sweep periodically; this subcommand suits external schedulers.`,
		RunE: runSweep,
	}
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")
	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	logging.SetDefault("keyfold", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))

	ctx := cmd.Context()
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

	sweeper, err := auth.NewSweeper(
		authpg.NewTokenRepository(pool),
		authpg.NewSessionRepository(pool),
		cfg.Sweep,
		slog.Default(),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	var tokens, sessions int64
	sweeper.OnSweep = func(t, s int64) { tokens, sessions = t, s }
	sweeper.Sweep(ctx)

	cmd.Printf("Sweep complete: %d token(s), %d session(s) removed\n", tokens, sessions)
	return nil
}
