// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/store"
)

// statusReport is the status command's output shape.
type statusReport struct {
	SchemaVersion    uint  `json:"schema_version"`
	SchemaDirty      bool  `json:"schema_dirty"`
	Users            int64 `json:"users"`
	VerifiedUsers    int64 `json:"verified_users"`
	ActiveSessions   int64 `json:"active_sessions"`
	PendingTokens    int64 `json:"pending_tokens"`
	LinkedIdentities int64 `json:"linked_identities"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store contents and schema version",
		Long:  `Report the schema migration state and aggregate counts of users, sessions, tokens, and linked identities.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	conf, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	migrator, err := store.NewMigrator(conf.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	version, dirty, err := migrator.Version()
	closeMigrator(cmd, migrator)
	if err != nil {
		return err
	}

	pool, err := store.NewPool(ctx, conf.Database.URL, store.PoolConfig{
		MaxConns:       2,
		MinConns:       1,
		ConnectTimeout: conf.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	stats, err := store.NewStatsRepository(pool).Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect stats: %w", err)
	}

	report := statusReport{
		SchemaVersion:    version,
		SchemaDirty:      dirty,
		Users:            stats.Users,
		VerifiedUsers:    stats.VerifiedUsers,
		ActiveSessions:   stats.ActiveSessions,
		PendingTokens:    stats.PendingTokens,
		LinkedIdentities: stats.LinkedIdentities,
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Println(formatStatusTable(report))
	return nil
}

func formatStatusTable(report statusReport) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)

	dirtyNote := ""
	if report.SchemaDirty {
		dirtyNote = " (DIRTY)"
	}
	fmt.Fprintf(w, "Schema version:\t%d%s\n", report.SchemaVersion, dirtyNote)
	fmt.Fprintf(w, "Users:\t%d\n", report.Users)
	fmt.Fprintf(w, "Verified users:\t%d\n", report.VerifiedUsers)
	fmt.Fprintf(w, "Active sessions:\t%d\n", report.ActiveSessions)
	fmt.Fprintf(w, "Pending tokens:\t%d\n", report.PendingTokens)
	fmt.Fprintf(w, "Linked identities:\t%d\n", report.LinkedIdentities)
	_ = w.Flush()

	return strings.TrimRight(sb.String(), "\n")
}
