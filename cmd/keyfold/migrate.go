// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		Long:  `Apply, roll back, or inspect schema migrations against the PostgreSQL database.`,
		RunE:  runMigrateUp,
	}
	cmd.PersistentFlags().String("database.url", "", "PostgreSQL connection URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations (destroys all data)",
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE:  runMigrateStatus,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the migration version without running migrations",
		Long:  `Recover from a dirty migration state after manually fixing the database.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runMigrateForce,
	})

	return cmd
}

func migratorFromFlags(cmd *cobra.Command) (*store.Migrator, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	return store.NewMigrator(cfg.Database.URL)
}

func closeMigrator(cmd *cobra.Command, m *store.Migrator) {
	if err := m.Close(); err != nil {
		cmd.PrintErrln("warning: failed to close migrator:", err)
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("Database schema is up to date")
		return nil
	}

	cmd.Printf("Applying %d migration(s)...\n", len(pending))
	if err := migrator.Up(); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	cmd.Println("Rolling back all migrations...")
	if err := migrator.Down(); err != nil {
		return err
	}
	cmd.Println("Rollback completed")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}

	if version == 0 {
		cmd.Println("Current version: none")
	} else {
		name, nameErr := store.MigrationName(version)
		if nameErr != nil || name == "" {
			name = strconv.FormatUint(uint64(version), 10)
		}
		cmd.Printf("Current version: %s\n", name)
	}
	if dirty {
		cmd.Println("State: DIRTY (a migration failed partway; fix manually, then use 'migrate force')")
	}

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("Pending: none")
		return nil
	}
	cmd.Printf("Pending: %d migration(s)\n", len(pending))
	for _, v := range pending {
		name, nameErr := store.MigrationName(v)
		if nameErr != nil || name == "" {
			name = strconv.FormatUint(uint64(v), 10)
		}
		cmd.Printf("  %s\n", name)
	}
	return nil
}

func runMigrateForce(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return oops.Code("INVALID_VERSION").Errorf("version must be an integer, got %q", args[0])
	}
	if version < 0 {
		return oops.Code("INVALID_VERSION").Errorf("version must be non-negative, got %d", version)
	}

	migrator, err := migratorFromFlags(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	if err := migrator.Force(version); err != nil {
		return err
	}
	cmd.Printf("Migration version forced to %d\n", version)
	return nil
}
