package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/threadgate/internal/config"
	"github.com/haasonsaas/threadgate/internal/storage"
)

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Apply or roll back the embedded CockroachDB schema migrations.

Migrations run in ID order, one transaction each, and are recorded in the
schema_migrations table.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.AddCommand(
		buildMigrateUpCmd(&configPath),
		buildMigrateDownCmd(&configPath),
		buildMigrateStatusCmd(&configPath),
	)
	return cmd
}

func buildMigrateUpCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Example: `  # Apply all pending migrations
  threadgate migrate up

  # Apply only the next 2 migrations
  threadgate migrate up --steps 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(m *storage.Migrator) error {
				applied, err := m.Up(cmd.Context(), steps)
				for _, id := range applied {
					slog.Info("applied migration", "id", id)
				}
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the last N database migrations.

Rolling back drops tables and the data in them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(m *storage.Migrator) error {
				rolled, err := m.Down(cmd.Context(), steps)
				for _, id := range rolled {
					slog.Info("rolled back migration", "id", id)
				}
				if err != nil {
					return err
				}
				if len(rolled) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(m *storage.Migrator) error {
				applied, pending, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Applied migrations:")
				if len(applied) == 0 {
					fmt.Fprintln(out, "  (none)")
				}
				for _, entry := range applied {
					fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
				}
				fmt.Fprintln(out, "Pending migrations:")
				if len(pending) == 0 {
					fmt.Fprintln(out, "  (none)")
				}
				for _, entry := range pending {
					fmt.Fprintf(out, "  - %s\n", entry.ID)
				}
				return nil
			})
		},
	}
}

func withMigrator(ctx context.Context, configPath string, fn func(*storage.Migrator) error) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return fn(migrator)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	return storage.Open(cfg.URL, cockroachConfig(cfg))
}

func cockroachConfig(cfg config.DatabaseConfig) *storage.CockroachConfig {
	pool := storage.DefaultCockroachConfig()
	pool.MaxOpenConns = cfg.MaxConnections
	pool.MaxIdleConns = cfg.MaxIdle
	pool.ConnMaxLifetime = cfg.ConnMaxLifetime
	pool.ConnectTimeout = cfg.ConnectTimeout
	return pool
}
