package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/target/memscope/internal/bootstrap"
	"github.com/target/memscope/internal/data"
	"github.com/target/memscope/internal/migrate"
)

const defaultMigrationTimeout = 5 * time.Minute

// withDatabase loads the service configuration, connects to the archive database and runs fn
// under a timeout.
func withDatabase(ctx context.Context, timeout time.Duration, fn func(context.Context, *sql.DB, *slog.Logger) error) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger := bootstrap.InitLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("db close failed", "error", closeErr)
		}
	}()

	return fn(ctx, db, logger)
}

func migrateCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the job archive schema (uses DB_* settings)",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "db-timeout", defaultMigrationTimeout, "database operation timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), timeout, func(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
					return bootstrap.RunMigrations(ctx, db, logger)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which migrations have been applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), timeout, func(ctx context.Context, db *sql.DB, _ *slog.Logger) error {
					statuses, err := migrate.Status(ctx, db)
					if err != nil {
						return err
					}
					if c.jsonOutput() {
						return writeJSON(c.out, statuses)
					}
					tw := newTable(c.out)
					tw.AppendHeader(table.Row{"Version", "Applied at"})
					for _, s := range statuses {
						tw.AppendRow(table.Row{s.Version, formatTime(s.AppliedAt)})
					}
					tw.Render()
					return nil
				})
			},
		},
	)
	return cmd
}

func archivePruneCmd(c *cli) *cobra.Command {
	var (
		olderThan time.Duration
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived jobs that completed before --older-than (uses DB_* settings)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withDatabase(cmd.Context(), timeout, func(ctx context.Context, db *sql.DB, _ *slog.Logger) error {
				repo, err := data.NewJobArchiveRepo(db)
				if err != nil {
					return err
				}
				cutoff := time.Now().Add(-olderThan)
				n, err := repo.DeleteBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.out, "deleted %d archived jobs completed before %s\n", n, cutoff.UTC().Format(time.RFC3339))
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the oldest archived job to keep (required)")
	cmd.Flags().DurationVar(&timeout, "db-timeout", defaultMigrationTimeout, "database operation timeout")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}
