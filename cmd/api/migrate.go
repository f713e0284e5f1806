package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"estimator/api/internal/config"
	"estimator/api/internal/store"
)

type dbHandle struct {
	*sql.DB
	cfg config.Config
}

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *dbHandle) error {
			if err := store.ApplyMigrations(ctx, db.DB, db.cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			fmt.Println("Migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *dbHandle) error {
			rolled, err := store.RollbackMigrations(ctx, db.DB, db.cfg.MigrationsDir, migrateSteps)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			for _, version := range rolled {
				fmt.Printf("Rolled back %s\n", version)
			}
			if len(rolled) == 0 {
				fmt.Println("Nothing to roll back")
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(ctx context.Context, db *dbHandle) error {
			statuses, err := store.MigrationStatuses(ctx, db.DB, db.cfg.MigrationsDir)
			if err != nil {
				return err
			}
			for _, status := range statuses {
				applied := "pending"
				if status.AppliedAt != nil {
					applied = status.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-40s %s\n", status.Version, applied)
			}
			return nil
		})
	},
}

func withDB(fn func(ctx context.Context, db *dbHandle) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(ctx, &dbHandle{DB: db, cfg: cfg})
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
