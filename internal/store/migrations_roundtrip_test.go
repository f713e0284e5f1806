package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("ESTIMATOR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ESTIMATOR_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := testMigrationsDir

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}

	statuses, err := MigrationStatuses(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("migration statuses: %v", err)
	}
	for _, status := range statuses {
		if status.AppliedAt == nil {
			t.Fatalf("expected %s to be applied", status.Version)
		}
	}

	rolledBack, err := RollbackMigrations(ctx, db, migrationsDir, 0)
	if err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	if len(rolledBack) != len(statuses) {
		t.Fatalf("expected %d rollbacks, got %v", len(statuses), rolledBack)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
