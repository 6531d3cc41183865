package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("ERP_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ERP_TEST_DATABASE_URL is not set")
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

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	all, err := discoverMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) != len(all) {
		t.Fatalf("applied %d migrations, want %d", len(applied), len(all))
	}

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil || len(again) != 0 {
		t.Fatalf("second apply should be a no-op, got %v (%v)", again, err)
	}

	reverted, err := RollbackMigrations(ctx, db, migrationsDir, len(all))
	if err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if len(reverted) != len(all) || reverted[0] != all[len(all)-1].Version {
		t.Fatalf("rollback should run newest first, got %v", reverted)
	}

	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
