package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// migrationLockKey serialises migrations across replicas starting together.
const migrationLockKey int64 = 0x4d414e4348

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

type migration struct {
	Version string // file name of the up script, recorded in schema_migrations
	Number  int
	Up      string
	Down    string
}

// discoverMigrations pairs NNNN_name.up.sql with NNNN_name.down.sql, ordered
// by number. A number used twice is an error.
func discoverMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byNumber := map[int]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		var number int
		if _, err := fmt.Sscanf(match[1], "%d", &number); err != nil {
			return nil, fmt.Errorf("migration %s: bad number", entry.Name())
		}
		base := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".up.sql"), ".down.sql")
		m := byNumber[number]
		if m == nil {
			m = &migration{Number: number, Version: base + ".up.sql"}
			byNumber[number] = m
		} else if m.Version != base+".up.sql" {
			return nil, fmt.Errorf("migration number %d used by %s and %s", number, m.Version, base+".up.sql")
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			m.Up = path
		} else {
			m.Down = path
		}
	}

	out := make([]migration, 0, len(byNumber))
	for _, m := range byNumber {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ApplyMigrations runs every pending up script, each in its own transaction,
// and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	var applied []string
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range migrations {
			done, err := isMigrated(ctx, conn, m.Version)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := runScript(ctx, conn, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
				return err
			}
			applied = append(applied, m.Version)
		}
		return nil
	})
	return applied, err
}

// RollbackMigrations runs the down scripts of the last steps applied
// migrations, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	var rolledBack []string
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for i := len(migrations) - 1; i >= 0 && len(rolledBack) < steps; i-- {
			m := migrations[i]
			done, err := isMigrated(ctx, conn, m.Version)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			if m.Down == "" {
				return fmt.Errorf("migration %s has no down script", m.Version)
			}
			if err := runScript(ctx, conn, m.Down, `DELETE FROM schema_migrations WHERE version=$1`, m.Version); err != nil {
				return err
			}
			rolledBack = append(rolledBack, m.Version)
		}
		return nil
	})
	return rolledBack, err
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()
	return fn(conn)
}

func runScript(ctx context.Context, conn *sql.Conn, path, bookkeeping, version string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if script := strings.TrimSpace(string(contents)); script != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, version string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
