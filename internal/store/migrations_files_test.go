package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRepositoryMigrationsArePaired(t *testing.T) {
	migrations, err := discoverMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("discover migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i, m := range migrations {
		if m.Down == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
		if i > 0 && migrations[i-1].Number >= m.Number {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
	}
}

func writeMigrationFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestDiscoverMigrations(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		versions []string
		wantErr  string
	}{
		{
			name:     "numeric order, not lexical",
			files:    []string{"10_alerts.up.sql", "10_alerts.down.sql", "9_stock.up.sql", "9_stock.down.sql", "README.md"},
			versions: []string{"9_stock.up.sql", "10_alerts.up.sql"},
		},
		{
			name:     "down script optional on discovery",
			files:    []string{"0001_core.up.sql"},
			versions: []string{"0001_core.up.sql"},
		},
		{
			name:    "number reused",
			files:   []string{"0002_catalog.up.sql", "0002_stock.up.sql"},
			wantErr: "used by",
		},
		{
			name:    "down without up",
			files:   []string{"0003_invoicing.down.sql"},
			wantErr: "no up script",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := discoverMigrations(writeMigrationFiles(t, tt.files...))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("discover: %v", err)
			}
			if len(got) != len(tt.versions) {
				t.Fatalf("got %d migrations, want %d", len(got), len(tt.versions))
			}
			for i, m := range got {
				if m.Version != tt.versions[i] {
					t.Fatalf("migration %d = %s, want %s", i, m.Version, tt.versions[i])
				}
			}
		})
	}
}
