package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readMigration(t *testing.T, name string) string {
	t.Helper()
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", name))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	return string(sqlBytes)
}

func TestMonitoringMigrationDeduplicatesActiveAlerts(t *testing.T) {
	sqlText := readMigration(t, "0007_monitoring.up.sql")

	expectedSnippets := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_key",
		"COALESCE(entity_type, '')",
		"WHERE status IN ('OPEN', 'ACKNOWLEDGED')",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestStockMigrationKeepsMovementsIdempotent(t *testing.T) {
	sqlText := readMigration(t, "0004_stock.up.sql")

	if !strings.Contains(sqlText, "idempotency_key TEXT UNIQUE") {
		t.Fatal("expected stock_movements.idempotency_key to be unique")
	}
	if !strings.Contains(sqlText, "quantity_remaining NUMERIC(14,3) NOT NULL CHECK (quantity_remaining >= 0)") {
		t.Fatal("expected lots.quantity_remaining to reject negative stock")
	}
	if strings.Contains(sqlText, "current_stock") {
		t.Fatal("stock levels must be derived from movements, not stored")
	}
}

func TestProcurementMigrationCarriesVersionAndLock(t *testing.T) {
	sqlText := readMigration(t, "0003_procurement.up.sql")

	for _, snippet := range []string{"version INTEGER NOT NULL DEFAULT 1", "locked_by_id", "lock_expires_at"} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected purchase_orders to contain %q", snippet)
		}
	}
}
