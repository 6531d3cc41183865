package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadThresholdsDefaultsWhenPathEmpty(t *testing.T) {
	got, err := LoadThresholds("")
	if err != nil {
		t.Fatalf("LoadThresholds() error = %v", err)
	}
	if got != DefaultThresholds() {
		t.Fatalf("LoadThresholds(\"\") = %+v, want defaults", got)
	}
}

func TestLoadThresholdsOverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	content := "pendingEventsWarning: 20\nstockExpiryDays: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write thresholds file: %v", err)
	}

	got, err := LoadThresholds(path)
	if err != nil {
		t.Fatalf("LoadThresholds() error = %v", err)
	}
	if got.PendingEventsWarning != 20 || got.StockExpiryDays != 3 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.PendingEventsCritical != 200 || got.FailedLoginSpikePerHour != 15 {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestLoadThresholdsRejectsInvertedPendingLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("pendingEventsWarning: 300\n"), 0o600); err != nil {
		t.Fatalf("write thresholds file: %v", err)
	}

	got, err := LoadThresholds(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got != DefaultThresholds() {
		t.Fatalf("invalid file should fall back to defaults, got %+v", got)
	}
}

func TestLoadThresholdsMissingFile(t *testing.T) {
	if _, err := LoadThresholds(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
