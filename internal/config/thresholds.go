package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds drive the alert checks run by the monitor.
type Thresholds struct {
	DeviceOfflineHours        int   `yaml:"deviceOfflineHours"`
	PendingEventsWarning      int   `yaml:"pendingEventsWarning"`
	PendingEventsCritical     int   `yaml:"pendingEventsCritical"`
	CashSalesPercentWarning   int   `yaml:"cashSalesPercentWarning"`
	CashSalesMinTotal         int64 `yaml:"cashSalesMinTotal"`
	AccessDeniedSpikePerHour  int   `yaml:"accessDeniedSpikePerHour"`
	FailedLoginSpikePerHour   int   `yaml:"failedLoginSpikePerHour"`
	StockExpiryDays           int   `yaml:"stockExpiryDays"`
	PurchaseOrderCriticalDays int   `yaml:"purchaseOrderCriticalDays"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DeviceOfflineHours:        24,
		PendingEventsWarning:      50,
		PendingEventsCritical:     200,
		CashSalesPercentWarning:   80,
		CashSalesMinTotal:         1_000_000,
		AccessDeniedSpikePerHour:  10,
		FailedLoginSpikePerHour:   15,
		StockExpiryDays:           7,
		PurchaseOrderCriticalDays: 3,
	}
}

// LoadThresholds reads a YAML thresholds file. Keys missing from the file keep
// their default value. An empty path returns the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	thresholds := DefaultThresholds()
	if path == "" {
		return thresholds, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return thresholds, fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &thresholds); err != nil {
		return thresholds, fmt.Errorf("parse thresholds file: %w", err)
	}
	if err := thresholds.Validate(); err != nil {
		return DefaultThresholds(), err
	}
	return thresholds, nil
}

func (t Thresholds) Validate() error {
	if t.PendingEventsWarning <= 0 || t.PendingEventsCritical <= t.PendingEventsWarning {
		return errors.New("pendingEventsCritical must be greater than pendingEventsWarning")
	}
	if t.CashSalesPercentWarning <= 0 || t.CashSalesPercentWarning > 100 {
		return errors.New("cashSalesPercentWarning must be within 1..100")
	}
	if t.DeviceOfflineHours <= 0 || t.StockExpiryDays <= 0 {
		return errors.New("deviceOfflineHours and stockExpiryDays must be positive")
	}
	if t.AccessDeniedSpikePerHour <= 0 || t.FailedLoginSpikePerHour <= 0 {
		return errors.New("spike thresholds must be positive")
	}
	if t.PurchaseOrderCriticalDays <= 0 {
		return errors.New("purchaseOrderCriticalDays must be positive")
	}
	return nil
}
