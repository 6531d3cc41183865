// Package monitoring computes the operational KPIs and runs the alert checks.
package monitoring

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"manchengo/api/internal/cache"
	"manchengo/api/internal/config"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/procurement"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const (
	AlertDeviceOffline     = "DEVICE_OFFLINE"
	AlertPendingSync       = "PENDING_SYNC"
	AlertLowStockMP        = "LOW_STOCK_MP"
	AlertLowStockPF        = "LOW_STOCK_PF"
	AlertStockExpiring     = "STOCK_EXPIRING"
	AlertMissingStampDuty  = "MISSING_STAMP_DUTY"
	AlertHighCashSales     = "HIGH_CASH_SALES"
	AlertAccessDeniedSpike = "ACCESS_DENIED_SPIKE"
	AlertFailedLoginSpike  = "FAILED_LOGIN_SPIKE"
	AlertLatePurchaseOrder = "LATE_PURCHASE_ORDER"
	AlertProductionBlocked = "PRODUCTION_BLOCKED"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"

	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusClosed       = "CLOSED"
	StatusExpired      = "EXPIRED"
)

var (
	alertTypes = []string{
		AlertDeviceOffline, AlertPendingSync, AlertLowStockMP, AlertLowStockPF, AlertStockExpiring,
		AlertMissingStampDuty, AlertHighCashSales, AlertAccessDeniedSpike, AlertFailedLoginSpike,
		AlertLatePurchaseOrder, AlertProductionBlocked,
	}
	severities = []string{SeverityInfo, SeverityWarning, SeverityCritical}
	statuses   = []string{StatusOpen, StatusAcknowledged, StatusClosed, StatusExpired}
)

type Store interface {
	RunInTx(context.Context, func(context.Context) error) error

	DeviceSyncStats(context.Context, time.Time) (store.SyncStats, error)
	OfflineDevices(context.Context, time.Time) ([]store.Device, error)
	DevicesWithPendingEvents(context.Context, int) ([]store.Device, error)

	LowStock(context.Context, string) ([]store.StockLevel, error)
	ExpiringLots(context.Context, time.Time) ([]store.ExpiringLot, error)
	CountZeroStockMP(context.Context) (int, error)

	FiscalStats(context.Context, time.Time, time.Time) (store.FiscalStats, error)
	CashInvoicesWithoutStamp(context.Context, time.Time) ([]store.Invoice, error)
	CountSecurityEvents(context.Context, string, time.Time) (int, error)

	UpsertAlert(context.Context, store.Alert) (store.Alert, bool, error)
	GetAlert(context.Context, int64) (store.Alert, error)
	TransitionAlert(context.Context, int64, []string, string, int64, time.Time) (bool, error)
	InsertAlertHistory(context.Context, store.AlertHistory) error
	ExpireAlerts(context.Context, time.Time) (int64, error)
	ListAlerts(context.Context, store.AlertFilter, pagination.OffsetParams) (pagination.OffsetPage[store.Alert], error)
	AlertCounts(context.Context) (int, int, error)
	AlertHistory(context.Context, int64) ([]store.AlertHistory, error)
}

// LateOrders lists the purchase orders past their expected delivery.
type LateOrders interface {
	LatePurchaseOrders(ctx context.Context) ([]procurement.LateOrder, error)
}

// Outbox redelivers queued emails. It runs with the checks so retries happen
// on the replica that holds the monitoring lease.
type Outbox interface {
	RetryPendingEmails(ctx context.Context) (int, error)
}

type Options struct {
	LateOrders LateOrders
	Outbox     Outbox
	Cache      *cache.Cache
	Thresholds config.Thresholds
	Logger     *zap.Logger
	Location   *time.Location
	Now        func() time.Time
}

type Service struct {
	store      Store
	lateOrders LateOrders
	outbox     Outbox
	cache      *cache.Cache
	thresholds config.Thresholds
	logger     *zap.Logger
	loc        *time.Location
	now        func() time.Time
}

func New(st Store, opts Options) *Service {
	s := &Service{
		store:      st,
		lateOrders: opts.LateOrders,
		outbox:     opts.Outbox,
		cache:      opts.Cache,
		thresholds: opts.Thresholds,
		logger:     opts.Logger,
		loc:        opts.Location,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "monitoring"))
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.thresholds.Validate() != nil {
		s.thresholds = config.DefaultThresholds()
	}
	return s
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
