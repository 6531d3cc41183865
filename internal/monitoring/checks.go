package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	spikeWindow     = time.Hour
	spikeAlertTTL   = 2 * time.Hour
	offlineAlertTTL = 24 * time.Hour
)

// CheckEmailOutbox is the cycle step that redelivers queued BC emails. It
// raises no alert; its count is the number of emails delivered.
const CheckEmailOutbox = "PO_EMAIL_OUTBOX"

// CheckFunc raises the alerts of one check and returns how many it touched.
type CheckFunc func(ctx context.Context, now time.Time) (int, error)

type Check struct {
	Name string
	Run  CheckFunc
}

// CycleReport summarises one monitoring cycle.
type CycleReport struct {
	Raised  map[string]int `json:"raised"`
	Failed  []string       `json:"failed,omitempty"`
	Expired int64          `json:"expired"`
}

func (s *Service) Checks() []Check {
	checks := []Check{
		{Name: AlertDeviceOffline, Run: s.checkOfflineDevices},
		{Name: AlertPendingSync, Run: s.checkPendingSync},
		{Name: AlertLowStockMP, Run: s.lowStockCheck(store.ProductTypeMP, AlertLowStockMP)},
		{Name: AlertLowStockPF, Run: s.lowStockCheck(store.ProductTypePF, AlertLowStockPF)},
		{Name: AlertStockExpiring, Run: s.checkExpiringLots},
		{Name: AlertMissingStampDuty, Run: s.checkMissingStampDuty},
		{Name: AlertHighCashSales, Run: s.checkHighCashSales},
		{Name: AlertAccessDeniedSpike, Run: s.spikeCheck(store.SecurityAccessDenied, AlertAccessDeniedSpike, s.thresholds.AccessDeniedSpikePerHour)},
		{Name: AlertFailedLoginSpike, Run: s.spikeCheck(store.SecurityLoginFailed, AlertFailedLoginSpike, s.thresholds.FailedLoginSpikePerHour)},
	}
	if s.lateOrders != nil {
		checks = append(checks, Check{Name: AlertLatePurchaseOrder, Run: s.checkLatePurchaseOrders})
	}
	if s.outbox != nil {
		checks = append(checks, Check{Name: CheckEmailOutbox, Run: func(ctx context.Context, _ time.Time) (int, error) {
			return s.outbox.RetryPendingEmails(ctx)
		}})
	}
	return checks
}

// RunChecks runs every check concurrently, then expires stale alerts. A
// failing check is logged and reported without stopping the others.
func (s *Service) RunChecks(ctx context.Context) (CycleReport, error) {
	now := s.now().In(s.loc)
	report := CycleReport{Raised: map[string]int{}}
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range s.Checks() {
		g.Go(func() error {
			n, err := c.Run(ctx, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("alert check failed", zap.String("check", c.Name), zap.Error(err))
				report.Failed = append(report.Failed, c.Name)
				return nil
			}
			report.Raised[c.Name] = n
			return nil
		})
	}
	_ = g.Wait()

	expired, err := s.ExpireAlerts(ctx)
	if err != nil {
		return report, err
	}
	report.Expired = expired
	return report, nil
}

func (s *Service) raise(ctx context.Context, a store.Alert) error {
	alert, created, err := s.store.UpsertAlert(ctx, a)
	if err != nil {
		return fmt.Errorf("raise %s: %w", a.Type, err)
	}
	if created {
		s.logger.Info("alert raised",
			zap.Int64("alert_id", alert.ID),
			zap.String("type", alert.Type),
			zap.String("severity", alert.Severity),
			zap.String("entity_id", alert.EntityID))
	}
	return nil
}

func (s *Service) checkOfflineDevices(ctx context.Context, now time.Time) (int, error) {
	hours := s.thresholds.DeviceOfflineHours
	devices, err := s.store.OfflineDevices(ctx, s.offlineSince(now))
	if err != nil {
		return 0, err
	}
	expires := now.Add(offlineAlertTTL)
	for _, d := range devices {
		a := store.Alert{
			Type:       AlertDeviceOffline,
			Severity:   SeverityWarning,
			Title:      "Appareil hors ligne",
			Message:    fmt.Sprintf("%s n'a pas synchronisé depuis plus de %d heures", deviceLabel(d), hours),
			EntityType: "Device",
			EntityID:   d.DeviceID,
			Threshold:  nullInt(int64(hours)),
			Metadata:   map[string]any{"deviceName": d.Name},
			ExpiresAt:  &expires,
		}
		if d.LastSyncAt != nil {
			a.Value = nullInt(int64(now.Sub(*d.LastSyncAt).Hours()))
			a.Metadata["lastSyncAt"] = d.LastSyncAt
		}
		if err := s.raise(ctx, a); err != nil {
			return 0, err
		}
	}
	return len(devices), nil
}

func (s *Service) checkPendingSync(ctx context.Context, _ time.Time) (int, error) {
	warning, critical := s.thresholds.PendingEventsWarning, s.thresholds.PendingEventsCritical
	devices, err := s.store.DevicesWithPendingEvents(ctx, warning)
	if err != nil {
		return 0, err
	}
	for _, d := range devices {
		severity, threshold := SeverityWarning, warning
		if d.PendingEvents > critical {
			severity, threshold = SeverityCritical, critical
		}
		if err := s.raise(ctx, store.Alert{
			Type:       AlertPendingSync,
			Severity:   severity,
			Title:      "Synchronisation en attente",
			Message:    fmt.Sprintf("%s a %d événements en attente de synchronisation", deviceLabel(d), d.PendingEvents),
			EntityType: "Device",
			EntityID:   d.DeviceID,
			Value:      nullInt(int64(d.PendingEvents)),
			Threshold:  nullInt(int64(threshold)),
		}); err != nil {
			return 0, err
		}
	}
	return len(devices), nil
}

func (s *Service) lowStockCheck(productType, alertType string) CheckFunc {
	entityType := "ProductMP"
	if productType == store.ProductTypePF {
		entityType = "ProductPF"
	}
	return func(ctx context.Context, _ time.Time) (int, error) {
		levels, err := s.store.LowStock(ctx, productType)
		if err != nil {
			return 0, err
		}
		for _, l := range levels {
			severity, title := SeverityWarning, "Stock bas"
			if !l.Quantity.IsPositive() {
				severity, title = SeverityCritical, "Rupture de stock"
			}
			if err := s.raise(ctx, store.Alert{
				Type:       alertType,
				Severity:   severity,
				Title:      title,
				Message:    fmt.Sprintf("%s (%s): stock %s, minimum %s", l.Name, l.Code, l.Quantity.String(), l.MinStock.String()),
				EntityType: entityType,
				EntityID:   strconv.FormatInt(l.ProductID, 10),
				Value:      decimal.NewNullDecimal(l.Quantity),
				Threshold:  decimal.NewNullDecimal(l.MinStock),
				Metadata:   map[string]any{"code": l.Code},
			}); err != nil {
				return 0, err
			}
		}
		return len(levels), nil
	}
}

func (s *Service) checkExpiringLots(ctx context.Context, now time.Time) (int, error) {
	lots, err := s.store.ExpiringLots(ctx, s.expiryHorizon(now))
	if err != nil {
		return 0, err
	}
	today := util.StartOfDay(now)
	for _, lot := range lots {
		days := 0
		if lot.ExpiryDate != nil {
			days = int(util.StartOfDay(lot.ExpiryDate.In(s.loc)).Sub(today).Hours() / 24)
		}
		if err := s.raise(ctx, store.Alert{
			Type:       AlertStockExpiring,
			Severity:   SeverityWarning,
			Title:      "Lot proche de la péremption",
			Message:    fmt.Sprintf("Lot %s de %s expire dans %d jour(s)", lot.LotNumber, lot.ProductName, days),
			EntityType: "Lot",
			EntityID:   strconv.FormatInt(lot.ID, 10),
			Value:      nullInt(int64(days)),
			Threshold:  nullInt(int64(s.thresholds.StockExpiryDays)),
			Metadata: map[string]any{
				"productType":       lot.ProductType,
				"productCode":       lot.ProductCode,
				"quantityRemaining": lot.QuantityRemaining.String(),
			},
		}); err != nil {
			return 0, err
		}
	}
	return len(lots), nil
}

func (s *Service) checkMissingStampDuty(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.store.CashInvoicesWithoutStamp(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	for _, inv := range invoices {
		if err := s.raise(ctx, store.Alert{
			Type:       AlertMissingStampDuty,
			Severity:   SeverityCritical,
			Title:      "Timbre fiscal manquant",
			Message:    fmt.Sprintf("La facture %s payée en espèces n'a pas de timbre fiscal", inv.Reference),
			EntityType: "Invoice",
			EntityID:   strconv.FormatInt(inv.ID, 10),
			Value:      decimal.NewNullDecimal(toDA(inv.TotalTTC)),
			Metadata:   map[string]any{"reference": inv.Reference, "clientName": inv.ClientName},
		}); err != nil {
			return 0, err
		}
	}
	return len(invoices), nil
}

func (s *Service) checkHighCashSales(ctx context.Context, now time.Time) (int, error) {
	dayStart := util.StartOfDay(now)
	stats, err := s.store.FiscalStats(ctx, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	if !highCashSales(stats, s.thresholds.CashSalesPercentWarning, s.thresholds.CashSalesMinTotal) {
		return 0, nil
	}
	share := cashShare(stats)
	expires := dayStart.AddDate(0, 0, 1)
	if err := s.raise(ctx, store.Alert{
		Type:       AlertHighCashSales,
		Severity:   SeverityInfo,
		Title:      "Ventes en espèces élevées",
		Message:    fmt.Sprintf("%.1f%% des ventes du jour sont encaissées en espèces", share),
		EntityType: "Day",
		EntityID:   dayStart.Format("2006-01-02"),
		Value:      decimal.NewNullDecimal(decimal.NewFromFloat(share)),
		Threshold:  nullInt(int64(s.thresholds.CashSalesPercentWarning)),
		Metadata:   map[string]any{"salesTtc": toDA(stats.TotalTTC).String(), "cashTtc": toDA(stats.CashTTC).String()},
		ExpiresAt:  &expires,
	}); err != nil {
		return 0, err
	}
	return 1, nil
}

// highCashSales compares in integers so 80% is reached exactly at 80%.
func highCashSales(stats store.FiscalStats, percent int, minTotal int64) bool {
	if stats.TotalTTC <= minTotal {
		return false
	}
	return stats.CashTTC*100 >= int64(percent)*stats.TotalTTC
}

func (s *Service) spikeCheck(action, alertType string, limit int) CheckFunc {
	return func(ctx context.Context, now time.Time) (int, error) {
		count, err := s.store.CountSecurityEvents(ctx, action, now.Add(-spikeWindow))
		if err != nil {
			return 0, err
		}
		if count <= limit {
			return 0, nil
		}
		expires := now.Add(spikeAlertTTL)
		if err := s.raise(ctx, store.Alert{
			Type:      alertType,
			Severity:  SeverityCritical,
			Title:     spikeTitle(alertType),
			Message:   fmt.Sprintf("%d événements %s sur la dernière heure (seuil %d)", count, action, limit),
			Value:     nullInt(int64(count)),
			Threshold: nullInt(int64(limit)),
			ExpiresAt: &expires,
		}); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

func spikeTitle(alertType string) string {
	if alertType == AlertFailedLoginSpike {
		return "Pic d'échecs de connexion"
	}
	return "Pic d'accès refusés"
}

func (s *Service) checkLatePurchaseOrders(ctx context.Context, _ time.Time) (int, error) {
	late, err := s.lateOrders.LatePurchaseOrders(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range late {
		severity := SeverityWarning
		if o.IsCritical {
			severity = SeverityCritical
		}
		if err := s.raise(ctx, store.Alert{
			Type:       AlertLatePurchaseOrder,
			Severity:   severity,
			Title:      "Bon de commande en retard",
			Message:    fmt.Sprintf("%s (%s) a %d jour(s) de retard", o.Reference, o.SupplierName, o.DaysLate),
			EntityType: "PurchaseOrder",
			EntityID:   strconv.FormatInt(o.ID, 10),
			Value:      nullInt(int64(o.DaysLate)),
			Threshold:  nullInt(int64(s.thresholds.PurchaseOrderCriticalDays)),
			Metadata: map[string]any{
				"reference":   o.Reference,
				"supplier":    o.SupplierName,
				"impactLevel": o.ImpactLevel,
			},
		}); err != nil {
			return 0, err
		}
	}
	return len(late), nil
}

func deviceLabel(d store.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.DeviceID
}

func nullInt(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}
