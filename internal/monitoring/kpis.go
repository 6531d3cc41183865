package monitoring

import (
	"context"
	"math"
	"time"

	"manchengo/api/internal/cache"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type StockKPIs struct {
	LowStockMP   int `json:"lowStockMp"`
	LowStockPF   int `json:"lowStockPf"`
	ZeroStockMP  int `json:"zeroStockMp"`
	ExpiringLots int `json:"expiringLots"`
}

// FiscalKPIs covers today's invoices. Amounts are in DA.
type FiscalKPIs struct {
	InvoiceCount       int             `json:"invoiceCount"`
	SalesTTC           decimal.Decimal `json:"salesTtc"`
	TVA                decimal.Decimal `json:"tva"`
	TimbreFiscal       decimal.Decimal `json:"timbreFiscal"`
	CashSharePercent   float64         `json:"cashSharePercent"`
	MissingStampDuties int             `json:"missingStampDuties"`
}

type SecurityKPIs struct {
	FailedLoginsLastHour int `json:"failedLoginsLastHour"`
	FailedLoginsLastDay  int `json:"failedLoginsLastDay"`
	AccessDeniedLastHour int `json:"accessDeniedLastHour"`
	AccessDeniedLastDay  int `json:"accessDeniedLastDay"`
}

type KPIs struct {
	Sync        store.SyncStats `json:"sync"`
	Stock       StockKPIs       `json:"stock"`
	Fiscal      FiscalKPIs      `json:"fiscal"`
	Security    SecurityKPIs    `json:"security"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// KPIs returns the dashboard figures, served from the cache for up to five
// minutes.
func (s *Service) KPIs(ctx context.Context) (KPIs, error) {
	kpis, _, err := cache.GetOrSet(ctx, s.cache, cache.KeyMonitoringKPIs, cache.KPITTL, s.computeKPIs)
	return kpis, err
}

func (s *Service) computeKPIs(ctx context.Context) (KPIs, error) {
	now := s.now().In(s.loc)
	dayStart := util.StartOfDay(now)
	out := KPIs{GeneratedAt: now}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := s.store.DeviceSyncStats(ctx, s.offlineSince(now))
		out.Sync = stats
		return err
	})
	g.Go(func() error {
		levels, err := s.store.LowStock(ctx, store.ProductTypeMP)
		out.Stock.LowStockMP = len(levels)
		return err
	})
	g.Go(func() error {
		levels, err := s.store.LowStock(ctx, store.ProductTypePF)
		out.Stock.LowStockPF = len(levels)
		return err
	})
	g.Go(func() error {
		n, err := s.store.CountZeroStockMP(ctx)
		out.Stock.ZeroStockMP = n
		return err
	})
	g.Go(func() error {
		lots, err := s.store.ExpiringLots(ctx, s.expiryHorizon(now))
		out.Stock.ExpiringLots = len(lots)
		return err
	})
	g.Go(func() error {
		stats, err := s.store.FiscalStats(ctx, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		out.Fiscal.InvoiceCount = stats.InvoiceCount
		out.Fiscal.SalesTTC = toDA(stats.TotalTTC)
		out.Fiscal.TVA = toDA(stats.TotalTVA)
		out.Fiscal.TimbreFiscal = toDA(stats.TotalTimbre)
		out.Fiscal.CashSharePercent = cashShare(stats)
		return nil
	})
	g.Go(func() error {
		missing, err := s.store.CashInvoicesWithoutStamp(ctx, now.Add(-24*time.Hour))
		out.Fiscal.MissingStampDuties = len(missing)
		return err
	})
	counters := []struct {
		action string
		since  time.Time
		dst    *int
	}{
		{store.SecurityLoginFailed, now.Add(-time.Hour), &out.Security.FailedLoginsLastHour},
		{store.SecurityLoginFailed, now.Add(-24 * time.Hour), &out.Security.FailedLoginsLastDay},
		{store.SecurityAccessDenied, now.Add(-time.Hour), &out.Security.AccessDeniedLastHour},
		{store.SecurityAccessDenied, now.Add(-24 * time.Hour), &out.Security.AccessDeniedLastDay},
	}
	for _, c := range counters {
		g.Go(func() error {
			n, err := s.store.CountSecurityEvents(ctx, c.action, c.since)
			*c.dst = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return KPIs{}, err
	}
	return out, nil
}

func (s *Service) offlineSince(now time.Time) time.Time {
	return now.Add(-time.Duration(s.thresholds.DeviceOfflineHours) * time.Hour)
}

func (s *Service) expiryHorizon(now time.Time) time.Time {
	return now.AddDate(0, 0, s.thresholds.StockExpiryDays)
}

func toDA(centimes int64) decimal.Decimal {
	return decimal.New(centimes, -2)
}

// cashShare is the cash part of today's TTC in percent, one decimal.
func cashShare(stats store.FiscalStats) float64 {
	if stats.TotalTTC <= 0 {
		return 0
	}
	return math.Round(float64(stats.CashTTC)/float64(stats.TotalTTC)*1000) / 10
}
