package procurement

import (
	"context"
	"math"
	"sort"
	"time"

	"manchengo/api/internal/store"
	"manchengo/api/internal/util"
)

const (
	ImpactBloquant = "BLOQUANT"
	ImpactMajeur   = "MAJEUR"
	ImpactMineur   = "MINEUR"
)

type LateOrder struct {
	store.PurchaseOrder
	DaysLate    int    `json:"daysLate"`
	IsCritical  bool   `json:"isCritical"`
	ImpactLevel string `json:"impactLevel"`
}

type DelayStats struct {
	Total          int     `json:"total"`
	Late           int     `json:"late"`
	Critical       int     `json:"critical"`
	LatePercentage float64 `json:"latePercentage"`
}

// ClassifyLate keeps the active orders whose expected delivery is before
// today, most late first.
func ClassifyLate(orders []store.PurchaseOrder, today time.Time, criticalDays int) []LateOrder {
	today = util.StartOfDay(today)
	out := make([]LateOrder, 0)
	for _, po := range orders {
		if !contains(activeStatuses, po.Status) || po.ExpectedDelivery == nil {
			continue
		}
		expected := util.StartOfDay(po.ExpectedDelivery.In(today.Location()))
		if !expected.Before(today) {
			continue
		}
		days := daysBetween(expected, today)
		critical := days >= criticalDays
		out = append(out, LateOrder{
			PurchaseOrder: po,
			DaysLate:      days,
			IsCritical:    critical,
			ImpactLevel:   impactLevel(po, critical),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DaysLate > out[j].DaysLate
	})
	return out
}

func impactLevel(po store.PurchaseOrder, critical bool) string {
	high := false
	for _, item := range po.Items {
		if item.Criticite == "HAUTE" || item.Criticite == "BLOQUANTE" {
			high = true
			break
		}
	}
	switch {
	case critical && high:
		return ImpactBloquant
	case critical || high:
		return ImpactMajeur
	}
	return ImpactMineur
}

// daysBetween counts calendar days, so DST shifts do not lose a day.
func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func (s *Service) today() time.Time {
	return util.StartOfDay(s.now().In(s.loc))
}

func (s *Service) LatePurchaseOrders(ctx context.Context) ([]LateOrder, error) {
	orders, err := s.store.ActivePurchaseOrders(ctx)
	if err != nil {
		return nil, err
	}
	return ClassifyLate(orders, s.today(), s.criticalDays), nil
}

func (s *Service) DelayStats(ctx context.Context) (DelayStats, error) {
	orders, err := s.store.ActivePurchaseOrders(ctx)
	if err != nil {
		return DelayStats{}, err
	}
	return computeDelayStats(orders, ClassifyLate(orders, s.today(), s.criticalDays)), nil
}

func computeDelayStats(active []store.PurchaseOrder, late []LateOrder) DelayStats {
	stats := DelayStats{Total: len(active), Late: len(late)}
	for _, o := range late {
		if o.IsCritical {
			stats.Critical++
		}
	}
	if stats.Total > 0 {
		stats.LatePercentage = math.Round(float64(stats.Late)/float64(stats.Total)*1000) / 10
	}
	return stats
}
