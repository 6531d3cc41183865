// Package appro computes the procurement view of raw material stock: per
// material risk states, the stock risk index (IRS) and reorder suggestions.
package appro

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	PriorityCritique = "CRITIQUE"
	PriorityElevee   = "ELEVEE"
	PriorityNormale  = "NORMALE"

	AuditThresholdsUpdated = "MP_THRESHOLDS_UPDATED"

	topCritical     = 5
	safetyCoverDays = 7
)

var (
	stockAlertTypes   = []string{"LOW_STOCK_MP", "STOCK_EXPIRING"}
	pendingBCStatuses = []string{"DRAFT", "SENT"}
	priorityRank      = map[string]int{PriorityCritique: 0, PriorityElevee: 1, PriorityNormale: 2}
)

type Store interface {
	MPStockRows(context.Context) ([]store.MPStockRow, error)
	CountActiveAlerts(context.Context, []string) (int, error)
	CountPurchaseOrdersByStatus(context.Context, []string) (int, error)
	GetProductMP(context.Context, int64) (store.ProductMP, error)
	UpdateProductMPThresholds(context.Context, int64, store.ThresholdUpdate) (store.ProductMP, error)
	InsertAudit(context.Context, store.AuditEntry) error
}

type Service struct {
	store  Store
	cache  *cache.Cache
	logger *zap.Logger
	now    func() time.Time
}

func New(st Store, c *cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		cache:  c,
		logger: logger.With(zap.String("component", "appro")),
		now:    time.Now,
	}
}

// MPState is one raw material with its thresholds in force and derived
// risk state.
type MPState struct {
	ID                  int64               `json:"id"`
	Code                string              `json:"code"`
	Name                string              `json:"name"`
	Unit                string              `json:"unit"`
	Category            string              `json:"category"`
	CurrentStock        decimal.Decimal     `json:"currentStock"`
	MinStock            decimal.Decimal     `json:"minStock"`
	SeuilSecurite       decimal.Decimal     `json:"seuilSecurite"`
	SeuilCommande       decimal.Decimal     `json:"seuilCommande"`
	LeadTimeDays        int                 `json:"leadTimeDays"`
	ConsommationMoyJour decimal.NullDecimal `json:"consommationMoyJour"`
	JoursCouverture     decimal.NullDecimal `json:"joursCouverture"`
	CriticiteParam      string              `json:"criticiteParam"`
	CriticiteEffective  string              `json:"criticiteEffective"`
	State               StockState          `json:"state"`
	MainSupplierID      *int64              `json:"mainSupplierId,omitempty"`
	MainSupplierName    string              `json:"mainSupplierName,omitempty"`
	UsedInRecipes       int                 `json:"usedInRecipes"`
	OpenPurchaseOrder   bool                `json:"openPurchaseOrder"`

	commandeParam decimal.NullDecimal
}

type Dashboard struct {
	IRS                   IRS         `json:"irs"`
	MPCritiquesProduction []MPState   `json:"mpCritiquesProduction"`
	StockStats            StateCounts `json:"stockStats"`
	AlertesActives        int         `json:"alertesActives"`
	BCEnAttente           int         `json:"bcEnAttente"`
	GeneratedAt           time.Time   `json:"generatedAt"`
}

type Suggestion struct {
	ProductMPID         int64               `json:"productMpId"`
	Code                string              `json:"code"`
	Name                string              `json:"name"`
	Unit                string              `json:"unit"`
	CurrentStock        decimal.Decimal     `json:"currentStock"`
	SeuilCommande       decimal.Decimal     `json:"seuilCommande"`
	QuantiteRecommandee decimal.Decimal     `json:"quantiteRecommandee"`
	Priority            string              `json:"priority"`
	State               StockState          `json:"state"`
	SupplierID          *int64              `json:"fournisseurSuggereId,omitempty"`
	SupplierName        string              `json:"fournisseurSuggere,omitempty"`
	Justification       string              `json:"justification"`
	JoursCouverture     decimal.NullDecimal `json:"joursCouvertureActuels"`
	OpenPurchaseOrder   bool                `json:"bcEnCours"`
}

type ThresholdsInput struct {
	SeuilSecurite       decimal.NullDecimal `json:"seuilSecurite"`
	SeuilCommande       decimal.NullDecimal `json:"seuilCommande"`
	LeadTimeDays        *int                `json:"leadTimeDays,omitempty"`
	Criticite           string              `json:"criticite"`
	ConsommationMoyJour decimal.NullDecimal `json:"consommationMoyJour"`
}

// StockStates returns every active raw material with its risk state.
func (s *Service) StockStates(ctx context.Context) ([]MPState, error) {
	rows, err := s.store.MPStockRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MPState, 0, len(rows))
	for _, row := range rows {
		out = append(out, toState(row))
	}
	return out, nil
}

// CriticalMP lists the materials that block or threaten production.
func (s *Service) CriticalMP(ctx context.Context) ([]MPState, error) {
	states, err := s.StockStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MPState, 0)
	for _, mp := range states {
		switch {
		case mp.State == StateBloquantProduction, mp.State == StateRupture, mp.State == StateACommander:
			out = append(out, mp)
		case mp.CriticiteEffective == CriticiteBloquante:
			out = append(out, mp)
		}
	}
	sortCritical(out)
	return out, nil
}

// Dashboard is cached for cache.DashboardTTL; stock changing operations
// drop it.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	dash, hit, err := cache.GetOrSet(ctx, s.cache, cache.KeyApproDashboard, cache.DashboardTTL, s.computeDashboard)
	if err != nil {
		return Dashboard{}, err
	}
	if hit {
		s.logger.Debug("appro dashboard served from cache")
	}
	return dash, nil
}

func (s *Service) computeDashboard(ctx context.Context) (Dashboard, error) {
	states, err := s.StockStates(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	var counts StateCounts
	critical := make([]MPState, 0)
	for _, mp := range states {
		counts.add(mp.State)
		if isProductionCritical(mp) {
			critical = append(critical, mp)
		}
	}
	sortCritical(critical)
	if len(critical) > topCritical {
		critical = critical[:topCritical]
	}

	alerts, err := s.store.CountActiveAlerts(ctx, stockAlertTypes)
	if err != nil {
		return Dashboard{}, err
	}
	pending, err := s.store.CountPurchaseOrdersByStatus(ctx, pendingBCStatuses)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		IRS:                   ComputeIRS(counts),
		MPCritiquesProduction: critical,
		StockStats:            counts,
		AlertesActives:        alerts,
		BCEnAttente:           pending,
		GeneratedAt:           s.now().UTC(),
	}, nil
}

// SuggestedRequisitions proposes a reorder for every material not SAIN,
// most urgent first.
func (s *Service) SuggestedRequisitions(ctx context.Context) ([]Suggestion, error) {
	out, _, err := cache.GetOrSet(ctx, s.cache, cache.KeyApproSuggestions, cache.DashboardTTL, func(ctx context.Context) ([]Suggestion, error) {
		states, err := s.StockStates(ctx)
		if err != nil {
			return nil, err
		}
		return Suggest(states), nil
	})
	return out, err
}

// Suggest builds the reorder suggestions from computed states.
func Suggest(states []MPState) []Suggestion {
	out := make([]Suggestion, 0)
	for _, mp := range states {
		if mp.State == StateSain {
			continue
		}
		out = append(out, Suggestion{
			ProductMPID:         mp.ID,
			Code:                mp.Code,
			Name:                mp.Name,
			Unit:                mp.Unit,
			CurrentStock:        mp.CurrentStock,
			SeuilCommande:       mp.SeuilCommande,
			QuantiteRecommandee: recommendedQuantity(mp),
			Priority:            suggestionPriority(mp),
			State:               mp.State,
			SupplierID:          mp.MainSupplierID,
			SupplierName:        mp.MainSupplierName,
			Justification:       justification(mp),
			JoursCouverture:     mp.JoursCouverture,
			OpenPurchaseOrder:   mp.OpenPurchaseOrder,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank[out[i].Priority] < priorityRank[out[j].Priority]
	})
	return out
}

// UpdateMPThresholds changes the procurement parameters of a material.
// seuilCommande must stay above seuilSecurite once both are known.
func (s *Service) UpdateMPThresholds(ctx context.Context, p rbac.Principal, id int64, in ThresholdsInput) (store.ProductMP, error) {
	current, err := s.store.GetProductMP(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProductMP{}, apperr.NotFound("raw material not found")
		}
		return store.ProductMP{}, err
	}

	criticite := strings.ToUpper(strings.TrimSpace(in.Criticite))
	if _, known := criticiteRank[criticite]; criticite != "" && !known {
		return store.ProductMP{}, apperr.Validation("unknown criticite", map[string]any{"criticite": in.Criticite})
	}
	if in.LeadTimeDays != nil && *in.LeadTimeDays < 0 {
		return store.ProductMP{}, apperr.Validation("leadTimeDays cannot be negative", nil)
	}
	for field, v := range map[string]decimal.NullDecimal{
		"seuilSecurite":       in.SeuilSecurite,
		"seuilCommande":       in.SeuilCommande,
		"consommationMoyJour": in.ConsommationMoyJour,
	} {
		if v.Valid && v.Decimal.IsNegative() {
			return store.ProductMP{}, apperr.Validation(field+" cannot be negative", nil)
		}
	}

	securite := current.MinStock
	if current.SeuilSecurite.Valid {
		securite = current.SeuilSecurite.Decimal
	}
	if in.SeuilSecurite.Valid {
		securite = in.SeuilSecurite.Decimal
	}
	commande := current.SeuilCommande
	if in.SeuilCommande.Valid {
		commande = in.SeuilCommande
	}
	if commande.Valid && commande.Decimal.LessThanOrEqual(securite) {
		return store.ProductMP{}, apperr.Validation(
			fmt.Sprintf("seuilCommande (%s) must be greater than seuilSecurite (%s)", commande.Decimal, securite),
			map[string]any{"seuilCommande": commande.Decimal.String(), "seuilSecurite": securite.String()})
	}

	updated, err := s.store.UpdateProductMPThresholds(ctx, id, store.ThresholdUpdate{
		SeuilSecurite:       in.SeuilSecurite,
		SeuilCommande:       in.SeuilCommande,
		LeadTimeDays:        in.LeadTimeDays,
		Criticite:           criticite,
		ConsommationMoyJour: in.ConsommationMoyJour,
	})
	if err != nil {
		return store.ProductMP{}, err
	}
	if err := audit.Record(ctx, s.store, p, AuditThresholdsUpdated, "ProductMp", id, thresholdSnapshot(current), thresholdSnapshot(updated), ""); err != nil {
		return store.ProductMP{}, err
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)
	s.logger.Info("raw material thresholds updated", zap.Int64("product_mp_id", id), zap.Int64("user_id", p.UserID))
	return updated, nil
}

func toState(row store.MPStockRow) MPState {
	p := row.Product
	criticite := EffectiveCriticite(p.Criticite, row.ActiveRecipes)
	securite, commande := Thresholds(p.MinStock, p.SeuilSecurite, p.SeuilCommande)
	mp := MPState{
		ID:                  p.ID,
		Code:                p.Code,
		Name:                p.Name,
		Unit:                p.Unit,
		Category:            p.Category,
		CurrentStock:        row.Stock,
		MinStock:            p.MinStock,
		SeuilSecurite:       securite,
		SeuilCommande:       commande,
		LeadTimeDays:        p.LeadTimeDays,
		ConsommationMoyJour: p.ConsommationMoyJour,
		CriticiteParam:      p.Criticite,
		CriticiteEffective:  criticite,
		State:               ComputeState(row.Stock, p.MinStock, p.SeuilSecurite, p.SeuilCommande, criticite, row.ActiveRecipes > 0),
		MainSupplierID:      p.MainSupplierID,
		MainSupplierName:    row.MainSupplierName,
		UsedInRecipes:       row.ActiveRecipes,
		OpenPurchaseOrder:   row.OpenPurchaseOrder,
		commandeParam:       p.SeuilCommande,
	}
	if p.ConsommationMoyJour.Valid && p.ConsommationMoyJour.Decimal.IsPositive() {
		mp.JoursCouverture = decimal.NewNullDecimal(row.Stock.Div(p.ConsommationMoyJour.Decimal).Round(1))
	}
	return mp
}

func isProductionCritical(mp MPState) bool {
	switch {
	case mp.State == StateBloquantProduction:
		return true
	case mp.State == StateRupture && mp.UsedInRecipes > 0:
		return true
	case mp.CriticiteEffective == CriticiteBloquante && mp.State != StateSain:
		return true
	}
	return false
}

// sortCritical puts blocking materials first, then the shortest coverage.
func sortCritical(list []MPState) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		aBlocks, bBlocks := a.State == StateBloquantProduction, b.State == StateBloquantProduction
		if aBlocks != bBlocks {
			return aBlocks
		}
		return coverage(a).LessThan(coverage(b))
	})
}

func coverage(mp MPState) decimal.Decimal {
	if mp.JoursCouverture.Valid {
		return mp.JoursCouverture.Decimal
	}
	return decimal.Zero
}

func recommendedQuantity(mp MPState) decimal.Decimal {
	var qty decimal.Decimal
	switch {
	case mp.commandeParam.Valid && mp.commandeParam.Decimal.IsPositive():
		qty = mp.commandeParam.Decimal.Sub(mp.CurrentStock)
	case mp.ConsommationMoyJour.Valid && mp.ConsommationMoyJour.Decimal.IsPositive():
		days := decimal.NewFromInt(int64(mp.LeadTimeDays + safetyCoverDays))
		qty = mp.ConsommationMoyJour.Decimal.Mul(days).Ceil().Sub(mp.CurrentStock)
	default:
		qty = mp.MinStock.Mul(decimal.NewFromInt(2)).Sub(mp.CurrentStock)
	}
	return decimal.Max(qty, decimal.Zero)
}

func coverBelowLeadTime(mp MPState) bool {
	return mp.JoursCouverture.Valid && mp.JoursCouverture.Decimal.LessThan(decimal.NewFromInt(int64(mp.LeadTimeDays)))
}

func suggestionPriority(mp MPState) string {
	switch {
	case mp.State == StateBloquantProduction, mp.State == StateRupture, mp.CriticiteEffective == CriticiteBloquante:
		return PriorityCritique
	case coverBelowLeadTime(mp):
		return PriorityCritique
	case mp.State == StateACommander, mp.CriticiteEffective == CriticiteHaute:
		return PriorityElevee
	}
	return PriorityNormale
}

func justification(mp MPState) string {
	var reasons []string
	switch mp.State {
	case StateBloquantProduction:
		reasons = append(reasons, "Bloque la production")
	case StateRupture:
		reasons = append(reasons, "Rupture de stock")
	case StateACommander:
		reasons = append(reasons, "Stock sous seuil de commande")
	}
	if coverBelowLeadTime(mp) {
		reasons = append(reasons, fmt.Sprintf("Couverture %sj < délai fournisseur %dj", mp.JoursCouverture.Decimal.Round(0), mp.LeadTimeDays))
	}
	if mp.UsedInRecipes > 0 {
		reasons = append(reasons, fmt.Sprintf("Utilisé dans %d recette(s) active(s)", mp.UsedInRecipes))
	}
	if len(reasons) == 0 {
		return "Réapprovisionnement recommandé"
	}
	return strings.Join(reasons, " | ")
}

func thresholdSnapshot(p store.ProductMP) map[string]any {
	return map[string]any{
		"seuilSecurite":       p.SeuilSecurite,
		"seuilCommande":       p.SeuilCommande,
		"leadTimeDays":        p.LeadTimeDays,
		"criticite":           p.Criticite,
		"consommationMoyJour": p.ConsommationMoyJour,
	}
}
