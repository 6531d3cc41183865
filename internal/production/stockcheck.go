package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/stock"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const alertProductionBlocked = "PRODUCTION_BLOCKED"

type Blocker struct {
	ProductMPID int64           `json:"productMpId"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Required    decimal.Decimal `json:"required"`
	Available   decimal.Decimal `json:"available"`
	Shortage    decimal.Decimal `json:"shortage"`
}

type StockCheck struct {
	RecipeID   int64     `json:"recipeId"`
	BatchCount int       `json:"batchCount"`
	CanStart   bool      `json:"canStart"`
	Blockers   []Blocker `json:"blockers"`
}

// CheckStock reports whether batchCount batches of a recipe can start with
// the current lots.
func (s *Service) CheckStock(ctx context.Context, recipeID int64, batchCount int) (StockCheck, error) {
	if batchCount < 1 {
		return StockCheck{}, apperr.Validation("batchCount must be at least 1", map[string]any{"batchCount": batchCount})
	}
	recipe, err := s.store.GetRecipe(ctx, recipeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StockCheck{}, apperr.NotFound("recipe not found")
		}
		return StockCheck{}, err
	}
	return s.checkRecipe(ctx, recipe, batchCount)
}

// PreviewConsumption shows which lots a consumption of qty would draw from,
// without locking or changing anything.
func (s *Service) PreviewConsumption(ctx context.Context, productMPID int64, qty decimal.Decimal) (stock.Allocation, error) {
	if productMPID <= 0 {
		return stock.Allocation{}, apperr.Validation("productMpId is required", nil)
	}
	if !qty.IsPositive() {
		return stock.Allocation{}, apperr.Validation("quantity must be positive", map[string]any{"quantity": qty.String()})
	}
	lots, err := s.store.AvailableLots(ctx, store.ProductTypeMP, productMPID, false)
	if err != nil {
		return stock.Allocation{}, err
	}
	return stock.PreviewFIFO(lots, qty), nil
}

// checkRecipe previews every mandatory stock-affecting item. A blocked
// result refreshes the PRODUCTION_BLOCKED alert of the recipe.
func (s *Service) checkRecipe(ctx context.Context, recipe store.Recipe, batchCount int) (StockCheck, error) {
	blockers, err := s.shortages(ctx, recipe, batchCount, false)
	if err != nil {
		return StockCheck{}, err
	}
	check := StockCheck{RecipeID: recipe.ID, BatchCount: batchCount, CanStart: len(blockers) == 0, Blockers: blockers}
	if check.CanStart {
		return check, nil
	}
	if err := s.raiseBlocked(ctx, recipe, blockers); err != nil {
		s.logger.Warn("production blocked alert not recorded",
			zap.Int64("recipe_id", recipe.ID), zap.Error(err))
	}
	return check, nil
}

func (s *Service) shortages(ctx context.Context, recipe store.Recipe, batchCount int, lock bool) ([]Blocker, error) {
	blockers := make([]Blocker, 0)
	for _, item := range consumedItems(recipe) {
		required := item.Quantity.Mul(decimal.NewFromInt(int64(batchCount)))
		lots, err := s.store.AvailableLots(ctx, store.ProductTypeMP, item.ProductMPID, lock)
		if err != nil {
			return nil, err
		}
		preview := stock.PreviewFIFO(lots, required)
		if preview.Sufficient {
			continue
		}
		blockers = append(blockers, Blocker{
			ProductMPID: item.ProductMPID,
			Code:        item.ProductMPCode,
			Name:        item.ProductMPName,
			Required:    required,
			Available:   preview.Available,
			Shortage:    preview.Shortage,
		})
	}
	return blockers, nil
}

func (s *Service) raiseBlocked(ctx context.Context, recipe store.Recipe, blockers []Blocker) error {
	names := make([]string, 0, len(blockers))
	details := make([]map[string]any, 0, len(blockers))
	for _, b := range blockers {
		names = append(names, b.Name)
		details = append(details, map[string]any{
			"productMpId": b.ProductMPID,
			"name":        b.Name,
			"required":    b.Required.String(),
			"available":   b.Available.String(),
			"shortage":    b.Shortage.String(),
		})
	}
	_, created, err := s.store.UpsertAlert(ctx, store.Alert{
		Type:       alertProductionBlocked,
		Severity:   "CRITICAL",
		Title:      fmt.Sprintf("Production bloquée: %s", recipe.ProductPFName),
		Message:    fmt.Sprintf("Stock insuffisant pour %s: %s", recipe.Name, strings.Join(names, ", ")),
		EntityType: "Recipe",
		EntityID:   strconv.FormatInt(recipe.ID, 10),
		Value:      decimal.NewNullDecimal(decimal.NewFromInt(int64(len(blockers)))),
		Metadata:   map[string]any{"blockers": details, "productPfId": recipe.ProductPFID},
	})
	if err != nil {
		return err
	}
	if created {
		s.logger.Warn("production blocked",
			zap.Int64("recipe_id", recipe.ID),
			zap.Strings("missing", names))
	}
	return nil
}

// consumedItems are the recipe lines drawn from stock when an order starts.
func consumedItems(recipe store.Recipe) []store.RecipeItem {
	out := make([]store.RecipeItem, 0, len(recipe.Items))
	for _, item := range recipe.Items {
		if item.IsMandatory && item.AffectsStock {
			out = append(out, item)
		}
	}
	return out
}
