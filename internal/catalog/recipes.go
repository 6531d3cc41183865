package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"manchengo/api/internal/audit"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var maxLossTolerance = decimal.NewFromInt(100)

type RecipeItemInput struct {
	ProductMPID  int64           `json:"productMpId"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
	IsMandatory  *bool           `json:"isMandatory,omitempty"`
	AffectsStock *bool           `json:"affectsStock,omitempty"`
}

type RecipeInput struct {
	ProductPFID    int64               `json:"productPfId"`
	Name           string              `json:"name"`
	BatchWeight    decimal.Decimal     `json:"batchWeight"`
	OutputQuantity decimal.Decimal     `json:"outputQuantity"`
	LossTolerance  decimal.NullDecimal `json:"lossTolerance"`
	ShelfLifeDays  *int                `json:"shelfLifeDays,omitempty"`
	Items          []RecipeItemInput   `json:"items"`
}

// CreateRecipe stores a new active recipe for a finished product. The
// previous active recipe of that product is retired in the same
// transaction.
func (s *Service) CreateRecipe(ctx context.Context, p rbac.Principal, in RecipeInput) (store.Recipe, error) {
	recipe := store.Recipe{
		ProductPFID:    in.ProductPFID,
		Name:           strings.TrimSpace(in.Name),
		BatchWeight:    in.BatchWeight,
		OutputQuantity: in.OutputQuantity,
		LossTolerance:  decimal.NewFromInt(2),
		ShelfLifeDays:  90,
		IsActive:       true,
	}
	if in.LossTolerance.Valid {
		recipe.LossTolerance = in.LossTolerance.Decimal
	}
	if in.ShelfLifeDays != nil {
		recipe.ShelfLifeDays = *in.ShelfLifeDays
	}

	f := fields{}
	if recipe.Name == "" {
		f["name"] = "required"
	}
	if !recipe.BatchWeight.IsPositive() {
		f["batchWeight"] = "must be positive"
	}
	if !recipe.OutputQuantity.IsPositive() {
		f["outputQuantity"] = "must be positive"
	}
	if recipe.LossTolerance.IsNegative() || recipe.LossTolerance.GreaterThan(maxLossTolerance) {
		f["lossTolerance"] = "must be between 0 and 100"
	}
	if recipe.ShelfLifeDays < 0 {
		f["shelfLifeDays"] = "cannot be negative"
	}
	if len(in.Items) == 0 {
		f["items"] = "a recipe needs at least one ingredient"
	}
	seen := map[int64]bool{}
	for i, item := range in.Items {
		key := fmt.Sprintf("items[%d]", i)
		switch {
		case item.ProductMPID <= 0:
			f[key] = "productMpId is required"
		case seen[item.ProductMPID]:
			f[key] = "raw material listed twice"
		case !item.Quantity.IsPositive():
			f[key] = "quantity must be positive"
		}
		seen[item.ProductMPID] = true
	}
	if err := f.err("invalid recipe"); err != nil {
		return store.Recipe{}, err
	}

	ids := make([]int64, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.ProductMPID)
	}
	products, err := s.store.GetProductsMP(ctx, ids)
	if err != nil {
		return store.Recipe{}, err
	}
	for i, item := range in.Items {
		mp, ok := products[item.ProductMPID]
		if !ok || !mp.IsActive {
			f[fmt.Sprintf("items[%d]", i)] = "unknown or inactive raw material"
			continue
		}
		unit := strings.ToUpper(strings.TrimSpace(item.Unit))
		if unit == "" {
			unit = mp.Unit
		}
		recipe.Items = append(recipe.Items, store.RecipeItem{
			ProductMPID:  mp.ID,
			Quantity:     item.Quantity,
			Unit:         unit,
			IsMandatory:  boolOr(item.IsMandatory, true),
			AffectsStock: boolOr(item.AffectsStock, true),
		})
	}
	if err := f.err("invalid recipe"); err != nil {
		return store.Recipe{}, err
	}

	pf, err := s.store.GetProductPF(ctx, in.ProductPFID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !pf.IsActive) {
		return store.Recipe{}, fields{"productPfId": "unknown or inactive finished product"}.err("invalid recipe")
	}
	if err != nil {
		return store.Recipe{}, err
	}

	var created store.Recipe
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateRecipe(ctx, recipe)
		if err != nil {
			return err
		}
		return audit.Record(ctx, s.store, p, "RECIPE_CREATED", entityRecipe, created.ID, nil, map[string]any{
			"productPfId": created.ProductPFID,
			"name":        created.Name,
			"items":       len(created.Items),
		}, "")
	})
	if err != nil {
		return store.Recipe{}, err
	}
	// Active recipes raise the criticality of their ingredients.
	invalidateStock(ctx, s.cache)
	s.logger.Info("recipe created",
		zap.Int64("recipe_id", created.ID),
		zap.String("product_pf", pf.Code),
		zap.Int("items", len(created.Items)))
	return created, nil
}

func (s *Service) GetRecipe(ctx context.Context, id int64) (store.Recipe, error) {
	r, err := s.store.GetRecipe(ctx, id)
	return r, notFound(err, entityRecipe)
}

func (s *Service) ListRecipes(ctx context.Context, filter store.CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[store.Recipe], error) {
	return s.store.ListRecipes(ctx, filter, params)
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
