// Package production runs production orders (OP): planning against the
// active recipe, FIFO consumption of raw material lots on start, the
// finished product lot on completion and stock restoration on cancel.
package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/stock"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

const (
	AuditCreated   = "OP_CREATED"
	AuditStarted   = "OP_STARTED"
	AuditCompleted = "OP_COMPLETED"
	AuditCancelled = "OP_CANCELLED"

	entityProductionOrder = "ProductionOrder"
	referenceType         = "PRODUCTION_ORDER"

	originOut    = "PRODUCTION_OUT"
	originIn     = "PRODUCTION_IN"
	originCancel = "PRODUCTION_CANCEL"

	referenceAttempts = 3
)

var statuses = []string{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}

// Store is the persistence production needs. *store.PostgresStore
// satisfies it.
type Store interface {
	RunInTx(context.Context, func(context.Context) error) error
	RunSerializable(context.Context, func(context.Context) error) error
	NextSequence(context.Context, store.SequenceKind, string) (int, error)
	GetProductPF(context.Context, int64) (store.ProductPF, error)
	GetRecipe(context.Context, int64) (store.Recipe, error)
	GetActiveRecipeByProduct(context.Context, int64) (store.Recipe, error)
	InsertProductionOrder(context.Context, store.ProductionOrder) (store.ProductionOrder, error)
	GetProductionOrder(context.Context, int64) (store.ProductionOrder, error)
	GetProductionOrderForUpdate(context.Context, int64) (store.ProductionOrder, error)
	UpdateProductionOrderStatus(context.Context, store.ProductionOrderUpdate) (bool, error)
	ListProductionOrders(context.Context, store.ProductionOrderFilter, pagination.CursorParams) (pagination.CursorPage[store.ProductionOrder], error)
	InsertConsumption(context.Context, store.ProductionConsumption) error
	ListConsumptions(context.Context, int64) ([]store.ProductionConsumption, error)
	MarkConsumptionReversed(context.Context, int64) error
	AvailableLots(context.Context, string, int64, bool) ([]stock.Lot, error)
	ConsumeFIFO(context.Context, store.ConsumeRequest) (stock.Allocation, bool, error)
	RestoreLot(context.Context, int64, decimal.Decimal) error
	InsertLot(context.Context, store.Lot) (store.Lot, error)
	InsertStockMovement(context.Context, store.StockMovement) (bool, error)
	UpsertAlert(context.Context, store.Alert) (store.Alert, bool, error)
	InsertAudit(context.Context, store.AuditEntry) error
}

type Service struct {
	store  Store
	cache  *cache.Cache
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time
}

func New(st Store, c *cache.Cache, logger *zap.Logger, loc *time.Location) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  st,
		cache:  c,
		logger: logger.With(zap.String("component", "production")),
		loc:    loc,
		now:    time.Now,
	}
}

type CreateInput struct {
	ProductPFID   int64      `json:"productPfId"`
	BatchCount    int        `json:"batchCount"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	Notes         string     `json:"notes"`
}

type CompleteInput struct {
	QuantityProduced decimal.Decimal `json:"quantityProduced"`
}

type CancelInput struct {
	Reason string `json:"reason"`
}

// Detail is an order with its lot consumptions.
type Detail struct {
	store.ProductionOrder
	Consumptions []store.ProductionConsumption `json:"consumptions"`
}

// Create plans an order for batchCount batches of the product's active
// recipe. The stock must already cover every mandatory ingredient.
func (s *Service) Create(ctx context.Context, p rbac.Principal, in CreateInput) (store.ProductionOrder, error) {
	if in.ProductPFID <= 0 {
		return store.ProductionOrder{}, apperr.Validation("productPfId is required", nil)
	}
	if in.BatchCount < 1 {
		return store.ProductionOrder{}, apperr.Validation("batchCount must be at least 1", map[string]any{"batchCount": in.BatchCount})
	}
	if _, err := s.store.GetProductPF(ctx, in.ProductPFID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProductionOrder{}, apperr.NotFound("finished product not found")
		}
		return store.ProductionOrder{}, err
	}
	recipe, err := s.store.GetActiveRecipeByProduct(ctx, in.ProductPFID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProductionOrder{}, apperr.Validation("finished product has no active recipe", map[string]any{"productPfId": in.ProductPFID})
		}
		return store.ProductionOrder{}, err
	}
	if err := validRecipe(recipe); err != nil {
		return store.ProductionOrder{}, err
	}

	check, err := s.checkRecipe(ctx, recipe, in.BatchCount)
	if err != nil {
		return store.ProductionOrder{}, err
	}
	if !check.CanStart {
		return store.ProductionOrder{}, insufficientStock(check.Blockers)
	}

	order := store.ProductionOrder{
		ProductPFID:    in.ProductPFID,
		RecipeID:       recipe.ID,
		BatchCount:     in.BatchCount,
		TargetQuantity: recipe.OutputQuantity.Mul(decimal.NewFromInt(int64(in.BatchCount))),
		Status:         StatusPending,
		ScheduledDate:  in.ScheduledDate,
		Notes:          strings.TrimSpace(in.Notes),
		CreatedBy:      p.UserID,
	}
	var created store.ProductionOrder
	err = store.RetryOnUniqueViolation(referenceAttempts, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			now := s.now().In(s.loc)
			seq, err := s.store.NextSequence(ctx, store.SeqProductionOrder, util.RefPrefix(util.ProductionOrderRef(now, 0)))
			if err != nil {
				return err
			}
			order.Reference = util.ProductionOrderRef(now, seq)
			created, err = s.store.InsertProductionOrder(ctx, order)
			if err != nil {
				return err
			}
			return audit.Record(ctx, s.store, p, AuditCreated, entityProductionOrder, created.ID, nil, summary(created), "")
		})
	})
	if err != nil {
		return store.ProductionOrder{}, err
	}
	s.logger.Info("production order created",
		zap.Int64("production_order_id", created.ID),
		zap.String("reference", created.Reference),
		zap.String("target_quantity", created.TargetQuantity.String()))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Detail, error) {
	order, err := s.store.GetProductionOrder(ctx, id)
	if err != nil {
		return Detail{}, notFound(err)
	}
	consumptions, err := s.store.ListConsumptions(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{ProductionOrder: order, Consumptions: consumptions}, nil
}

func (s *Service) List(ctx context.Context, filter store.ProductionOrderFilter, params pagination.CursorParams) (pagination.CursorPage[store.ProductionOrder], error) {
	if filter.Status != "" {
		filter.Status = strings.ToUpper(filter.Status)
		if !contains(statuses, filter.Status) {
			return pagination.CursorPage[store.ProductionOrder]{}, apperr.Validation("unknown production order status", map[string]any{"status": filter.Status})
		}
	}
	return s.store.ListProductionOrders(ctx, filter, params)
}

func validRecipe(r store.Recipe) error {
	switch {
	case len(r.Items) == 0:
		return apperr.Validation("recipe has no items", map[string]any{"recipeId": r.ID})
	case !r.BatchWeight.IsPositive():
		return apperr.Validation("recipe batch weight must be positive", map[string]any{"recipeId": r.ID})
	case !r.OutputQuantity.IsPositive():
		return apperr.Validation("recipe output quantity must be positive", map[string]any{"recipeId": r.ID})
	}
	return nil
}

func insufficientStock(blockers []Blocker) error {
	return apperr.New(http.StatusBadRequest, "INSUFFICIENT_STOCK", "insufficient raw material stock", map[string]any{"blockers": blockers})
}

func summary(o store.ProductionOrder) map[string]any {
	out := map[string]any{
		"reference":      o.Reference,
		"status":         o.Status,
		"batchCount":     o.BatchCount,
		"targetQuantity": o.TargetQuantity.String(),
	}
	if o.QuantityProduced.Valid {
		out["quantityProduced"] = o.QuantityProduced.Decimal.String()
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("production order not found")
	}
	return fmt.Errorf("load production order: %w", err)
}
