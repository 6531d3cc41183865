package production

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/stock"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

type CompleteResult struct {
	Order        store.ProductionOrder `json:"order"`
	Lot          store.Lot             `json:"lot"`
	YieldWarning string                `json:"yieldWarning,omitempty"`
}

// Start consumes the raw materials of a PENDING order, oldest lots first.
// The whole consumption runs in one serializable transaction; any shortage
// rolls it back.
func (s *Service) Start(ctx context.Context, p rbac.Principal, id int64) (Detail, error) {
	var consumed int
	err := s.store.RunSerializable(ctx, func(ctx context.Context) error {
		consumed = 0
		order, err := s.store.GetProductionOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if order.Status != StatusPending {
			return apperr.InvalidStatus("production order", order.Status, "started")
		}
		recipe, err := s.store.GetRecipe(ctx, order.RecipeID)
		if err != nil {
			return fmt.Errorf("load recipe %d: %w", order.RecipeID, err)
		}
		blockers, err := s.shortages(ctx, recipe, order.BatchCount, true)
		if err != nil {
			return err
		}
		if len(blockers) > 0 {
			return insufficientStock(blockers)
		}

		for _, item := range consumedItems(recipe) {
			required := item.Quantity.Mul(decimal.NewFromInt(int64(order.BatchCount)))
			allocation, replayed, err := s.store.ConsumeFIFO(ctx, store.ConsumeRequest{
				ProductType:    store.ProductTypeMP,
				ProductID:      item.ProductMPID,
				Quantity:       required,
				Origin:         originOut,
				ReferenceType:  referenceType,
				ReferenceID:    order.ID,
				Reference:      order.Reference,
				IdempotencyKey: fmt.Sprintf("PROD-%d-%d", order.ID, item.ProductMPID),
				UserID:         p.UserID,
			})
			if err != nil {
				var short *stock.ErrInsufficientStock
				if errors.As(err, &short) {
					return insufficientStock([]Blocker{{
						ProductMPID: item.ProductMPID,
						Code:        item.ProductMPCode,
						Name:        item.ProductMPName,
						Required:    short.Requested,
						Available:   short.Available,
						Shortage:    short.Shortage(),
					}})
				}
				return err
			}
			if replayed {
				continue
			}
			for _, part := range allocation.Lots {
				if err := s.store.InsertConsumption(ctx, store.ProductionConsumption{
					ProductionOrderID: order.ID,
					ProductMPID:       item.ProductMPID,
					LotID:             part.LotID,
					QuantityPlanned:   part.Quantity,
					QuantityConsumed:  part.Quantity,
					UnitCost:          part.UnitCost,
				}); err != nil {
					return err
				}
				consumed++
			}
		}

		ok, err := s.store.UpdateProductionOrderStatus(ctx, store.ProductionOrderUpdate{
			ID:           order.ID,
			FromStatuses: []string{StatusPending},
			Status:       StatusInProgress,
			At:           s.now(),
			UserID:       p.UserID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("production order", order.Status, "started")
		}
		after := order
		after.Status = StatusInProgress
		return audit.Record(ctx, s.store, p, AuditStarted, entityProductionOrder, order.ID, summary(order), summary(after), "")
	})
	if err != nil {
		return Detail{}, err
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)
	s.logger.Info("production order started",
		zap.Int64("production_order_id", id),
		zap.Int("lots_consumed", consumed))
	return s.Get(ctx, id)
}

// Complete records the output of an IN_PROGRESS order as a new finished
// product lot costed from its consumptions.
func (s *Service) Complete(ctx context.Context, p rbac.Principal, id int64, in CompleteInput) (CompleteResult, error) {
	produced := in.QuantityProduced
	if !produced.IsPositive() {
		return CompleteResult{}, apperr.Validation("quantityProduced must be positive", map[string]any{"quantityProduced": produced.String()})
	}

	var result CompleteResult
	var yield decimal.Decimal
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		order, err := s.store.GetProductionOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if order.Status != StatusInProgress {
			return apperr.InvalidStatus("production order", order.Status, "completed")
		}
		recipe, err := s.store.GetRecipe(ctx, order.RecipeID)
		if err != nil {
			return fmt.Errorf("load recipe %d: %w", order.RecipeID, err)
		}
		consumptions, err := s.store.ListConsumptions(ctx, order.ID)
		if err != nil {
			return err
		}

		yield = Yield(produced, order.TargetQuantity)
		result.YieldWarning = yieldWarning(yield, recipe.LossTolerance)
		unitCost := UnitCost(consumptions, produced)

		now := s.now()
		local := now.In(s.loc)
		today := util.StartOfDay(local)
		var expiry *time.Time
		if recipe.ShelfLifeDays > 0 {
			e := today.AddDate(0, 0, recipe.ShelfLifeDays)
			expiry = &e
		}
		seq, err := s.store.NextSequence(ctx, store.SeqLot, util.RefPrefix(util.LotNumber(order.ProductPFCode, local, 0)))
		if err != nil {
			return err
		}
		orderID := order.ID
		lot, err := s.store.InsertLot(ctx, store.Lot{
			ProductType:       store.ProductTypePF,
			ProductID:         order.ProductPFID,
			LotNumber:         util.LotNumber(order.ProductPFCode, local, seq),
			InitialQuantity:   produced,
			UnitCost:          unitCost,
			ManufactureDate:   &today,
			ExpiryDate:        expiry,
			ProductionOrderID: &orderID,
		})
		if err != nil {
			return err
		}
		lotID := lot.ID
		userID := p.UserID
		if _, err := s.store.InsertStockMovement(ctx, store.StockMovement{
			MovementType:   store.MovementIn,
			Origin:         originIn,
			ProductType:    store.ProductTypePF,
			ProductID:      order.ProductPFID,
			LotID:          &lotID,
			Quantity:       produced,
			UnitCost:       unitCost,
			ReferenceType:  referenceType,
			ReferenceID:    &orderID,
			Reference:      order.Reference,
			IdempotencyKey: fmt.Sprintf("PROD-%d-OUTPUT", order.ID),
			CreatedBy:      &userID,
		}); err != nil {
			return err
		}

		ok, err := s.store.UpdateProductionOrderStatus(ctx, store.ProductionOrderUpdate{
			ID:               order.ID,
			FromStatuses:     []string{StatusInProgress},
			Status:           StatusCompleted,
			At:               now,
			UserID:           p.UserID,
			QuantityProduced: decimal.NewNullDecimal(produced),
			YieldPercentage:  decimal.NewNullDecimal(yield),
			OutputLotID:      &lotID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("production order", order.Status, "completed")
		}
		after := order
		after.Status = StatusCompleted
		after.QuantityProduced = decimal.NewNullDecimal(produced)
		if err := audit.Record(ctx, s.store, p, AuditCompleted, entityProductionOrder, order.ID, summary(order), summary(after), ""); err != nil {
			return err
		}
		result.Lot = lot
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)

	order, err := s.store.GetProductionOrder(ctx, id)
	if err != nil {
		return CompleteResult{}, notFound(err)
	}
	result.Order = order
	if result.YieldWarning != "" {
		s.logger.Warn("production yield below tolerance",
			zap.Int64("production_order_id", id),
			zap.String("yield", yield.StringFixed(2)))
	}
	s.logger.Info("production order completed",
		zap.Int64("production_order_id", id),
		zap.String("lot_number", result.Lot.LotNumber),
		zap.Int64("unit_cost", result.Lot.UnitCost))
	return result, nil
}

// Cancel stops a PENDING or IN_PROGRESS order. Consumed lots of an order in
// progress get their quantity back.
func (s *Service) Cancel(ctx context.Context, p rbac.Principal, id int64, in CancelInput) (Detail, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return Detail{}, apperr.Validation("reason is required", nil)
	}

	var restored int
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		restored = 0
		order, err := s.store.GetProductionOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if order.Status != StatusPending && order.Status != StatusInProgress {
			return apperr.InvalidStatus("production order", order.Status, "cancelled")
		}
		if order.Status == StatusInProgress {
			consumptions, err := s.store.ListConsumptions(ctx, order.ID)
			if err != nil {
				return err
			}
			for _, c := range consumptions {
				if c.IsReversed {
					continue
				}
				if err := s.reverse(ctx, p, order, c); err != nil {
					return err
				}
				restored++
			}
		}

		ok, err := s.store.UpdateProductionOrderStatus(ctx, store.ProductionOrderUpdate{
			ID:           order.ID,
			FromStatuses: []string{StatusPending, StatusInProgress},
			Status:       StatusCancelled,
			At:           s.now(),
			UserID:       p.UserID,
			CancelReason: reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("production order", order.Status, "cancelled")
		}
		after := summary(order)
		after["status"] = StatusCancelled
		after["reason"] = reason
		return audit.Record(ctx, s.store, p, AuditCancelled, entityProductionOrder, order.ID, summary(order), after, "")
	})
	if err != nil {
		return Detail{}, err
	}
	if restored > 0 {
		s.cache.Invalidate(ctx, cache.StockKeys...)
	}
	s.logger.Info("production order cancelled",
		zap.Int64("production_order_id", id),
		zap.Int("lots_restored", restored))
	return s.Get(ctx, id)
}

func (s *Service) reverse(ctx context.Context, p rbac.Principal, order store.ProductionOrder, c store.ProductionConsumption) error {
	if err := s.store.RestoreLot(ctx, c.LotID, c.QuantityConsumed); err != nil {
		return err
	}
	lotID := c.LotID
	orderID := order.ID
	userID := p.UserID
	if _, err := s.store.InsertStockMovement(ctx, store.StockMovement{
		MovementType:   store.MovementIn,
		Origin:         originCancel,
		ProductType:    store.ProductTypeMP,
		ProductID:      c.ProductMPID,
		LotID:          &lotID,
		Quantity:       c.QuantityConsumed,
		UnitCost:       c.UnitCost,
		ReferenceType:  referenceType,
		ReferenceID:    &orderID,
		Reference:      order.Reference,
		IdempotencyKey: fmt.Sprintf("PROD-%d-CANCEL-%d", order.ID, c.ID),
		CreatedBy:      &userID,
	}); err != nil {
		return err
	}
	return s.store.MarkConsumptionReversed(ctx, c.ID)
}

// Yield is produced / target in percent, rounded to 2 decimals.
func Yield(produced, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return decimal.Zero
	}
	return produced.Div(target).Mul(hundred).Round(2)
}

// UnitCost spreads the value of the live consumptions over the produced
// quantity, in centimes.
func UnitCost(consumptions []store.ProductionConsumption, produced decimal.Decimal) int64 {
	if !produced.IsPositive() {
		return 0
	}
	var total int64
	for _, c := range consumptions {
		if c.IsReversed {
			continue
		}
		total += c.QuantityConsumed.Mul(decimal.NewFromInt(c.UnitCost)).Round(0).IntPart()
	}
	return decimal.NewFromInt(total).Div(produced).Round(0).IntPart()
}

func yieldWarning(yield, lossTolerance decimal.Decimal) string {
	floor := hundred.Sub(lossTolerance)
	if !yield.LessThan(floor) {
		return ""
	}
	return fmt.Sprintf("rendement %s%% inférieur au minimum attendu de %s%%", yield.StringFixed(2), floor.StringFixed(2))
}
