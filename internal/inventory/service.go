// Package inventory reconciles derived stock with a physical count. The
// difference is booked as an INVENTAIRE movement: a new lot when the count is
// higher, a FIFO consumption when it is lower.
package inventory

import (
	"context"
	"database/sql"
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

const (
	AuditAdjusted = "STOCK_INVENTORY_ADJUSTED"

	Origin        = "INVENTAIRE"
	referenceType = "INVENTORY"

	minReasonSize = 10
	maxReasonSize = 500
)

var maxPhysical = decimal.NewFromInt(10_000_000)

// Store is the persistence an adjustment needs. *store.PostgresStore
// satisfies it.
type Store interface {
	RunSerializable(context.Context, func(context.Context) error) error
	NextSequence(context.Context, store.SequenceKind, string) (int, error)
	GetProductMP(context.Context, int64) (store.ProductMP, error)
	GetProductPF(context.Context, int64) (store.ProductPF, error)
	CurrentStock(context.Context, string, []int64) (map[int64]decimal.Decimal, error)
	AvailableLots(context.Context, string, int64, bool) ([]stock.Lot, error)
	ConsumeFIFO(context.Context, store.ConsumeRequest) (stock.Allocation, bool, error)
	InsertLot(context.Context, store.Lot) (store.Lot, error)
	InsertStockMovement(context.Context, store.StockMovement) (bool, error)
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
		logger: logger.With(zap.String("component", "inventory")),
		loc:    loc,
		now:    time.Now,
	}
}

type AdjustInput struct {
	ProductType      string          `json:"productType"`
	ProductID        int64           `json:"productId"`
	PhysicalQuantity decimal.Decimal `json:"physicalQuantity"`
	Reason           string          `json:"reason"`
}

// Result describes one count. Adjusted is false when the count matched the
// derived stock and nothing was written.
type Result struct {
	Adjusted     bool              `json:"adjusted"`
	Reference    string            `json:"reference,omitempty"`
	ProductType  string            `json:"productType"`
	ProductID    int64             `json:"productId"`
	Theoretical  decimal.Decimal   `json:"theoretical"`
	Physical     decimal.Decimal   `json:"physical"`
	Difference   decimal.Decimal   `json:"difference"`
	MovementType string            `json:"movementType,omitempty"`
	Lot          *store.Lot        `json:"lot,omitempty"`
	Allocation   *stock.Allocation `json:"allocation,omitempty"`
	Unallocated  decimal.Decimal   `json:"unallocated"`
}

// Adjust books the gap between a physical count and the derived stock.
// Only administrators may call it. A shortfall is taken from the oldest lots
// first; whatever the lots cannot cover is written as an OUT movement
// without a lot so the derived stock still lands on the count.
func (s *Service) Adjust(ctx context.Context, p rbac.Principal, in AdjustInput) (Result, error) {
	if !p.Can(rbac.ActionAdjustStock) {
		return Result{}, apperr.Forbidden("only an administrator can adjust stock")
	}
	productType := strings.ToUpper(strings.TrimSpace(in.ProductType))
	reason := strings.TrimSpace(in.Reason)
	details := map[string]string{}
	if productType != store.ProductTypeMP && productType != store.ProductTypePF {
		details["productType"] = "must be MP or PF"
	}
	if in.ProductID <= 0 {
		details["productId"] = "required"
	}
	if in.PhysicalQuantity.IsNegative() || in.PhysicalQuantity.GreaterThan(maxPhysical) {
		details["physicalQuantity"] = "must be between 0 and 10000000"
	}
	if n := len([]rune(reason)); n < minReasonSize || n > maxReasonSize {
		details["reason"] = fmt.Sprintf("between %d and %d characters", minReasonSize, maxReasonSize)
	}
	if len(details) > 0 {
		return Result{}, apperr.Validation("invalid inventory adjustment", details)
	}

	var result Result
	err := s.store.RunSerializable(ctx, func(ctx context.Context) error {
		code, err := s.productCode(ctx, productType, in.ProductID)
		if err != nil {
			return err
		}
		levels, err := s.store.CurrentStock(ctx, productType, []int64{in.ProductID})
		if err != nil {
			return err
		}
		theoretical := levels[in.ProductID]
		diff := in.PhysicalQuantity.Sub(theoretical)
		result = Result{
			ProductType: productType,
			ProductID:   in.ProductID,
			Theoretical: theoretical,
			Physical:    in.PhysicalQuantity,
			Difference:  diff,
			Unallocated: decimal.Zero,
		}
		if diff.IsZero() {
			return nil
		}

		now := s.now().In(s.loc)
		seq, err := s.store.NextSequence(ctx, store.SeqInventory, util.RefPrefix(util.InventoryRef(now, 0)))
		if err != nil {
			return err
		}
		result.Reference = util.InventoryRef(now, seq)
		result.Adjusted = true

		if diff.IsPositive() {
			if err := s.bookSurplus(ctx, p, &result, now); err != nil {
				return err
			}
		} else if err := s.bookShortfall(ctx, p, &result); err != nil {
			return err
		}

		return audit.Record(ctx, s.store, p, AuditAdjusted, entityName(productType), in.ProductID,
			map[string]any{"stock": theoretical},
			map[string]any{
				"stock":      in.PhysicalQuantity,
				"difference": diff,
				"reference":  result.Reference,
				"product":    code,
				"reason":     reason,
			}, "")
	})
	if err != nil {
		return Result{}, err
	}
	if !result.Adjusted {
		return result, nil
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)
	s.logger.Info("stock adjusted",
		zap.String("reference", result.Reference),
		zap.String("product_type", productType),
		zap.Int64("product_id", in.ProductID),
		zap.String("difference", result.Difference.String()))
	return result, nil
}

func (s *Service) bookSurplus(ctx context.Context, p rbac.Principal, result *Result, now time.Time) error {
	today := util.StartOfDay(now)
	lot, err := s.store.InsertLot(ctx, store.Lot{
		ProductType:     result.ProductType,
		ProductID:       result.ProductID,
		LotNumber:       result.Reference,
		InitialQuantity: result.Difference,
		ManufactureDate: &today,
	})
	if err != nil {
		return err
	}
	lotID := lot.ID
	userID := p.UserID
	if _, err := s.store.InsertStockMovement(ctx, store.StockMovement{
		MovementType:   store.MovementIn,
		Origin:         Origin,
		ProductType:    result.ProductType,
		ProductID:      result.ProductID,
		LotID:          &lotID,
		Quantity:       result.Difference,
		ReferenceType:  referenceType,
		Reference:      result.Reference,
		IdempotencyKey: result.Reference + "-IN",
		CreatedBy:      &userID,
	}); err != nil {
		return err
	}
	result.MovementType = store.MovementIn
	result.Lot = &lot
	return nil
}

func (s *Service) bookShortfall(ctx context.Context, p rbac.Principal, result *Result) error {
	missing := result.Difference.Neg()
	lots, err := s.store.AvailableLots(ctx, result.ProductType, result.ProductID, true)
	if err != nil {
		return err
	}
	inLots := decimal.Zero
	for _, lot := range lots {
		inLots = inLots.Add(lot.Quantity)
	}
	fromLots := decimal.Min(missing, inLots)

	result.MovementType = store.MovementOut
	if fromLots.IsPositive() {
		allocation, _, err := s.store.ConsumeFIFO(ctx, store.ConsumeRequest{
			ProductType:    result.ProductType,
			ProductID:      result.ProductID,
			Quantity:       fromLots,
			Origin:         Origin,
			ReferenceType:  referenceType,
			Reference:      result.Reference,
			IdempotencyKey: result.Reference,
			UserID:         p.UserID,
		})
		if err != nil {
			return err
		}
		result.Allocation = &allocation
	}

	rest := missing.Sub(fromLots)
	if !rest.IsPositive() {
		return nil
	}
	userID := p.UserID
	if _, err := s.store.InsertStockMovement(ctx, store.StockMovement{
		MovementType:   store.MovementOut,
		Origin:         Origin,
		ProductType:    result.ProductType,
		ProductID:      result.ProductID,
		Quantity:       rest,
		ReferenceType:  referenceType,
		Reference:      result.Reference,
		IdempotencyKey: result.Reference + "-UNLOTTED",
		CreatedBy:      &userID,
	}); err != nil {
		return err
	}
	result.Unallocated = rest
	s.logger.Warn("inventory shortfall exceeds lot quantities",
		zap.String("reference", result.Reference),
		zap.String("unallocated", rest.String()))
	return nil
}

func (s *Service) productCode(ctx context.Context, productType string, id int64) (string, error) {
	var code string
	var err error
	if productType == store.ProductTypeMP {
		var mp store.ProductMP
		mp, err = s.store.GetProductMP(ctx, id)
		code = mp.Code
	} else {
		var pf store.ProductPF
		pf, err = s.store.GetProductPF(ctx, id)
		code = pf.Code
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("product not found")
	}
	return code, err
}

func entityName(productType string) string {
	if productType == store.ProductTypeMP {
		return "ProductMP"
	}
	return "ProductPF"
}
