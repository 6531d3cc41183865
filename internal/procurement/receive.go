package procurement

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
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	originReception      = "RECEPTION"
	referenceTypeReceipt = "RECEPTION"
)

type ReceiveLineInput struct {
	ItemID           int64           `json:"itemId"`
	QuantityReceived decimal.Decimal `json:"quantityReceived"`
	ExpiryDate       *time.Time      `json:"expiryDate,omitempty"`
}

type ReceiveInput struct {
	BLNumber       string             `json:"blNumber"`
	ReceptionDate  *time.Time         `json:"receptionDate,omitempty"`
	Lines          []ReceiveLineInput `json:"lines"`
	IdempotencyKey string             `json:"idempotencyKey"`
}

type ReceiveResult struct {
	PurchaseOrder store.PurchaseOrder `json:"purchaseOrder"`
	Reception     *store.Reception    `json:"reception,omitempty"`
}

// Receive books delivered quantities against an order. Every received line
// becomes a lot with an IN movement; the order ends RECEIVED once nothing
// remains outstanding, PARTIAL otherwise.
func (s *Service) Receive(ctx context.Context, p rbac.Principal, id int64, in ReceiveInput) (ReceiveResult, error) {
	if len(in.Lines) == 0 {
		return ReceiveResult{}, apperr.Validation("at least one reception line is required", nil)
	}
	if replayed, err := s.replayed(ctx, AuditReceived, id, in.IdempotencyKey); err != nil || replayed {
		if err != nil {
			return ReceiveResult{}, err
		}
		po, err := s.Get(ctx, id)
		return ReceiveResult{PurchaseOrder: po}, err
	}

	var reception store.Reception
	var nextStatus string
	err := store.RetryOnUniqueViolation(referenceAttempts, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			po, err := s.store.GetPurchaseOrderForUpdate(ctx, id)
			if err != nil {
				return notFound(err)
			}
			now := s.now()
			if err := assertNotLocked(po, p, now); err != nil {
				return err
			}
			if !CanTransition(po.Status, StatusPartial) && !CanTransition(po.Status, StatusReceived) {
				return apperr.InvalidStatus("purchase order", po.Status, "received")
			}
			received, err := receivedQuantities(po, in.Lines)
			if err != nil {
				return err
			}

			local := now.In(s.loc)
			receptionDate := local
			if in.ReceptionDate != nil {
				receptionDate = *in.ReceptionDate
			}
			seq, err := s.store.NextSequence(ctx, store.SeqReception, util.RefPrefix(util.ReceptionRef(local, 0)))
			if err != nil {
				return err
			}
			supplierID := po.SupplierID
			orderID := po.ID
			rec := store.Reception{
				Reference:       util.ReceptionRef(local, seq),
				SupplierID:      &supplierID,
				PurchaseOrderID: &orderID,
				Source:          store.ReceptionSourcePurchaseOrder,
				Status:          store.ReceptionDraft,
				BLNumber:        strings.TrimSpace(in.BLNumber),
				ReceptionDate:   receptionDate,
				CreatedBy:       p.UserID,
			}
			codes := make(map[int64]string, len(po.Items))
			expiries := make(map[int64]*time.Time)
			for _, item := range po.Items {
				codes[item.ProductMPID] = item.ProductMPCode
				qty, ok := received[item.ID]
				if !ok || !qty.IsPositive() {
					continue
				}
				itemID := item.ID
				rec.Lines = append(rec.Lines, store.ReceptionLine{
					ProductMPID:         item.ProductMPID,
					PurchaseOrderItemID: &itemID,
					Quantity:            qty,
					UnitPrice:           item.UnitPrice,
					TVARate:             item.TVARate,
				})
			}
			for _, line := range in.Lines {
				if line.ExpiryDate != nil {
					expiries[line.ItemID] = line.ExpiryDate
				}
			}

			rec, err = s.store.InsertReception(ctx, rec)
			if err != nil {
				return err
			}
			lineLots, err := s.stockIn(ctx, p, rec, codes, func(line store.ReceptionLine) *time.Time {
				if line.PurchaseOrderItemID == nil {
					return nil
				}
				return expiries[*line.PurchaseOrderItemID]
			})
			if err != nil {
				return err
			}
			for _, line := range rec.Lines {
				if err := s.store.AddQuantityReceived(ctx, *line.PurchaseOrderItemID, line.Quantity); err != nil {
					return err
				}
			}
			ok, err := s.store.MarkReceptionValidated(ctx, rec.ID, lineLots, now)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.InvalidStatus("reception", store.ReceptionValidated, "validated")
			}

			nextStatus = statusAfterReception(po, received)
			ok, err = s.store.UpdatePurchaseOrderStatus(ctx, store.PurchaseOrderUpdate{
				ID:           po.ID,
				FromStatuses: receivableStatuses,
				Version:      po.Version,
				Status:       nextStatus,
				At:           now,
				UserID:       p.UserID,
			})
			if err != nil {
				return err
			}
			if !ok {
				return versionConflict(po.Version, po.Version+1)
			}
			for i := range rec.Lines {
				lotID := lineLots[rec.Lines[i].ID]
				rec.Lines[i].LotID = &lotID
			}
			rec.Status = store.ReceptionValidated
			rec.ValidatedAt = &now
			reception = rec
			return audit.Record(ctx, s.store, p, AuditReceived, entityPurchaseOrder, po.ID,
				map[string]any{"status": po.Status},
				map[string]any{"status": nextStatus, "receptionId": rec.ID, "receptionReference": rec.Reference},
				in.IdempotencyKey)
		})
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)
	s.logger.Info("purchase order received",
		zap.Int64("purchase_order_id", id),
		zap.String("reception", reception.Reference),
		zap.String("status", nextStatus))

	po, err := s.Get(ctx, id)
	if err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{PurchaseOrder: po, Reception: &reception}, nil
}

// receivedQuantities validates the delivered lines against what is still
// outstanding and returns them keyed by order item.
func receivedQuantities(po store.PurchaseOrder, lines []ReceiveLineInput) (map[int64]decimal.Decimal, error) {
	items := make(map[int64]store.PurchaseOrderItem, len(po.Items))
	for _, item := range po.Items {
		items[item.ID] = item
	}
	out := make(map[int64]decimal.Decimal, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		item, ok := items[line.ItemID]
		if !ok {
			return nil, apperr.Validation("line does not belong to this purchase order", map[string]any{"itemId": line.ItemID})
		}
		if line.QuantityReceived.IsNegative() {
			return nil, apperr.Validation("received quantity cannot be negative", map[string]any{"itemId": line.ItemID})
		}
		qty := out[line.ItemID].Add(line.QuantityReceived)
		if remaining := item.Remaining(); qty.GreaterThan(remaining) {
			return nil, apperr.Validation("received quantity exceeds the remaining ordered quantity", map[string]any{
				"itemId":    line.ItemID,
				"remaining": remaining,
				"received":  qty,
			})
		}
		out[line.ItemID] = qty
		total = total.Add(line.QuantityReceived)
	}
	if !total.IsPositive() {
		return nil, apperr.Validation("nothing to receive: every quantity is zero", nil)
	}
	return out, nil
}

func statusAfterReception(po store.PurchaseOrder, received map[int64]decimal.Decimal) string {
	for _, item := range po.Items {
		if item.QuantityReceived.Add(received[item.ID]).LessThan(item.Quantity) {
			return StatusPartial
		}
	}
	return StatusReceived
}

// stockIn creates one lot and one IN movement per reception line and returns
// the lot of each line.
func (s *Service) stockIn(ctx context.Context, p rbac.Principal, rec store.Reception, codes map[int64]string, expiry func(store.ReceptionLine) *time.Time) (map[int64]int64, error) {
	local := s.now().In(s.loc)
	lineLots := make(map[int64]int64, len(rec.Lines))
	for _, line := range rec.Lines {
		code, ok := codes[line.ProductMPID]
		if !ok {
			return nil, fmt.Errorf("no product code for raw material %d", line.ProductMPID)
		}
		seq, err := s.store.NextSequence(ctx, store.SeqLot, util.RefPrefix(util.LotNumber(code, local, 0)))
		if err != nil {
			return nil, err
		}
		receptionID := rec.ID
		lot, err := s.store.InsertLot(ctx, store.Lot{
			ProductType:     store.ProductTypeMP,
			ProductID:       line.ProductMPID,
			LotNumber:       util.LotNumber(code, local, seq),
			InitialQuantity: line.Quantity,
			UnitCost:        line.UnitPrice,
			ExpiryDate:      expiry(line),
			SupplierID:      rec.SupplierID,
			ReceptionID:     &receptionID,
		})
		if err != nil {
			return nil, err
		}
		lotID := lot.ID
		userID := p.UserID
		if _, err := s.store.InsertStockMovement(ctx, store.StockMovement{
			MovementType:   store.MovementIn,
			Origin:         originReception,
			ProductType:    store.ProductTypeMP,
			ProductID:      line.ProductMPID,
			LotID:          &lotID,
			Quantity:       line.Quantity,
			UnitCost:       line.UnitPrice,
			ReferenceType:  referenceTypeReceipt,
			ReferenceID:    &receptionID,
			Reference:      rec.Reference,
			IdempotencyKey: fmt.Sprintf("REC-%d-LINE-%d", rec.ID, line.ID),
			CreatedBy:      &userID,
		}); err != nil {
			return nil, err
		}
		lineLots[line.ID] = lot.ID
	}
	return lineLots, nil
}

type ValidateReceptionLine struct {
	LineID     int64      `json:"lineId"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
}

type ValidateReceptionInput struct {
	Lines []ValidateReceptionLine `json:"lines"`
}

// ValidateReception brings a DRAFT reception (created from a demande) into
// stock.
func (s *Service) ValidateReception(ctx context.Context, p rbac.Principal, id int64, in ValidateReceptionInput) (store.Reception, error) {
	expiries := make(map[int64]*time.Time, len(in.Lines))
	for _, line := range in.Lines {
		expiries[line.LineID] = line.ExpiryDate
	}

	var out store.Reception
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		rec, err := s.store.GetReceptionForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("reception not found")
			}
			return err
		}
		if rec.Status != store.ReceptionDraft {
			return apperr.InvalidStatus("reception", rec.Status, "validated")
		}
		if len(rec.Lines) == 0 {
			return apperr.Validation("reception has no lines", nil)
		}
		ids := make([]int64, 0, len(rec.Lines))
		for _, line := range rec.Lines {
			ids = append(ids, line.ProductMPID)
		}
		products, err := s.store.GetProductsMP(ctx, ids)
		if err != nil {
			return err
		}
		codes := make(map[int64]string, len(products))
		for productID, product := range products {
			codes[productID] = product.Code
		}
		lineLots, err := s.stockIn(ctx, p, rec, codes, func(line store.ReceptionLine) *time.Time {
			return expiries[line.ID]
		})
		if err != nil {
			return err
		}
		now := s.now()
		ok, err := s.store.MarkReceptionValidated(ctx, rec.ID, lineLots, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("reception", store.ReceptionValidated, "validated")
		}
		for i := range rec.Lines {
			lotID := lineLots[rec.Lines[i].ID]
			rec.Lines[i].LotID = &lotID
		}
		rec.Status = store.ReceptionValidated
		rec.ValidatedAt = &now
		out = rec
		return audit.Record(ctx, s.store, p, AuditReceptionValidated, entityReception, rec.ID,
			map[string]any{"status": store.ReceptionDraft},
			map[string]any{"status": store.ReceptionValidated, "lots": len(lineLots)}, "")
	})
	if err != nil {
		return store.Reception{}, err
	}
	s.cache.Invalidate(ctx, cache.StockKeys...)
	return out, nil
}
