// Package procurement runs the purchase order (bon de commande) workflow:
// creation, sending to the supplier, confirmation, reception into stock lots,
// cancellation, delay tracking and the short edit lock held by a user.
package procurement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	LockDuration        = 5 * time.Minute
	minCancelReasonSize = 10
	referenceAttempts   = 3
)

// Store is the persistence the workflow needs. *store.PostgresStore
// satisfies it.
type Store interface {
	RunInTx(context.Context, func(context.Context) error) error
	NextSequence(context.Context, store.SequenceKind, string) (int, error)
	GetSupplier(context.Context, int64) (store.Supplier, error)
	GetProductsMP(context.Context, []int64) (map[int64]store.ProductMP, error)
	InsertPurchaseOrder(context.Context, store.PurchaseOrder) (store.PurchaseOrder, error)
	GetPurchaseOrder(context.Context, int64) (store.PurchaseOrder, error)
	GetPurchaseOrderForUpdate(context.Context, int64) (store.PurchaseOrder, error)
	UpdatePurchaseOrderStatus(context.Context, store.PurchaseOrderUpdate) (bool, error)
	AddQuantityReceived(context.Context, int64, decimal.Decimal) error
	AcquirePurchaseOrderLock(context.Context, int64, int64, time.Time, time.Time) (bool, error)
	ReleasePurchaseOrderLock(context.Context, int64, int64) (bool, error)
	ListPurchaseOrders(context.Context, store.PurchaseOrderFilter, pagination.CursorParams) (pagination.CursorPage[store.PurchaseOrder], error)
	ActivePurchaseOrders(context.Context) ([]store.PurchaseOrder, error)
	InsertReception(context.Context, store.Reception) (store.Reception, error)
	GetReceptionForUpdate(context.Context, int64) (store.Reception, error)
	MarkReceptionValidated(context.Context, int64, map[int64]int64, time.Time) (bool, error)
	InsertLot(context.Context, store.Lot) (store.Lot, error)
	InsertStockMovement(context.Context, store.StockMovement) (bool, error)
	InsertPurchaseOrderEmail(context.Context, int64, string) (int64, error)
	ClaimPurchaseOrderEmail(context.Context, int64, time.Time, time.Time) (store.PurchaseOrderEmail, bool, error)
	FinishPurchaseOrderEmail(context.Context, int64, time.Time, string) error
	RetryablePurchaseOrderEmails(context.Context, int, time.Time, int) ([]int64, error)
	InsertAudit(context.Context, store.AuditEntry) error
	HasAudit(context.Context, string, string, string, string) (bool, error)
}

// Documents renders the printable BC.
type Documents interface {
	PurchaseOrderPDF(ctx context.Context, po store.PurchaseOrder) ([]byte, error)
}

// Mailer delivers a BC to its supplier.
type Mailer interface {
	Enabled() bool
	SendPurchaseOrder(ctx context.Context, po store.PurchaseOrder, pdf []byte) error
}

type Options struct {
	Documents    Documents
	Mailer       Mailer
	Cache        *cache.Cache
	Logger       *zap.Logger
	Location     *time.Location
	CriticalDays int
	Now          func() time.Time
}

type Service struct {
	store        Store
	docs         Documents
	mailer       Mailer
	cache        *cache.Cache
	logger       *zap.Logger
	loc          *time.Location
	criticalDays int
	now          func() time.Time
}

func New(st Store, opts Options) *Service {
	s := &Service{
		store:        st,
		docs:         opts.Documents,
		mailer:       opts.Mailer,
		cache:        opts.Cache,
		logger:       opts.Logger,
		loc:          opts.Location,
		criticalDays: opts.CriticalDays,
		now:          opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "procurement"))
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.criticalDays <= 0 {
		s.criticalDays = 3
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type LineInput struct {
	ProductMPID int64           `json:"productMpId"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   int64           `json:"unitPrice"`
	TVARate     *int            `json:"tvaRate,omitempty"`
}

type CreateInput struct {
	SupplierID       int64       `json:"supplierId"`
	ExpectedDelivery *time.Time  `json:"expectedDelivery,omitempty"`
	DeliveryAddress  string      `json:"deliveryAddress"`
	Notes            string      `json:"notes"`
	Lines            []LineInput `json:"lines"`
}

type SendInput struct {
	SendVia        string `json:"sendVia"`
	Version        int    `json:"version"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type ConfirmInput struct {
	ExpectedDelivery *time.Time `json:"expectedDelivery,omitempty"`
}

type CancelInput struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// CreateDirect creates a DRAFT purchase order straight from the buyer's
// lines.
func (s *Service) CreateDirect(ctx context.Context, p rbac.Principal, in CreateInput) (store.PurchaseOrder, error) {
	if len(in.Lines) == 0 {
		return store.PurchaseOrder{}, apperr.Validation("a purchase order needs at least one line", nil)
	}
	supplier, err := s.store.GetSupplier(ctx, in.SupplierID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.PurchaseOrder{}, err
	}
	if err != nil || !supplier.IsActive {
		return store.PurchaseOrder{}, apperr.Validation("supplier not found or inactive", map[string]any{"supplierId": in.SupplierID})
	}

	ids := make([]int64, 0, len(in.Lines))
	for _, line := range in.Lines {
		ids = append(ids, line.ProductMPID)
	}
	products, err := s.store.GetProductsMP(ctx, ids)
	if err != nil {
		return store.PurchaseOrder{}, err
	}

	po := store.PurchaseOrder{
		SupplierID:       supplier.ID,
		Status:           StatusDraft,
		ExpectedDelivery: in.ExpectedDelivery,
		DeliveryAddress:  strings.TrimSpace(in.DeliveryAddress),
		Notes:            strings.TrimSpace(in.Notes),
		CreatedBy:        p.UserID,
		Items:            make([]store.PurchaseOrderItem, 0, len(in.Lines)),
	}
	for i, line := range in.Lines {
		product, ok := products[line.ProductMPID]
		if !ok {
			return store.PurchaseOrder{}, apperr.Validation("unknown raw material", map[string]any{"line": i, "productMpId": line.ProductMPID})
		}
		if !line.Quantity.IsPositive() {
			return store.PurchaseOrder{}, apperr.Validation("quantity must be positive", map[string]any{"line": i, "productMpId": line.ProductMPID})
		}
		if line.UnitPrice < 0 {
			return store.PurchaseOrder{}, apperr.Validation("unit price cannot be negative", map[string]any{"line": i, "productMpId": line.ProductMPID})
		}
		tva := product.DefaultTVARate
		if line.TVARate != nil {
			tva = *line.TVARate
		}
		total := lineTotal(line.Quantity, line.UnitPrice)
		po.Items = append(po.Items, store.PurchaseOrderItem{
			ProductMPID: product.ID,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TVARate:     tva,
			TotalHT:     total,
		})
		po.TotalHT += total
	}

	var created store.PurchaseOrder
	err = store.RetryOnUniqueViolation(referenceAttempts, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			now := s.now().In(s.loc)
			prefix := util.RefPrefix(util.PurchaseOrderRef(now, 0))
			seq, err := s.store.NextSequence(ctx, store.SeqPurchaseOrder, prefix)
			if err != nil {
				return err
			}
			po.Reference = util.PurchaseOrderRef(now, seq)
			created, err = s.store.InsertPurchaseOrder(ctx, po)
			if err != nil {
				return err
			}
			return audit.Record(ctx, s.store, p, AuditCreated, entityPurchaseOrder, created.ID, nil, summary(created), "")
		})
	})
	if err != nil {
		return store.PurchaseOrder{}, err
	}
	s.logger.Info("purchase order created",
		zap.Int64("purchase_order_id", created.ID),
		zap.String("reference", created.Reference),
		zap.Int64("total_ht", created.TotalHT))
	return created, nil
}

// Send moves a DRAFT order to SENT. With EMAIL the delivery is queued in the
// same transaction and attempted once the status change has committed, so
// the supplier never receives a BC the database does not show as sent. A
// failed attempt stays queued for RetryPendingEmails.
func (s *Service) Send(ctx context.Context, p rbac.Principal, id int64, in SendInput) (store.PurchaseOrder, error) {
	via := strings.ToUpper(strings.TrimSpace(in.SendVia))
	if via != SendViaEmail && via != SendViaManual {
		return store.PurchaseOrder{}, apperr.Validation("sendVia must be EMAIL or MANUAL", map[string]any{"sendVia": in.SendVia})
	}
	if replayed, err := s.replayed(ctx, AuditSent, id, in.IdempotencyKey); err != nil || replayed {
		if err != nil {
			return store.PurchaseOrder{}, err
		}
		return s.Get(ctx, id)
	}

	var emailID int64
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		po, err := s.store.GetPurchaseOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		now := s.now()
		if err := assertNotLocked(po, p, now); err != nil {
			return err
		}
		if !CanTransition(po.Status, StatusSent) {
			return apperr.InvalidStatus("purchase order", po.Status, "sent")
		}
		if in.Version > 0 && in.Version != po.Version {
			return versionConflict(in.Version, po.Version)
		}
		recipient := strings.TrimSpace(po.SupplierEmail)
		if via == SendViaEmail && recipient == "" {
			return apperr.Validation("supplier has no email address", map[string]any{"supplierId": po.SupplierID})
		}
		ok, err := s.store.UpdatePurchaseOrderStatus(ctx, store.PurchaseOrderUpdate{
			ID:           po.ID,
			FromStatuses: []string{StatusDraft},
			Version:      po.Version,
			Status:       StatusSent,
			At:           now,
			UserID:       p.UserID,
			SentVia:      via,
		})
		if err != nil {
			return err
		}
		if !ok {
			return versionConflict(po.Version, po.Version+1)
		}
		if via == SendViaEmail && s.mailEnabled() {
			if emailID, err = s.store.InsertPurchaseOrderEmail(ctx, po.ID, recipient); err != nil {
				return err
			}
		}
		return audit.Record(ctx, s.store, p, AuditSent, entityPurchaseOrder, po.ID,
			map[string]any{"status": po.Status, "version": po.Version},
			map[string]any{"status": StatusSent, "sendVia": via, "version": po.Version + 1},
			in.IdempotencyKey)
	})
	if err != nil {
		return store.PurchaseOrder{}, err
	}
	s.logger.Info("purchase order sent", zap.Int64("purchase_order_id", id), zap.String("send_via", via))

	emailStatus := ""
	switch {
	case via != SendViaEmail:
	case emailID == 0:
		s.logger.Warn("smtp not configured, purchase order marked sent without email", zap.Int64("purchase_order_id", id))
	default:
		emailStatus = s.dispatchEmail(ctx, emailID)
	}

	po, err := s.Get(ctx, id)
	if err != nil {
		return store.PurchaseOrder{}, err
	}
	po.EmailStatus = emailStatus
	return po, nil
}

// Confirm records the supplier's acknowledgement of a SENT order.
func (s *Service) Confirm(ctx context.Context, p rbac.Principal, id int64, in ConfirmInput) (store.PurchaseOrder, error) {
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		po, err := s.store.GetPurchaseOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		now := s.now()
		if err := assertNotLocked(po, p, now); err != nil {
			return err
		}
		if !CanTransition(po.Status, StatusConfirmed) {
			return apperr.InvalidStatus("purchase order", po.Status, "confirmed")
		}
		ok, err := s.store.UpdatePurchaseOrderStatus(ctx, store.PurchaseOrderUpdate{
			ID:               po.ID,
			FromStatuses:     []string{StatusSent},
			Version:          po.Version,
			Status:           StatusConfirmed,
			At:               now,
			UserID:           p.UserID,
			ExpectedDelivery: in.ExpectedDelivery,
		})
		if err != nil {
			return err
		}
		if !ok {
			return versionConflict(po.Version, po.Version+1)
		}
		after := map[string]any{"status": StatusConfirmed}
		if in.ExpectedDelivery != nil {
			after["expectedDelivery"] = in.ExpectedDelivery
		}
		return audit.Record(ctx, s.store, p, AuditConfirmed, entityPurchaseOrder, po.ID, map[string]any{"status": po.Status}, after, "")
	})
	if err != nil {
		return store.PurchaseOrder{}, err
	}
	return s.Get(ctx, id)
}

// Cancel is reserved to administrators and refused once goods have arrived.
func (s *Service) Cancel(ctx context.Context, p rbac.Principal, id int64, in CancelInput) (store.PurchaseOrder, error) {
	if !p.IsAdmin() {
		return store.PurchaseOrder{}, apperr.Forbidden("only an administrator can cancel a purchase order")
	}
	reason := strings.TrimSpace(in.Reason)
	if len([]rune(reason)) < minCancelReasonSize {
		return store.PurchaseOrder{}, apperr.Validation(
			fmt.Sprintf("a cancellation reason of at least %d characters is required", minCancelReasonSize), nil)
	}
	if replayed, err := s.replayed(ctx, AuditCancelled, id, in.IdempotencyKey); err != nil || replayed {
		if err != nil {
			return store.PurchaseOrder{}, err
		}
		return s.Get(ctx, id)
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		po, err := s.store.GetPurchaseOrderForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		now := s.now()
		if err := assertNotLocked(po, p, now); err != nil {
			return err
		}
		if !CanTransition(po.Status, StatusCancelled) {
			return apperr.InvalidStatus("purchase order", po.Status, "cancelled")
		}
		for _, item := range po.Items {
			if item.QuantityReceived.IsPositive() {
				return apperr.Conflict("ALREADY_RECEIVED", "goods were already received on this purchase order",
					map[string]any{"itemId": item.ID, "quantityReceived": item.QuantityReceived})
			}
		}
		ok, err := s.store.UpdatePurchaseOrderStatus(ctx, store.PurchaseOrderUpdate{
			ID:           po.ID,
			FromStatuses: cancellableStatuses,
			Version:      po.Version,
			Status:       StatusCancelled,
			At:           now,
			UserID:       p.UserID,
			CancelReason: reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return versionConflict(po.Version, po.Version+1)
		}
		return audit.Record(ctx, s.store, p, AuditCancelled, entityPurchaseOrder, po.ID,
			map[string]any{"status": po.Status},
			map[string]any{"status": StatusCancelled, "reason": reason},
			in.IdempotencyKey)
	})
	if err != nil {
		return store.PurchaseOrder{}, err
	}
	s.logger.Info("purchase order cancelled", zap.Int64("purchase_order_id", id), zap.Int64("user_id", p.UserID))
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id int64) (store.PurchaseOrder, error) {
	po, err := s.store.GetPurchaseOrder(ctx, id)
	if err != nil {
		return store.PurchaseOrder{}, notFound(err)
	}
	return po, nil
}

func (s *Service) List(ctx context.Context, filter store.PurchaseOrderFilter, params pagination.CursorParams) (pagination.CursorPage[store.PurchaseOrder], error) {
	if filter.Status != "" {
		filter.Status = strings.ToUpper(filter.Status)
		if _, known := transitions[filter.Status]; !known && filter.Status != StatusReceived && filter.Status != StatusCancelled {
			return pagination.CursorPage[store.PurchaseOrder]{}, apperr.Validation("unknown purchase order status", map[string]any{"status": filter.Status})
		}
	}
	return s.store.ListPurchaseOrders(ctx, filter, params)
}

// RenderPDF returns the printable BC.
func (s *Service) RenderPDF(ctx context.Context, id int64) (store.PurchaseOrder, []byte, error) {
	if s.docs == nil {
		return store.PurchaseOrder{}, nil, apperr.New(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "pdf rendering is not configured", nil)
	}
	po, err := s.Get(ctx, id)
	if err != nil {
		return store.PurchaseOrder{}, nil, err
	}
	pdf, err := s.docs.PurchaseOrderPDF(ctx, po)
	if err != nil {
		return store.PurchaseOrder{}, nil, fmt.Errorf("render purchase order pdf: %w", err)
	}
	return po, pdf, nil
}

func (s *Service) replayed(ctx context.Context, action string, id int64, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	return s.store.HasAudit(ctx, action, entityPurchaseOrder, strconv.FormatInt(id, 10), key)
}

func lineTotal(qty decimal.Decimal, unitPrice int64) int64 {
	return qty.Mul(decimal.NewFromInt(unitPrice)).Round(0).IntPart()
}

func summary(po store.PurchaseOrder) map[string]any {
	return map[string]any{
		"reference":  po.Reference,
		"supplierId": po.SupplierID,
		"status":     po.Status,
		"totalHt":    po.TotalHT,
		"lines":      len(po.Items),
	}
}

func versionConflict(expected, current int) error {
	return apperr.Conflict("VERSION_CONFLICT", "the purchase order was modified by someone else, reload it",
		map[string]any{"expectedVersion": expected, "currentVersion": current})
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("purchase order not found")
	}
	return err
}
