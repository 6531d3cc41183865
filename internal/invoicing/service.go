// Package invoicing issues sales invoices with Algerian TVA and stamp duty.
package invoicing

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
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	StatusDraft     = "DRAFT"
	StatusPaid      = "PAID"
	StatusCancelled = "CANCELLED"

	AuditCreated   = "INVOICE_CREATED"
	AuditPaid      = "INVOICE_PAID"
	AuditCancelled = "INVOICE_CANCELLED"

	entityInvoice     = "Invoice"
	referenceAttempts = 3
)

var paymentMethods = []string{PaymentCash, PaymentCheque, PaymentTransfer}

type Store interface {
	RunInTx(context.Context, func(context.Context) error) error
	NextSequence(context.Context, store.SequenceKind, string) (int, error)
	GetClient(context.Context, int64) (store.Client, error)
	GetProductsPF(context.Context, []int64) (map[int64]store.ProductPF, error)
	InsertInvoice(context.Context, store.Invoice) (store.Invoice, error)
	GetInvoice(context.Context, int64) (store.Invoice, error)
	UpdateInvoiceStatus(context.Context, int64, string, string, time.Time) (bool, error)
	UpdateDraftInvoice(context.Context, store.Invoice, bool) (bool, error)
	ListInvoices(context.Context, store.InvoiceFilter, pagination.CursorParams) (pagination.CursorPage[store.Invoice], error)
	InsertAudit(context.Context, store.AuditEntry) error
}

// Documents renders the printable invoice.
type Documents interface {
	InvoicePDF(ctx context.Context, inv store.Invoice) ([]byte, error)
}

type Service struct {
	store  Store
	docs   Documents
	cache  *cache.Cache
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time
}

func New(st Store, docs Documents, c *cache.Cache, logger *zap.Logger, loc *time.Location) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  st,
		docs:   docs,
		cache:  c,
		logger: logger.With(zap.String("component", "invoicing")),
		loc:    loc,
		now:    time.Now,
	}
}

type LineInput struct {
	ProductPFID int64           `json:"productPfId"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPriceHT *int64          `json:"unitPriceHt,omitempty"`
}

type CreateInput struct {
	ClientID      int64       `json:"clientId"`
	InvoiceDate   *time.Time  `json:"invoiceDate,omitempty"`
	PaymentMethod string      `json:"paymentMethod"`
	ApplyTimbre   *bool       `json:"applyTimbre,omitempty"`
	Lines         []LineInput `json:"lines"`
}

// Create issues a DRAFT invoice. Unit prices default to the product price.
// applyTimbre defaults to true.
func (s *Service) Create(ctx context.Context, p rbac.Principal, in CreateInput) (store.Invoice, error) {
	method := strings.ToUpper(strings.TrimSpace(in.PaymentMethod))
	if !contains(paymentMethods, method) {
		return store.Invoice{}, apperr.Validation("paymentMethod must be ESPECES, CHEQUE or VIREMENT", map[string]any{"paymentMethod": in.PaymentMethod})
	}
	if len(in.Lines) == 0 {
		return store.Invoice{}, apperr.Validation("an invoice needs at least one line", nil)
	}
	client, err := s.activeClient(ctx, in.ClientID)
	if err != nil {
		return store.Invoice{}, err
	}
	lines, totalHT, err := s.priceLines(ctx, in.Lines)
	if err != nil {
		return store.Invoice{}, err
	}

	applyTimbre := in.ApplyTimbre == nil || *in.ApplyTimbre
	totals := ComputeTotals(totalHT, method, applyTimbre)
	now := s.now().In(s.loc)
	invoiceDate := now
	if in.InvoiceDate != nil {
		invoiceDate = *in.InvoiceDate
	}
	inv := store.Invoice{
		ClientID:      client.ID,
		InvoiceDate:   invoiceDate,
		PaymentMethod: method,
		TotalHT:       totals.TotalHT,
		TotalTVA:      totals.TotalTVA,
		TotalTTC:      totals.TotalTTC,
		TimbreRate:    totals.TimbreRate,
		TimbreFiscal:  totals.TimbreFiscal,
		NetToPay:      totals.NetToPay,
		Status:        StatusDraft,
		CreatedBy:     p.UserID,
		Lines:         lines,
	}

	var created store.Invoice
	err = store.RetryOnUniqueViolation(referenceAttempts, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			seq, err := s.store.NextSequence(ctx, store.SeqInvoice, util.RefPrefix(util.InvoiceRef(now, 0)))
			if err != nil {
				return err
			}
			inv.Reference = util.InvoiceRef(now, seq)
			created, err = s.store.InsertInvoice(ctx, inv)
			if err != nil {
				return err
			}
			return audit.Record(ctx, s.store, p, AuditCreated, entityInvoice, created.ID, nil, summary(created), "")
		})
	})
	if err != nil {
		return store.Invoice{}, err
	}
	s.cache.Invalidate(ctx, cache.KeyMonitoringKPIs)
	s.logger.Info("invoice created",
		zap.String("reference", created.Reference),
		zap.String("client", client.Code),
		zap.Int64("net_to_pay", created.NetToPay))
	return created, nil
}

func (s *Service) activeClient(ctx context.Context, id int64) (store.Client, error) {
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Client{}, apperr.Validation("unknown client", map[string]any{"clientId": id})
		}
		return store.Client{}, err
	}
	if !client.IsActive {
		return store.Client{}, apperr.Validation("client is inactive", map[string]any{"clientId": id})
	}
	return client, nil
}

// priceLines resolves products and unit prices and returns the lines with
// their HT sum.
func (s *Service) priceLines(ctx context.Context, in []LineInput) ([]store.InvoiceLine, int64, error) {
	ids := make([]int64, 0, len(in))
	for _, line := range in {
		ids = append(ids, line.ProductPFID)
	}
	products, err := s.store.GetProductsPF(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	lines := make([]store.InvoiceLine, 0, len(in))
	var totalHT int64
	for i, line := range in {
		product, ok := products[line.ProductPFID]
		if !ok {
			return nil, 0, apperr.Validation("unknown finished product", map[string]any{"line": i, "productPfId": line.ProductPFID})
		}
		if !line.Quantity.IsPositive() {
			return nil, 0, apperr.Validation("quantity must be positive", map[string]any{"line": i})
		}
		price := product.PriceHT
		if line.UnitPriceHT != nil {
			price = *line.UnitPriceHT
		}
		if price < 0 {
			return nil, 0, apperr.Validation("unit price cannot be negative", map[string]any{"line": i})
		}
		lineHT := LineHT(line.Quantity, price)
		totalHT += lineHT
		lines = append(lines, store.InvoiceLine{
			ProductPFID:   product.ID,
			ProductPFCode: product.Code,
			ProductPFName: product.Name,
			Quantity:      line.Quantity,
			UnitPriceHT:   price,
			LineHT:        lineHT,
		})
	}
	return lines, totalHT, nil
}

func (s *Service) Get(ctx context.Context, id int64) (store.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return store.Invoice{}, notFound(err)
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, filter store.InvoiceFilter, params pagination.CursorParams) (pagination.CursorPage[store.Invoice], error) {
	filter.Status = strings.ToUpper(filter.Status)
	filter.PaymentMethod = strings.ToUpper(filter.PaymentMethod)
	if filter.Status != "" && !contains([]string{StatusDraft, StatusPaid, StatusCancelled}, filter.Status) {
		return pagination.CursorPage[store.Invoice]{}, apperr.Validation("unknown invoice status", map[string]any{"status": filter.Status})
	}
	if filter.PaymentMethod != "" && !contains(paymentMethods, filter.PaymentMethod) {
		return pagination.CursorPage[store.Invoice]{}, apperr.Validation("unknown payment method", map[string]any{"paymentMethod": filter.PaymentMethod})
	}
	return s.store.ListInvoices(ctx, filter, params)
}

// UpdateStatus settles or cancels a DRAFT invoice.
func (s *Service) UpdateStatus(ctx context.Context, p rbac.Principal, id int64, status string) (store.Invoice, error) {
	target := strings.ToUpper(strings.TrimSpace(status))
	var action string
	switch target {
	case StatusPaid:
		action = AuditPaid
	case StatusCancelled:
		action = AuditCancelled
	default:
		return store.Invoice{}, apperr.Validation("status must be PAID or CANCELLED", map[string]any{"status": status})
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := s.store.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if inv.Status != StatusDraft {
			return apperr.InvalidStatus("invoice", inv.Status, strings.ToLower(target))
		}
		ok, err := s.store.UpdateInvoiceStatus(ctx, id, StatusDraft, target, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("invoice", inv.Status, strings.ToLower(target))
		}
		after := summary(inv)
		after["status"] = target
		return audit.Record(ctx, s.store, p, action, entityInvoice, id, summary(inv), after, "")
	})
	if err != nil {
		return store.Invoice{}, err
	}
	s.cache.Invalidate(ctx, cache.KeyMonitoringKPIs)
	s.logger.Info("invoice status changed", zap.Int64("invoice_id", id), zap.String("status", target))
	return s.Get(ctx, id)
}

// RenderPDF returns the printable invoice.
func (s *Service) RenderPDF(ctx context.Context, id int64) (store.Invoice, []byte, error) {
	if s.docs == nil {
		return store.Invoice{}, nil, apperr.New(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "pdf rendering is not configured", nil)
	}
	inv, err := s.Get(ctx, id)
	if err != nil {
		return store.Invoice{}, nil, err
	}
	pdf, err := s.docs.InvoicePDF(ctx, inv)
	if err != nil {
		return store.Invoice{}, nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return inv, pdf, nil
}

func summary(inv store.Invoice) map[string]any {
	return map[string]any{
		"reference":     inv.Reference,
		"status":        inv.Status,
		"paymentMethod": inv.PaymentMethod,
		"totalTtc":      inv.TotalTTC,
		"timbreFiscal":  inv.TimbreFiscal,
		"netToPay":      inv.NetToPay,
	}
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
		return apperr.NotFound("invoice not found")
	}
	return err
}
