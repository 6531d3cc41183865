package invoicing

import (
	"context"
	"strings"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const AuditUpdated = "INVOICE_UPDATED"

// UpdateInput edits a DRAFT invoice. Nil fields keep their value; a
// non-empty Lines replaces every line.
type UpdateInput struct {
	ClientID      *int64      `json:"clientId,omitempty"`
	PaymentMethod *string     `json:"paymentMethod,omitempty"`
	ApplyTimbre   *bool       `json:"applyTimbre,omitempty"`
	Lines         []LineInput `json:"lines,omitempty"`
}

// Update edits a DRAFT invoice and recomputes TVA, stamp duty and net to pay
// from the resulting lines and payment method. Settled or cancelled invoices
// are refused with INVALID_STATUS.
func (s *Service) Update(ctx context.Context, p rbac.Principal, id int64, in UpdateInput) (store.Invoice, error) {
	var method string
	if in.PaymentMethod != nil {
		method = strings.ToUpper(strings.TrimSpace(*in.PaymentMethod))
		if !contains(paymentMethods, method) {
			return store.Invoice{}, apperr.Validation("paymentMethod must be ESPECES, CHEQUE or VIREMENT", map[string]any{"paymentMethod": *in.PaymentMethod})
		}
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.store.GetInvoice(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if current.Status != StatusDraft {
			return apperr.InvalidStatus("invoice", current.Status, "edit")
		}

		next := current
		if in.ClientID != nil && *in.ClientID != current.ClientID {
			client, err := s.activeClient(ctx, *in.ClientID)
			if err != nil {
				return err
			}
			next.ClientID = client.ID
		}
		if method != "" {
			next.PaymentMethod = method
		}
		replaceLines := len(in.Lines) > 0
		if replaceLines {
			lines, totalHT, err := s.priceLines(ctx, in.Lines)
			if err != nil {
				return err
			}
			next.Lines = lines
			next.TotalHT = totalHT
		}

		applyTimbre := current.PaymentMethod != PaymentCash || current.TimbreFiscal > 0
		if in.ApplyTimbre != nil {
			applyTimbre = *in.ApplyTimbre
		}
		totals := ComputeTotals(next.TotalHT, next.PaymentMethod, applyTimbre)
		next.TotalTVA = totals.TotalTVA
		next.TotalTTC = totals.TotalTTC
		next.TimbreRate = totals.TimbreRate
		next.TimbreFiscal = totals.TimbreFiscal
		next.NetToPay = totals.NetToPay
		next.UpdatedAt = s.now()

		ok, err := s.store.UpdateDraftInvoice(ctx, next, replaceLines)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("invoice", current.Status, "edit")
		}
		return audit.Record(ctx, s.store, p, AuditUpdated, entityInvoice, id, summary(current), summary(next), "")
	})
	if err != nil {
		return store.Invoice{}, err
	}
	s.cache.Invalidate(ctx, cache.KeyMonitoringKPIs)
	updated, err := s.Get(ctx, id)
	if err != nil {
		return store.Invoice{}, err
	}
	s.logger.Info("invoice updated",
		zap.String("reference", updated.Reference),
		zap.Int64("net_to_pay", updated.NetToPay))
	return updated, nil
}
