package procurement

import (
	"context"
	"fmt"
	"time"

	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const (
	maxEmailAttempts = 5
	// A queued or claimed email untouched for this long is picked up again.
	emailStaleAfter = 10 * time.Minute
	emailRetryBatch = 20
)

func (s *Service) mailEnabled() bool {
	return s.mailer != nil && s.mailer.Enabled()
}

// dispatchEmail claims one queued email and hands it to the mailer. It
// returns the outbox status the row ends in, or "" when another sender
// already holds it.
func (s *Service) dispatchEmail(ctx context.Context, emailID int64) string {
	now := s.now()
	email, ok, err := s.store.ClaimPurchaseOrderEmail(ctx, emailID, now, now.Add(-emailStaleAfter))
	if err != nil {
		s.logger.Error("claim purchase order email failed", zap.Int64("email_id", emailID), zap.Error(err))
		return store.EmailPending
	}
	if !ok {
		return ""
	}

	errText := ""
	if err := s.deliver(ctx, email); err != nil {
		errText = err.Error()
	}
	if err := s.store.FinishPurchaseOrderEmail(ctx, email.ID, s.now(), errText); err != nil {
		s.logger.Error("record purchase order email outcome failed", zap.Int64("email_id", email.ID), zap.Error(err))
	}
	if errText == "" {
		s.logger.Info("purchase order email delivered",
			zap.Int64("purchase_order_id", email.PurchaseOrderID),
			zap.Int("attempt", email.Attempts))
		return store.EmailSent
	}

	fields := []zap.Field{
		zap.Int64("purchase_order_id", email.PurchaseOrderID),
		zap.Int("attempt", email.Attempts),
		zap.String("error", errText),
	}
	if email.Attempts >= maxEmailAttempts {
		s.logger.Error("purchase order email abandoned", fields...)
	} else {
		s.logger.Warn("purchase order email failed, will retry", fields...)
	}
	return store.EmailFailed
}

func (s *Service) deliver(ctx context.Context, email store.PurchaseOrderEmail) error {
	po, err := s.store.GetPurchaseOrder(ctx, email.PurchaseOrderID)
	if err != nil {
		return fmt.Errorf("load purchase order: %w", err)
	}
	po.SupplierEmail = email.Recipient
	var pdf []byte
	if s.docs != nil {
		if pdf, err = s.docs.PurchaseOrderPDF(ctx, po); err != nil {
			return fmt.Errorf("render purchase order pdf: %w", err)
		}
	}
	return s.mailer.SendPurchaseOrder(ctx, po, pdf)
}

// RetryPendingEmails re-attempts failed or abandoned deliveries and returns
// how many went out. The monitoring cycle calls it.
func (s *Service) RetryPendingEmails(ctx context.Context) (int, error) {
	if !s.mailEnabled() {
		return 0, nil
	}
	ids, err := s.store.RetryablePurchaseOrderEmails(ctx, maxEmailAttempts, s.now().Add(-emailStaleAfter), emailRetryBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if s.dispatchEmail(ctx, id) == store.EmailSent {
			delivered++
		}
	}
	return delivered, nil
}
