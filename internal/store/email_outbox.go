package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) InsertPurchaseOrderEmail(ctx context.Context, purchaseOrderID int64, recipient string) (int64, error) {
	var id int64
	if err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO purchase_order_emails (purchase_order_id, recipient) VALUES ($1, $2) RETURNING id
	`, purchaseOrderID, recipient).Scan(&id); err != nil {
		return 0, fmt.Errorf("queue purchase order email: %w", err)
	}
	return id, nil
}

// ClaimPurchaseOrderEmail marks a queued email SENDING and counts the
// attempt. A SENDING row claimed before staleBefore is treated as abandoned
// by a crashed sender and may be claimed again. It reports false when the
// row is not claimable, which includes rows already SENT.
func (s *PostgresStore) ClaimPurchaseOrderEmail(ctx context.Context, id int64, now, staleBefore time.Time) (PurchaseOrderEmail, bool, error) {
	var e PurchaseOrderEmail
	var sentAt sql.NullTime
	err := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE purchase_order_emails
		SET status = 'SENDING', attempts = attempts + 1, claimed_at = $2
		WHERE id = $1
		  AND (status IN ('PENDING', 'FAILED') OR (status = 'SENDING' AND claimed_at < $3))
		RETURNING id, purchase_order_id, recipient, status, attempts, last_error, sent_at, created_at
	`, id, now, staleBefore).Scan(&e.ID, &e.PurchaseOrderID, &e.Recipient, &e.Status, &e.Attempts, &e.LastError, &sentAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PurchaseOrderEmail{}, false, nil
	}
	if err != nil {
		return PurchaseOrderEmail{}, false, fmt.Errorf("claim purchase order email: %w", err)
	}
	e.SentAt = nullTimePtr(sentAt)
	return e, true, nil
}

// FinishPurchaseOrderEmail records the outcome of a claimed delivery. An
// empty errText means the email went out.
func (s *PostgresStore) FinishPurchaseOrderEmail(ctx context.Context, id int64, at time.Time, errText string) error {
	var err error
	if errText == "" {
		_, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE purchase_order_emails SET status = 'SENT', sent_at = $2, last_error = '' WHERE id = $1
		`, id, at)
	} else {
		_, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE purchase_order_emails SET status = 'FAILED', last_error = $2 WHERE id = $1
		`, id, errText)
	}
	if err != nil {
		return fmt.Errorf("finish purchase order email: %w", err)
	}
	return nil
}

// RetryablePurchaseOrderEmails lists emails worth another attempt: failed
// ones, pending ones nobody dispatched and sends abandoned mid-flight, all
// under maxAttempts.
func (s *PostgresStore) RetryablePurchaseOrderEmails(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]int64, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id FROM purchase_order_emails
		WHERE attempts < $1
		  AND (status = 'FAILED'
		       OR (status = 'PENDING' AND created_at < $2)
		       OR (status = 'SENDING' AND claimed_at < $2))
		ORDER BY created_at, id
		LIMIT $3
	`, maxAttempts, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable emails: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan retryable email: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
