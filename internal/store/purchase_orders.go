package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"manchengo/api/internal/pagination"

	"github.com/shopspring/decimal"
)

const purchaseOrderColumns = `po.id, po.reference, po.supplier_id, s.name, s.email, po.demande_id, po.status, po.total_ht,
	po.expected_delivery, po.delivery_address, po.notes, po.sent_at, po.sent_by, COALESCE(po.sent_via, ''),
	po.confirmed_at, po.confirmed_by, po.received_at, po.cancelled_at, po.cancelled_by, po.cancel_reason,
	po.version, po.locked_by_id, po.locked_at, po.lock_expires_at, po.created_by, po.created_at, po.updated_at`

const purchaseOrderFrom = `purchase_orders po JOIN suppliers s ON s.id = po.supplier_id`

func scanPurchaseOrder(row pagination.Scanner) (PurchaseOrder, error) {
	var po PurchaseOrder
	var demandeID, sentBy, confirmedBy, cancelledBy, lockedBy sql.NullInt64
	var expected, sentAt, confirmedAt, receivedAt, cancelledAt, lockedAt, lockExpires sql.NullTime
	if err := row.Scan(&po.ID, &po.Reference, &po.SupplierID, &po.SupplierName, &po.SupplierEmail, &demandeID, &po.Status, &po.TotalHT,
		&expected, &po.DeliveryAddress, &po.Notes, &sentAt, &sentBy, &po.SentVia,
		&confirmedAt, &confirmedBy, &receivedAt, &cancelledAt, &cancelledBy, &po.CancelReason,
		&po.Version, &lockedBy, &lockedAt, &lockExpires, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt); err != nil {
		return PurchaseOrder{}, err
	}
	po.DemandeID = nullInt64Ptr(demandeID)
	po.ExpectedDelivery = nullTimePtr(expected)
	po.SentAt = nullTimePtr(sentAt)
	po.SentBy = nullInt64Ptr(sentBy)
	po.ConfirmedAt = nullTimePtr(confirmedAt)
	po.ConfirmedBy = nullInt64Ptr(confirmedBy)
	po.ReceivedAt = nullTimePtr(receivedAt)
	po.CancelledAt = nullTimePtr(cancelledAt)
	po.CancelledBy = nullInt64Ptr(cancelledBy)
	po.LockedByID = nullInt64Ptr(lockedBy)
	po.LockedAt = nullTimePtr(lockedAt)
	po.LockExpiresAt = nullTimePtr(lockExpires)
	po.Items = make([]PurchaseOrderItem, 0)
	return po, nil
}

// InsertPurchaseOrder writes the order and its items and returns it reloaded.
func (s *PostgresStore) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	var id int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := q.QueryRowContext(ctx, `
			INSERT INTO purchase_orders (reference, supplier_id, demande_id, status, total_ht, expected_delivery,
				delivery_address, notes, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, po.Reference, po.SupplierID, int64Arg(po.DemandeID), po.Status, po.TotalHT, timeArg(po.ExpectedDelivery),
			po.DeliveryAddress, po.Notes, po.CreatedBy).Scan(&id); err != nil {
			return fmt.Errorf("insert purchase order: %w", err)
		}
		for _, item := range po.Items {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO purchase_order_items (purchase_order_id, product_mp_id, quantity, unit_price, tva_rate, total_ht)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, id, item.ProductMPID, item.Quantity, item.UnitPrice, item.TVARate, item.TotalHT); err != nil {
				return fmt.Errorf("insert purchase order item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return s.GetPurchaseOrder(ctx, id)
}

func (s *PostgresStore) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.getPurchaseOrder(ctx, id, false)
}

// GetPurchaseOrderForUpdate locks the order row for the current transaction.
func (s *PostgresStore) GetPurchaseOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.getPurchaseOrder(ctx, id, true)
}

func (s *PostgresStore) getPurchaseOrder(ctx context.Context, id int64, lock bool) (PurchaseOrder, error) {
	query := `SELECT ` + purchaseOrderColumns + ` FROM ` + purchaseOrderFrom + ` WHERE po.id = $1`
	if lock {
		query += ` FOR UPDATE OF po`
	}
	po, err := scanPurchaseOrder(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return PurchaseOrder{}, fmt.Errorf("get purchase order: %w", err)
	}
	items, err := s.purchaseOrderItems(ctx, []int64{po.ID})
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items = items[po.ID]
	if po.Items == nil {
		po.Items = make([]PurchaseOrderItem, 0)
	}
	return po, nil
}

func (s *PostgresStore) purchaseOrderItems(ctx context.Context, orderIDs []int64) (map[int64][]PurchaseOrderItem, error) {
	out := make(map[int64][]PurchaseOrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT i.id, i.purchase_order_id, i.product_mp_id, mp.code, mp.name, mp.unit, mp.criticite,
		       i.quantity, i.quantity_received, i.unit_price, i.tva_rate, i.total_ht
		FROM purchase_order_items i
		JOIN products_mp mp ON mp.id = i.product_mp_id
		WHERE i.purchase_order_id = ANY($1)
		ORDER BY i.purchase_order_id, i.id
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("list purchase order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.PurchaseOrderID, &item.ProductMPID, &item.ProductMPCode, &item.ProductMPName,
			&item.Unit, &item.Criticite, &item.Quantity, &item.QuantityReceived, &item.UnitPrice, &item.TVARate, &item.TotalHT); err != nil {
			return nil, fmt.Errorf("scan purchase order item: %w", err)
		}
		out[item.PurchaseOrderID] = append(out[item.PurchaseOrderID], item)
	}
	return out, rows.Err()
}

// UpdatePurchaseOrderStatus applies a guarded transition and bumps the
// version. It reports false when the status or version guard did not match.
func (s *PostgresStore) UpdatePurchaseOrderStatus(ctx context.Context, upd PurchaseOrderUpdate) (bool, error) {
	var version any
	if upd.Version > 0 {
		version = upd.Version
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE purchase_orders SET
			status = $4,
			version = version + 1,
			updated_at = $5,
			sent_at = CASE WHEN $4 = 'SENT' THEN $5 ELSE sent_at END,
			sent_by = CASE WHEN $4 = 'SENT' THEN $6 ELSE sent_by END,
			sent_via = CASE WHEN $4 = 'SENT' THEN $7 ELSE sent_via END,
			confirmed_at = CASE WHEN $4 = 'CONFIRMED' THEN $5 ELSE confirmed_at END,
			confirmed_by = CASE WHEN $4 = 'CONFIRMED' THEN $6 ELSE confirmed_by END,
			expected_delivery = COALESCE($8, expected_delivery),
			received_at = CASE WHEN $4 = 'RECEIVED' THEN $5 ELSE received_at END,
			cancelled_at = CASE WHEN $4 = 'CANCELLED' THEN $5 ELSE cancelled_at END,
			cancelled_by = CASE WHEN $4 = 'CANCELLED' THEN $6 ELSE cancelled_by END,
			cancel_reason = CASE WHEN $4 = 'CANCELLED' THEN $9 ELSE cancel_reason END
		WHERE id = $1 AND status = ANY($2) AND ($3::int IS NULL OR version = $3)
	`, upd.ID, upd.FromStatuses, version, upd.Status, upd.At, upd.UserID, stringArg(upd.SentVia),
		timeArg(upd.ExpectedDelivery), upd.CancelReason)
	if err != nil {
		return false, fmt.Errorf("update purchase order status: %w", err)
	}
	return rowsAffected(res, "update purchase order status")
}

func (s *PostgresStore) AddQuantityReceived(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE purchase_order_items SET quantity_received = quantity_received + $2 WHERE id = $1
	`, itemID, qty); err != nil {
		return fmt.Errorf("update quantity received: %w", err)
	}
	return nil
}

// AcquirePurchaseOrderLock takes the edit lock when it is free, expired, or
// already held by userID. It reports false when another user holds it.
func (s *PostgresStore) AcquirePurchaseOrderLock(ctx context.Context, id, userID int64, now, expiresAt time.Time) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE purchase_orders SET locked_by_id = $2, locked_at = $3, lock_expires_at = $4
		WHERE id = $1 AND (locked_by_id IS NULL OR locked_by_id = $2 OR lock_expires_at < $3)
	`, id, userID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire purchase order lock: %w", err)
	}
	return rowsAffected(res, "acquire purchase order lock")
}

func (s *PostgresStore) ReleasePurchaseOrderLock(ctx context.Context, id, userID int64) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE purchase_orders SET locked_by_id = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by_id = $2
	`, id, userID)
	if err != nil {
		return false, fmt.Errorf("release purchase order lock: %w", err)
	}
	return rowsAffected(res, "release purchase order lock")
}

type PurchaseOrderFilter struct {
	Status     string
	SupplierID int64
}

func (s *PostgresStore) ListPurchaseOrders(ctx context.Context, filter PurchaseOrderFilter, params pagination.CursorParams) (pagination.CursorPage[PurchaseOrder], error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("po.status = $%d", len(args)))
	}
	if filter.SupplierID > 0 {
		args = append(args, filter.SupplierID)
		where = append(where, fmt.Sprintf("po.supplier_id = $%d", len(args)))
	}
	k := pagination.Keyset{
		Select:   purchaseOrderColumns,
		From:     purchaseOrderFrom,
		IDColumn: "po.id",
		Sortable: map[string]string{
			"createdAt":        "po.created_at",
			"reference":        "po.reference",
			"expectedDelivery": "po.expected_delivery",
			"totalHT":          "po.total_ht",
		},
		Nullable:     map[string]bool{"expectedDelivery": true},
		DefaultSort:  "createdAt",
		DefaultOrder: pagination.Desc,
		Where:        where,
		Args:         args,
	}
	page, err := pagination.Fetch(ctx, s.conn(ctx), k, params, scanPurchaseOrder, purchaseOrderKey)
	if err != nil {
		return page, err
	}
	if err := s.attachItems(ctx, page.Data); err != nil {
		return page, err
	}
	return page, nil
}

func purchaseOrderKey(po PurchaseOrder, field string) (int64, any) {
	switch field {
	case "reference":
		return po.ID, po.Reference
	case "expectedDelivery":
		if po.ExpectedDelivery == nil {
			return po.ID, nil
		}
		return po.ID, *po.ExpectedDelivery
	case "totalHT":
		return po.ID, po.TotalHT
	}
	return po.ID, po.CreatedAt
}

func (s *PostgresStore) attachItems(ctx context.Context, orders []PurchaseOrder) error {
	ids := make([]int64, 0, len(orders))
	for _, po := range orders {
		ids = append(ids, po.ID)
	}
	items, err := s.purchaseOrderItems(ctx, ids)
	if err != nil {
		return err
	}
	for i := range orders {
		if list, ok := items[orders[i].ID]; ok {
			orders[i].Items = list
		}
	}
	return nil
}

// ActivePurchaseOrders returns SENT, CONFIRMED and PARTIAL orders with items.
func (s *PostgresStore) ActivePurchaseOrders(ctx context.Context) ([]PurchaseOrder, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+purchaseOrderColumns+` FROM `+purchaseOrderFrom+`
		WHERE po.status IN ('SENT', 'CONFIRMED', 'PARTIAL')
		ORDER BY po.expected_delivery ASC NULLS LAST, po.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active purchase orders: %w", err)
	}
	defer rows.Close()

	orders := make([]PurchaseOrder, 0)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase order: %w", err)
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *PostgresStore) CountPurchaseOrdersByStatus(ctx context.Context, statuses []string) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE status = ANY($1)`, statuses).Scan(&count); err != nil {
		return 0, fmt.Errorf("count purchase orders: %w", err)
	}
	return count, nil
}
