package store

import (
	"context"
	"database/sql"
	"fmt"

	"manchengo/api/internal/pagination"
)

const productionOrderColumns = `o.id, o.reference, o.product_pf_id, pf.code, pf.name, o.recipe_id, o.batch_count,
	o.target_quantity, o.quantity_produced, o.yield_percentage, o.status, o.scheduled_date, o.notes,
	o.started_at, o.started_by, o.completed_at, o.completed_by, o.cancelled_at, o.cancelled_by, o.cancel_reason,
	o.output_lot_id, o.created_by, o.created_at, o.updated_at`

const productionOrderFrom = `production_orders o JOIN products_pf pf ON pf.id = o.product_pf_id`

func scanProductionOrder(row pagination.Scanner) (ProductionOrder, error) {
	var o ProductionOrder
	var startedBy, completedBy, cancelledBy, outputLot sql.NullInt64
	var scheduled, startedAt, completedAt, cancelledAt sql.NullTime
	if err := row.Scan(&o.ID, &o.Reference, &o.ProductPFID, &o.ProductPFCode, &o.ProductPFName, &o.RecipeID, &o.BatchCount,
		&o.TargetQuantity, &o.QuantityProduced, &o.YieldPercentage, &o.Status, &scheduled, &o.Notes,
		&startedAt, &startedBy, &completedAt, &completedBy, &cancelledAt, &cancelledBy, &o.CancelReason,
		&outputLot, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ProductionOrder{}, err
	}
	o.ScheduledDate = nullTimePtr(scheduled)
	o.StartedAt = nullTimePtr(startedAt)
	o.StartedBy = nullInt64Ptr(startedBy)
	o.CompletedAt = nullTimePtr(completedAt)
	o.CompletedBy = nullInt64Ptr(completedBy)
	o.CancelledAt = nullTimePtr(cancelledAt)
	o.CancelledBy = nullInt64Ptr(cancelledBy)
	o.OutputLotID = nullInt64Ptr(outputLot)
	return o, nil
}

func (s *PostgresStore) InsertProductionOrder(ctx context.Context, o ProductionOrder) (ProductionOrder, error) {
	var id int64
	if err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO production_orders (reference, product_pf_id, recipe_id, batch_count, target_quantity, status,
			scheduled_date, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id
	`, o.Reference, o.ProductPFID, o.RecipeID, o.BatchCount, o.TargetQuantity, o.Status,
		timeArg(o.ScheduledDate), o.Notes, o.CreatedBy).Scan(&id); err != nil {
		return ProductionOrder{}, fmt.Errorf("insert production order: %w", err)
	}
	return s.GetProductionOrder(ctx, id)
}

func (s *PostgresStore) GetProductionOrder(ctx context.Context, id int64) (ProductionOrder, error) {
	return s.getProductionOrder(ctx, id, false)
}

func (s *PostgresStore) GetProductionOrderForUpdate(ctx context.Context, id int64) (ProductionOrder, error) {
	return s.getProductionOrder(ctx, id, true)
}

func (s *PostgresStore) getProductionOrder(ctx context.Context, id int64, lock bool) (ProductionOrder, error) {
	query := `SELECT ` + productionOrderColumns + ` FROM ` + productionOrderFrom + ` WHERE o.id = $1`
	if lock {
		query += ` FOR UPDATE OF o`
	}
	o, err := scanProductionOrder(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return ProductionOrder{}, fmt.Errorf("get production order: %w", err)
	}
	return o, nil
}

// UpdateProductionOrderStatus applies a transition guarded by the current status.
func (s *PostgresStore) UpdateProductionOrderStatus(ctx context.Context, upd ProductionOrderUpdate) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE production_orders SET
			status = $3,
			updated_at = $4,
			started_at = CASE WHEN $3 = 'IN_PROGRESS' THEN $4 ELSE started_at END,
			started_by = CASE WHEN $3 = 'IN_PROGRESS' THEN $5 ELSE started_by END,
			completed_at = CASE WHEN $3 = 'COMPLETED' THEN $4 ELSE completed_at END,
			completed_by = CASE WHEN $3 = 'COMPLETED' THEN $5 ELSE completed_by END,
			quantity_produced = COALESCE($6, quantity_produced),
			yield_percentage = COALESCE($7, yield_percentage),
			output_lot_id = COALESCE($8, output_lot_id),
			cancelled_at = CASE WHEN $3 = 'CANCELLED' THEN $4 ELSE cancelled_at END,
			cancelled_by = CASE WHEN $3 = 'CANCELLED' THEN $5 ELSE cancelled_by END,
			cancel_reason = CASE WHEN $3 = 'CANCELLED' THEN $9 ELSE cancel_reason END
		WHERE id = $1 AND status = ANY($2)
	`, upd.ID, upd.FromStatuses, upd.Status, upd.At, upd.UserID, upd.QuantityProduced, upd.YieldPercentage,
		int64Arg(upd.OutputLotID), upd.CancelReason)
	if err != nil {
		return false, fmt.Errorf("update production order status: %w", err)
	}
	return rowsAffected(res, "update production order status")
}

func (s *PostgresStore) InsertConsumption(ctx context.Context, c ProductionConsumption) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO production_consumptions (production_order_id, product_mp_id, lot_id, quantity_planned, quantity_consumed, unit_cost)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ProductionOrderID, c.ProductMPID, c.LotID, c.QuantityPlanned, c.QuantityConsumed, c.UnitCost); err != nil {
		return fmt.Errorf("insert consumption: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConsumptions(ctx context.Context, orderID int64) ([]ProductionConsumption, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT c.id, c.production_order_id, c.product_mp_id, c.lot_id, l.lot_number, c.quantity_planned,
		       c.quantity_consumed, c.unit_cost, c.is_reversed, c.created_at
		FROM production_consumptions c
		JOIN lots l ON l.id = c.lot_id
		WHERE c.production_order_id = $1
		ORDER BY c.id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list consumptions: %w", err)
	}
	defer rows.Close()

	out := make([]ProductionConsumption, 0)
	for rows.Next() {
		var c ProductionConsumption
		if err := rows.Scan(&c.ID, &c.ProductionOrderID, &c.ProductMPID, &c.LotID, &c.LotNumber, &c.QuantityPlanned,
			&c.QuantityConsumed, &c.UnitCost, &c.IsReversed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consumption: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkConsumptionReversed(ctx context.Context, id int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `UPDATE production_consumptions SET is_reversed = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("reverse consumption: %w", err)
	}
	return nil
}

type ProductionOrderFilter struct {
	Status      string
	ProductPFID int64
}

func (s *PostgresStore) ListProductionOrders(ctx context.Context, filter ProductionOrderFilter, params pagination.CursorParams) (pagination.CursorPage[ProductionOrder], error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("o.status = $%d", len(args)))
	}
	if filter.ProductPFID > 0 {
		args = append(args, filter.ProductPFID)
		where = append(where, fmt.Sprintf("o.product_pf_id = $%d", len(args)))
	}
	k := pagination.Keyset{
		Select:   productionOrderColumns,
		From:     productionOrderFrom,
		IDColumn: "o.id",
		Sortable: map[string]string{
			"createdAt":     "o.created_at",
			"reference":     "o.reference",
			"scheduledDate": "o.scheduled_date",
		},
		Nullable:     map[string]bool{"scheduledDate": true},
		DefaultSort:  "createdAt",
		DefaultOrder: pagination.Desc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanProductionOrder, func(o ProductionOrder, field string) (int64, any) {
		switch field {
		case "reference":
			return o.ID, o.Reference
		case "scheduledDate":
			if o.ScheduledDate == nil {
				return o.ID, nil
			}
			return o.ID, *o.ScheduledDate
		}
		return o.ID, o.CreatedAt
	})
}
