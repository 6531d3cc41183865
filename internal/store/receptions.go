package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	ReceptionDraft     = "DRAFT"
	ReceptionValidated = "VALIDATED"

	ReceptionSourcePurchaseOrder = "PURCHASE_ORDER"
	ReceptionSourceDemande       = "DEMANDE_MP"
)

// InsertReception writes a reception header and its lines.
func (s *PostgresStore) InsertReception(ctx context.Context, r Reception) (Reception, error) {
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := q.QueryRowContext(ctx, `
			INSERT INTO receptions (reference, supplier_id, purchase_order_id, demande_id, source, status, bl_number,
				reception_date, created_by, validated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at
		`, r.Reference, int64Arg(r.SupplierID), int64Arg(r.PurchaseOrderID), int64Arg(r.DemandeID), r.Source, r.Status,
			r.BLNumber, r.ReceptionDate, r.CreatedBy, timeArg(r.ValidatedAt)).Scan(&r.ID, &r.CreatedAt); err != nil {
			return fmt.Errorf("insert reception: %w", err)
		}
		for i := range r.Lines {
			line := &r.Lines[i]
			line.ReceptionID = r.ID
			if err := q.QueryRowContext(ctx, `
				INSERT INTO reception_lines (reception_id, product_mp_id, purchase_order_item_id, lot_id, quantity, unit_price, tva_rate)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, r.ID, line.ProductMPID, int64Arg(line.PurchaseOrderItemID), int64Arg(line.LotID), line.Quantity,
				line.UnitPrice, line.TVARate).Scan(&line.ID); err != nil {
				return fmt.Errorf("insert reception line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Reception{}, err
	}
	return r, nil
}

const receptionColumns = `id, reference, supplier_id, purchase_order_id, demande_id, source, status, bl_number,
	reception_date, created_by, validated_at, created_at`

func (s *PostgresStore) GetReception(ctx context.Context, id int64) (Reception, error) {
	return s.getReception(ctx, id, false)
}

func (s *PostgresStore) GetReceptionForUpdate(ctx context.Context, id int64) (Reception, error) {
	return s.getReception(ctx, id, true)
}

func (s *PostgresStore) getReception(ctx context.Context, id int64, lock bool) (Reception, error) {
	query := `SELECT ` + receptionColumns + ` FROM receptions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var r Reception
	var supplierID, orderID, demandeID sql.NullInt64
	var validatedAt sql.NullTime
	if err := s.conn(ctx).QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Reference, &supplierID, &orderID, &demandeID,
		&r.Source, &r.Status, &r.BLNumber, &r.ReceptionDate, &r.CreatedBy, &validatedAt, &r.CreatedAt); err != nil {
		return Reception{}, fmt.Errorf("get reception: %w", err)
	}
	r.SupplierID = nullInt64Ptr(supplierID)
	r.PurchaseOrderID = nullInt64Ptr(orderID)
	r.DemandeID = nullInt64Ptr(demandeID)
	r.ValidatedAt = nullTimePtr(validatedAt)

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, reception_id, product_mp_id, purchase_order_item_id, lot_id, quantity, unit_price, tva_rate
		FROM reception_lines WHERE reception_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return Reception{}, fmt.Errorf("list reception lines: %w", err)
	}
	defer rows.Close()
	r.Lines = make([]ReceptionLine, 0)
	for rows.Next() {
		var line ReceptionLine
		var itemID, lotID sql.NullInt64
		if err := rows.Scan(&line.ID, &line.ReceptionID, &line.ProductMPID, &itemID, &lotID, &line.Quantity,
			&line.UnitPrice, &line.TVARate); err != nil {
			return Reception{}, fmt.Errorf("scan reception line: %w", err)
		}
		line.PurchaseOrderItemID = nullInt64Ptr(itemID)
		line.LotID = nullInt64Ptr(lotID)
		r.Lines = append(r.Lines, line)
	}
	return r, rows.Err()
}

// MarkReceptionValidated links each line to its lot and flips the header.
func (s *PostgresStore) MarkReceptionValidated(ctx context.Context, id int64, lineLots map[int64]int64, at time.Time) (bool, error) {
	q := s.conn(ctx)
	res, err := q.ExecContext(ctx, `
		UPDATE receptions SET status = 'VALIDATED', validated_at = $2 WHERE id = $1 AND status = 'DRAFT'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("validate reception: %w", err)
	}
	ok, err := rowsAffected(res, "validate reception")
	if err != nil || !ok {
		return ok, err
	}
	for lineID, lotID := range lineLots {
		if _, err := q.ExecContext(ctx, `UPDATE reception_lines SET lot_id = $2 WHERE id = $1`, lineID, lotID); err != nil {
			return false, fmt.Errorf("link reception line lot: %w", err)
		}
	}
	return true, nil
}
