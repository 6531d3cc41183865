package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"manchengo/api/internal/pagination"
	"manchengo/api/internal/stock"

	"github.com/shopspring/decimal"
)

const (
	ProductTypeMP = "MP"
	ProductTypePF = "PF"

	MovementIn  = "IN"
	MovementOut = "OUT"
)

const lotColumns = `l.id, l.product_type, l.product_id, l.lot_number, l.initial_quantity, l.quantity_remaining,
	l.unit_cost, l.manufacture_date, l.expiry_date, l.status, l.supplier_id, l.reception_id,
	l.production_order_id, l.created_at`

func scanLot(row pagination.Scanner) (Lot, error) {
	var lot Lot
	var manufactured, expiry sql.NullTime
	var supplierID, receptionID, orderID sql.NullInt64
	if err := row.Scan(&lot.ID, &lot.ProductType, &lot.ProductID, &lot.LotNumber, &lot.InitialQuantity, &lot.QuantityRemaining,
		&lot.UnitCost, &manufactured, &expiry, &lot.Status, &supplierID, &receptionID,
		&orderID, &lot.CreatedAt); err != nil {
		return Lot{}, err
	}
	lot.ManufactureDate = nullTimePtr(manufactured)
	lot.ExpiryDate = nullTimePtr(expiry)
	lot.SupplierID = nullInt64Ptr(supplierID)
	lot.ReceptionID = nullInt64Ptr(receptionID)
	lot.ProductionOrderID = nullInt64Ptr(orderID)
	return lot, nil
}

func (s *PostgresStore) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	if lot.Status == "" {
		lot.Status = string(stock.LotAvailable)
	}
	row := s.conn(ctx).QueryRowContext(ctx, `
		WITH l AS (
			INSERT INTO lots (product_type, product_id, lot_number, initial_quantity, quantity_remaining, unit_cost,
				manufacture_date, expiry_date, status, supplier_id, reception_id, production_order_id)
			VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING *
		)
		SELECT `+lotColumns+` FROM l`,
		lot.ProductType, lot.ProductID, lot.LotNumber, lot.InitialQuantity, lot.UnitCost,
		timeArg(lot.ManufactureDate), timeArg(lot.ExpiryDate), lot.Status, int64Arg(lot.SupplierID),
		int64Arg(lot.ReceptionID), int64Arg(lot.ProductionOrderID))
	out, err := scanLot(row)
	if err != nil {
		return Lot{}, fmt.Errorf("insert lot: %w", err)
	}
	return out, nil
}

// LotFilter selects lots for the stock listing.
type LotFilter struct {
	ProductType string
	ProductID   int64
	Status      string
}

func (s *PostgresStore) ListLots(ctx context.Context, filter LotFilter, params pagination.CursorParams) (pagination.CursorPage[Lot], error) {
	var where []string
	var args []any
	if filter.ProductType != "" {
		args = append(args, filter.ProductType)
		where = append(where, fmt.Sprintf("l.product_type = $%d", len(args)))
	}
	if filter.ProductID > 0 {
		args = append(args, filter.ProductID)
		where = append(where, fmt.Sprintf("l.product_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("l.status = $%d", len(args)))
	}
	k := pagination.Keyset{
		Select:       lotColumns,
		From:         "lots l",
		IDColumn:     "l.id",
		Sortable:     map[string]string{"createdAt": "l.created_at", "lotNumber": "l.lot_number", "id": "l.id"},
		DefaultSort:  "createdAt",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanLot, func(item Lot, field string) (int64, any) {
		switch field {
		case "lotNumber":
			return item.ID, item.LotNumber
		case "id":
			return item.ID, item.ID
		}
		return item.ID, item.CreatedAt
	})
}

// AvailableLots returns the AVAILABLE lots of a product in FIFO order. With
// lock set, rows are locked FOR UPDATE and rows locked by another
// transaction are skipped.
func (s *PostgresStore) AvailableLots(ctx context.Context, productType string, productID int64, lock bool) ([]stock.Lot, error) {
	query := `
		SELECT id, lot_number, quantity_remaining, unit_cost, created_at, expiry_date
		FROM lots
		WHERE product_type = $1 AND product_id = $2 AND status = 'AVAILABLE' AND quantity_remaining > 0
		ORDER BY created_at ASC, expiry_date ASC NULLS LAST, id ASC`
	if lock {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := s.conn(ctx).QueryContext(ctx, query, productType, productID)
	if err != nil {
		return nil, fmt.Errorf("list available lots: %w", err)
	}
	defer rows.Close()

	lots := make([]stock.Lot, 0)
	for rows.Next() {
		var lot stock.Lot
		var expiry sql.NullTime
		if err := rows.Scan(&lot.ID, &lot.LotNumber, &lot.Quantity, &lot.UnitCost, &lot.CreatedAt, &expiry); err != nil {
			return nil, fmt.Errorf("scan available lot: %w", err)
		}
		lot.ExpiryDate = nullTimePtr(expiry)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// InsertStockMovement writes a movement. With an idempotency key already
// present it writes nothing and reports false.
func (s *PostgresStore) InsertStockMovement(ctx context.Context, m StockMovement) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock_movements (movement_type, origin, product_type, product_id, lot_id, quantity, unit_cost,
			reference_type, reference_id, reference, idempotency_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, m.MovementType, m.Origin, m.ProductType, m.ProductID, int64Arg(m.LotID), m.Quantity, m.UnitCost,
		m.ReferenceType, int64Arg(m.ReferenceID), m.Reference, stringArg(m.IdempotencyKey), int64Arg(m.CreatedBy))
	if err != nil {
		return false, fmt.Errorf("insert stock movement: %w", err)
	}
	return rowsAffected(res, "insert stock movement")
}

// ConsumeRequest describes a FIFO consumption of one product.
type ConsumeRequest struct {
	ProductType    string
	ProductID      int64
	Quantity       decimal.Decimal
	Origin         string
	ReferenceType  string
	ReferenceID    int64
	Reference      string
	IdempotencyKey string
	UserID         int64
}

// ConsumeFIFO allocates the request over the product's lots, oldest first,
// and writes one OUT movement per lot keyed {IdempotencyKey}-LOT-{lotID}.
// When movements for the key already exist the earlier allocation is
// returned and nothing is consumed again. It must run inside RunSerializable.
func (s *PostgresStore) ConsumeFIFO(ctx context.Context, req ConsumeRequest) (stock.Allocation, bool, error) {
	if req.IdempotencyKey != "" {
		previous, err := s.movementsByKeyPrefix(ctx, req.IdempotencyKey+"-LOT-")
		if err != nil {
			return stock.Allocation{}, false, err
		}
		if len(previous.Lots) > 0 {
			previous.Requested = req.Quantity
			return previous, true, nil
		}
	}

	lots, err := s.AvailableLots(ctx, req.ProductType, req.ProductID, true)
	if err != nil {
		return stock.Allocation{}, false, err
	}
	allocation, err := stock.AllocateFIFO(lots, req.Quantity)
	if err != nil {
		return allocation, false, err
	}

	q := s.conn(ctx)
	for _, part := range allocation.Lots {
		if _, err := q.ExecContext(ctx, `
			UPDATE lots SET quantity_remaining = $2, status = $3 WHERE id = $1
		`, part.LotID, part.Remaining, string(part.NewStatus)); err != nil {
			return stock.Allocation{}, false, fmt.Errorf("update lot %d: %w", part.LotID, err)
		}
		lotID := part.LotID
		refID := req.ReferenceID
		userID := req.UserID
		movement := StockMovement{
			MovementType:  MovementOut,
			Origin:        req.Origin,
			ProductType:   req.ProductType,
			ProductID:     req.ProductID,
			LotID:         &lotID,
			Quantity:      part.Quantity,
			UnitCost:      part.UnitCost,
			ReferenceType: req.ReferenceType,
			ReferenceID:   &refID,
			Reference:     req.Reference,
			CreatedBy:     &userID,
		}
		if req.IdempotencyKey != "" {
			movement.IdempotencyKey = fmt.Sprintf("%s-LOT-%d", req.IdempotencyKey, part.LotID)
		}
		if _, err := s.InsertStockMovement(ctx, movement); err != nil {
			return stock.Allocation{}, false, err
		}
	}
	return allocation, false, nil
}

func (s *PostgresStore) movementsByKeyPrefix(ctx context.Context, prefix string) (stock.Allocation, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT m.lot_id, l.lot_number, m.quantity, l.quantity_remaining, m.unit_cost, l.expiry_date, l.status
		FROM stock_movements m
		JOIN lots l ON l.id = m.lot_id
		WHERE m.idempotency_key LIKE $1 AND NOT m.is_deleted
		ORDER BY m.id
	`, prefix+"%")
	if err != nil {
		return stock.Allocation{}, fmt.Errorf("load prior consumption: %w", err)
	}
	defer rows.Close()

	out := stock.Allocation{Allocated: decimal.Zero, Available: decimal.Zero, Shortage: decimal.Zero, Sufficient: true, Lots: make([]stock.LotAllocation, 0)}
	for rows.Next() {
		var part stock.LotAllocation
		var expiry sql.NullTime
		var status string
		if err := rows.Scan(&part.LotID, &part.LotNumber, &part.Quantity, &part.Remaining, &part.UnitCost, &expiry, &status); err != nil {
			return stock.Allocation{}, fmt.Errorf("scan prior consumption: %w", err)
		}
		part.ExpiryDate = nullTimePtr(expiry)
		part.NewStatus = stock.LotStatus(status)
		out.Allocated = out.Allocated.Add(part.Quantity)
		out.Lots = append(out.Lots, part)
	}
	return out, rows.Err()
}

// RestoreLot puts qty back into a lot and makes it available again.
func (s *PostgresStore) RestoreLot(ctx context.Context, lotID int64, qty decimal.Decimal) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE lots SET quantity_remaining = quantity_remaining + $2, status = 'AVAILABLE' WHERE id = $1
	`, lotID, qty); err != nil {
		return fmt.Errorf("restore lot %d: %w", lotID, err)
	}
	return nil
}

// stockExpr derives quantities from movements; stock is never stored.
const stockExpr = `COALESCE((
	SELECT SUM(CASE WHEN m.movement_type = 'IN' THEN m.quantity ELSE -m.quantity END)
	FROM stock_movements m
	WHERE m.product_type = %s AND m.product_id = %s AND NOT m.is_deleted
), 0)`

// CurrentStock returns the movement-derived stock of the given products.
func (s *PostgresStore) CurrentStock(ctx context.Context, productType string, ids []int64) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT product_id, SUM(CASE WHEN movement_type = 'IN' THEN quantity ELSE -quantity END)
		FROM stock_movements
		WHERE product_type = $1 AND product_id = ANY($2) AND NOT is_deleted
		GROUP BY product_id
	`, productType, ids)
	if err != nil {
		return nil, fmt.Errorf("current stock: %w", err)
	}
	defer rows.Close()
	for _, id := range ids {
		out[id] = decimal.Zero
	}
	for rows.Next() {
		var id int64
		var qty decimal.Decimal
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, fmt.Errorf("scan current stock: %w", err)
		}
		out[id] = qty
	}
	return out, rows.Err()
}

// LowStock lists active products whose derived stock is at or below minStock.
func (s *PostgresStore) LowStock(ctx context.Context, productType string) ([]StockLevel, error) {
	table := "products_mp"
	if productType == ProductTypePF {
		table = "products_pf"
	}
	query := fmt.Sprintf(`
		SELECT id, code, name, min_stock, qty FROM (
			SELECT p.id, p.code, p.name, p.min_stock, `+fmt.Sprintf(stockExpr, "'"+productType+"'", "p.id")+` AS qty
			FROM %s p WHERE p.is_active
		) levels
		WHERE qty <= min_stock
		ORDER BY qty ASC, code ASC`, table)
	rows, err := s.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("low stock %s: %w", productType, err)
	}
	defer rows.Close()

	levels := make([]StockLevel, 0)
	for rows.Next() {
		level := StockLevel{ProductType: productType}
		if err := rows.Scan(&level.ProductID, &level.Code, &level.Name, &level.MinStock, &level.Quantity); err != nil {
			return nil, fmt.Errorf("scan low stock: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ExpiringLots lists available lots that expire before the given time.
func (s *PostgresStore) ExpiringLots(ctx context.Context, before time.Time) ([]ExpiringLot, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+lotColumns+`, COALESCE(mp.code, pf.code, ''), COALESCE(mp.name, pf.name, '')
		FROM lots l
		LEFT JOIN products_mp mp ON l.product_type = 'MP' AND mp.id = l.product_id
		LEFT JOIN products_pf pf ON l.product_type = 'PF' AND pf.id = l.product_id
		WHERE l.status = 'AVAILABLE' AND l.quantity_remaining > 0
		  AND l.expiry_date IS NOT NULL AND l.expiry_date <= $1
		ORDER BY l.expiry_date ASC, l.id ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("expiring lots: %w", err)
	}
	defer rows.Close()

	lots := make([]ExpiringLot, 0)
	for rows.Next() {
		var item ExpiringLot
		var manufactured, expiry sql.NullTime
		var supplierID, receptionID, orderID sql.NullInt64
		if err := rows.Scan(&item.ID, &item.ProductType, &item.ProductID, &item.LotNumber, &item.InitialQuantity,
			&item.QuantityRemaining, &item.UnitCost, &manufactured, &expiry, &item.Status, &supplierID,
			&receptionID, &orderID, &item.CreatedAt, &item.ProductCode, &item.ProductName); err != nil {
			return nil, fmt.Errorf("scan expiring lot: %w", err)
		}
		item.ManufactureDate = nullTimePtr(manufactured)
		item.ExpiryDate = nullTimePtr(expiry)
		item.SupplierID = nullInt64Ptr(supplierID)
		item.ReceptionID = nullInt64Ptr(receptionID)
		item.ProductionOrderID = nullInt64Ptr(orderID)
		lots = append(lots, item)
	}
	return lots, rows.Err()
}

// CountZeroStockMP counts active raw materials with no stock left.
func (s *PostgresStore) CountZeroStockMP(ctx context.Context) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM products_mp p
		WHERE p.is_active AND `+fmt.Sprintf(stockExpr, "'MP'", "p.id")+` <= 0
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count zero stock: %w", err)
	}
	return count, nil
}

// MPStockRows loads every active raw material with its derived stock, the
// number of active recipes using it, and whether an open BC covers it.
func (s *PostgresStore) MPStockRows(ctx context.Context) ([]MPStockRow, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+productMPColumns+`,
			`+fmt.Sprintf(stockExpr, "'MP'", "p.id")+` AS stock,
			(SELECT COUNT(DISTINCT ri.recipe_id) FROM recipe_items ri JOIN recipes r ON r.id = ri.recipe_id
			 WHERE r.is_active AND ri.product_mp_id = p.id),
			COALESCE(s.name, ''),
			EXISTS(SELECT 1 FROM purchase_order_items poi JOIN purchase_orders po ON po.id = poi.purchase_order_id
			       WHERE poi.product_mp_id = p.id AND po.status IN ('DRAFT', 'SENT', 'CONFIRMED', 'PARTIAL'))
		FROM products_mp p
		LEFT JOIN suppliers s ON s.id = p.main_supplier_id
		WHERE p.is_active
		ORDER BY p.code
	`)
	if err != nil {
		return nil, fmt.Errorf("mp stock rows: %w", err)
	}
	defer rows.Close()

	out := make([]MPStockRow, 0)
	for rows.Next() {
		var row MPStockRow
		var supplierID sql.NullInt64
		p := &row.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Category, &p.MinStock, &p.SeuilSecurite, &p.SeuilCommande,
			&p.LeadTimeDays, &p.Criticite, &p.ConsommationMoyJour, &supplierID, &p.DefaultTVARate,
			&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
			&row.Stock, &row.ActiveRecipes, &row.MainSupplierName, &row.OpenPurchaseOrder); err != nil {
			return nil, fmt.Errorf("scan mp stock row: %w", err)
		}
		p.MainSupplierID = nullInt64Ptr(supplierID)
		out = append(out, row)
	}
	return out, rows.Err()
}
