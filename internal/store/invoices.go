package store

import (
	"context"
	"fmt"
	"time"

	"manchengo/api/internal/pagination"
)

const invoiceColumns = `i.id, i.reference, i.client_id, c.name, c.nif, c.address, i.invoice_date, i.payment_method,
	i.total_ht, i.total_tva, i.total_ttc, i.timbre_rate, i.timbre_fiscal, i.net_to_pay, i.status,
	i.created_by, i.created_at, i.updated_at`

const invoiceFrom = `invoices i JOIN clients c ON c.id = i.client_id`

func scanInvoice(row pagination.Scanner) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Reference, &inv.ClientID, &inv.ClientName, &inv.ClientNIF, &inv.ClientAddress,
		&inv.InvoiceDate, &inv.PaymentMethod, &inv.TotalHT, &inv.TotalTVA, &inv.TotalTTC, &inv.TimbreRate,
		&inv.TimbreFiscal, &inv.NetToPay, &inv.Status, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	inv.Lines = make([]InvoiceLine, 0)
	return inv, err
}

func (s *PostgresStore) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	var id int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := q.QueryRowContext(ctx, `
			INSERT INTO invoices (reference, client_id, invoice_date, payment_method, total_ht, total_tva, total_ttc,
				timbre_rate, timbre_fiscal, net_to_pay, status, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id
		`, inv.Reference, inv.ClientID, inv.InvoiceDate, inv.PaymentMethod, inv.TotalHT, inv.TotalTVA, inv.TotalTTC,
			inv.TimbreRate, inv.TimbreFiscal, inv.NetToPay, inv.Status, inv.CreatedBy).Scan(&id); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		for _, line := range inv.Lines {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO invoice_lines (invoice_id, product_pf_id, quantity, unit_price_ht, line_ht)
				VALUES ($1, $2, $3, $4, $5)
			`, id, line.ProductPFID, line.Quantity, line.UnitPriceHT, line.LineHT); err != nil {
				return fmt.Errorf("insert invoice line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return s.GetInvoice(ctx, id)
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(s.conn(ctx).QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM `+invoiceFrom+` WHERE i.id = $1`, id))
	if err != nil {
		return Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT l.id, l.invoice_id, l.product_pf_id, pf.code, pf.name, l.quantity, l.unit_price_ht, l.line_ht
		FROM invoice_lines l JOIN products_pf pf ON pf.id = l.product_pf_id
		WHERE l.invoice_id = $1 ORDER BY l.id
	`, id)
	if err != nil {
		return Invoice{}, fmt.Errorf("list invoice lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.ProductPFID, &line.ProductPFCode, &line.ProductPFName,
			&line.Quantity, &line.UnitPriceHT, &line.LineHT); err != nil {
			return Invoice{}, fmt.Errorf("scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

func (s *PostgresStore) UpdateInvoiceStatus(ctx context.Context, id int64, from, to string, at time.Time) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE invoices SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("update invoice status: %w", err)
	}
	return rowsAffected(res, "update invoice status")
}

// UpdateDraftInvoice writes client, payment method and totals of a DRAFT
// invoice. With replaceLines the stored lines are swapped for inv.Lines. It
// reports false when the invoice is no longer DRAFT.
func (s *PostgresStore) UpdateDraftInvoice(ctx context.Context, inv Invoice, replaceLines bool) (bool, error) {
	var ok bool
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		res, err := q.ExecContext(ctx, `
			UPDATE invoices SET client_id = $2, payment_method = $3, total_ht = $4, total_tva = $5, total_ttc = $6,
				timbre_rate = $7, timbre_fiscal = $8, net_to_pay = $9, updated_at = $10
			WHERE id = $1 AND status = 'DRAFT'
		`, inv.ID, inv.ClientID, inv.PaymentMethod, inv.TotalHT, inv.TotalTVA, inv.TotalTTC,
			inv.TimbreRate, inv.TimbreFiscal, inv.NetToPay, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if ok, err = rowsAffected(res, "update invoice"); err != nil || !ok || !replaceLines {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, inv.ID); err != nil {
			return fmt.Errorf("delete invoice lines: %w", err)
		}
		for _, line := range inv.Lines {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO invoice_lines (invoice_id, product_pf_id, quantity, unit_price_ht, line_ht)
				VALUES ($1, $2, $3, $4, $5)
			`, inv.ID, line.ProductPFID, line.Quantity, line.UnitPriceHT, line.LineHT); err != nil {
				return fmt.Errorf("insert invoice line: %w", err)
			}
		}
		return nil
	})
	return ok, err
}

type InvoiceFilter struct {
	Status        string
	ClientID      int64
	PaymentMethod string
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter InvoiceFilter, params pagination.CursorParams) (pagination.CursorPage[Invoice], error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if filter.ClientID > 0 {
		args = append(args, filter.ClientID)
		where = append(where, fmt.Sprintf("i.client_id = $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, filter.PaymentMethod)
		where = append(where, fmt.Sprintf("i.payment_method = $%d", len(args)))
	}
	k := pagination.Keyset{
		Select:   invoiceColumns,
		From:     invoiceFrom,
		IDColumn: "i.id",
		Sortable: map[string]string{
			"invoiceDate": "i.invoice_date",
			"reference":   "i.reference",
			"totalTTC":    "i.total_ttc",
			"createdAt":   "i.created_at",
		},
		DefaultSort:  "invoiceDate",
		DefaultOrder: pagination.Desc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanInvoice, func(inv Invoice, field string) (int64, any) {
		switch field {
		case "reference":
			return inv.ID, inv.Reference
		case "totalTTC":
			return inv.ID, inv.TotalTTC
		case "createdAt":
			return inv.ID, inv.CreatedAt
		}
		return inv.ID, inv.InvoiceDate
	})
}

// FiscalStats sums non-cancelled invoices dated within [from, to).
func (s *PostgresStore) FiscalStats(ctx context.Context, from, to time.Time) (FiscalStats, error) {
	var stats FiscalStats
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_ttc), 0), COALESCE(SUM(total_tva), 0), COALESCE(SUM(timbre_fiscal), 0),
		       COALESCE(SUM(total_ttc) FILTER (WHERE payment_method = 'ESPECES'), 0)
		FROM invoices
		WHERE status <> 'CANCELLED' AND invoice_date >= $1 AND invoice_date < $2
	`, from, to).Scan(&stats.InvoiceCount, &stats.TotalTTC, &stats.TotalTVA, &stats.TotalTimbre, &stats.CashTTC); err != nil {
		return FiscalStats{}, fmt.Errorf("fiscal stats: %w", err)
	}
	return stats, nil
}

// CashInvoicesWithoutStamp lists cash invoices since the given time that
// carry no stamp duty.
func (s *PostgresStore) CashInvoicesWithoutStamp(ctx context.Context, since time.Time) ([]Invoice, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM `+invoiceFrom+`
		WHERE i.payment_method = 'ESPECES' AND i.timbre_fiscal = 0 AND i.status <> 'CANCELLED'
		  AND i.invoice_date >= $1
		ORDER BY i.invoice_date DESC, i.id DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("cash invoices without stamp: %w", err)
	}
	defer rows.Close()
	out := make([]Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
