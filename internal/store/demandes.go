package store

import (
	"context"
	"database/sql"
	"fmt"

	"manchengo/api/internal/pagination"

	"github.com/shopspring/decimal"
)

const demandeColumns = `d.id, d.reference, d.status, d.priority, d.commentaire, d.motif_rejet, d.created_by,
	TRIM(cu.first_name || ' ' || cu.last_name), d.validated_by, COALESCE(TRIM(vu.first_name || ' ' || vu.last_name), ''),
	d.validated_at, d.rejected_at, r.id, d.created_at, d.updated_at`

const demandeFrom = `demandes_mp d
	JOIN users cu ON cu.id = d.created_by
	LEFT JOIN users vu ON vu.id = d.validated_by
	LEFT JOIN receptions r ON r.demande_id = d.id`

func scanDemande(row pagination.Scanner) (Demande, error) {
	var d Demande
	var validatedBy, receptionID sql.NullInt64
	var validatedAt, rejectedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.Reference, &d.Status, &d.Priority, &d.Commentaire, &d.MotifRejet, &d.CreatedBy,
		&d.CreatedByName, &validatedBy, &d.ValidatedByName, &validatedAt, &rejectedAt, &receptionID,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return Demande{}, err
	}
	d.ValidatedBy = nullInt64Ptr(validatedBy)
	d.ValidatedAt = nullTimePtr(validatedAt)
	d.RejectedAt = nullTimePtr(rejectedAt)
	d.ReceptionID = nullInt64Ptr(receptionID)
	d.Lines = make([]DemandeLine, 0)
	return d, nil
}

func (s *PostgresStore) InsertDemande(ctx context.Context, d Demande) (Demande, error) {
	var id int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).QueryRowContext(ctx, `
			INSERT INTO demandes_mp (reference, status, priority, commentaire, created_by)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, d.Reference, d.Status, d.Priority, d.Commentaire, d.CreatedBy).Scan(&id); err != nil {
			return fmt.Errorf("insert demande: %w", err)
		}
		return s.insertDemandeLines(ctx, id, d.Lines)
	})
	if err != nil {
		return Demande{}, err
	}
	return s.GetDemande(ctx, id)
}

func (s *PostgresStore) insertDemandeLines(ctx context.Context, demandeID int64, lines []DemandeLine) error {
	for _, line := range lines {
		if _, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO demande_mp_lines (demande_id, product_mp_id, quantite_demandee, commentaire)
			VALUES ($1, $2, $3, $4)
		`, demandeID, line.ProductMPID, line.QuantiteDemandee, line.Commentaire); err != nil {
			return fmt.Errorf("insert demande line: %w", err)
		}
	}
	return nil
}

// ReplaceDemande rewrites a draft's header fields and lines.
func (s *PostgresStore) ReplaceDemande(ctx context.Context, d Demande) (Demande, error) {
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if _, err := q.ExecContext(ctx, `
			UPDATE demandes_mp SET priority = $2, commentaire = $3, updated_at = NOW() WHERE id = $1
		`, d.ID, d.Priority, d.Commentaire); err != nil {
			return fmt.Errorf("update demande: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM demande_mp_lines WHERE demande_id = $1`, d.ID); err != nil {
			return fmt.Errorf("clear demande lines: %w", err)
		}
		return s.insertDemandeLines(ctx, d.ID, d.Lines)
	})
	if err != nil {
		return Demande{}, err
	}
	return s.GetDemande(ctx, d.ID)
}

func (s *PostgresStore) DeleteDemande(ctx context.Context, id int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM demandes_mp WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete demande: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDemande(ctx context.Context, id int64) (Demande, error) {
	return s.getDemande(ctx, id, false)
}

func (s *PostgresStore) GetDemandeForUpdate(ctx context.Context, id int64) (Demande, error) {
	return s.getDemande(ctx, id, true)
}

func (s *PostgresStore) getDemande(ctx context.Context, id int64, lock bool) (Demande, error) {
	query := `SELECT ` + demandeColumns + ` FROM ` + demandeFrom + ` WHERE d.id = $1`
	if lock {
		query += ` FOR UPDATE OF d`
	}
	d, err := scanDemande(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return Demande{}, fmt.Errorf("get demande: %w", err)
	}
	lines, err := s.demandeLines(ctx, []int64{d.ID})
	if err != nil {
		return Demande{}, err
	}
	if list, ok := lines[d.ID]; ok {
		d.Lines = list
	}
	return d, nil
}

func (s *PostgresStore) demandeLines(ctx context.Context, ids []int64) (map[int64][]DemandeLine, error) {
	out := make(map[int64][]DemandeLine, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT l.id, l.demande_id, l.product_mp_id, mp.code, mp.name, mp.unit, l.quantite_demandee, l.quantite_validee, l.commentaire
		FROM demande_mp_lines l
		JOIN products_mp mp ON mp.id = l.product_mp_id
		WHERE l.demande_id = ANY($1)
		ORDER BY l.demande_id, l.id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list demande lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line DemandeLine
		if err := rows.Scan(&line.ID, &line.DemandeID, &line.ProductMPID, &line.ProductMPCode, &line.ProductMPName, &line.Unit,
			&line.QuantiteDemandee, &line.QuantiteValidee, &line.Commentaire); err != nil {
			return nil, fmt.Errorf("scan demande line: %w", err)
		}
		out[line.DemandeID] = append(out[line.DemandeID], line)
	}
	return out, rows.Err()
}

// UpdateDemandeStatus applies a transition guarded by the current status.
func (s *PostgresStore) UpdateDemandeStatus(ctx context.Context, upd DemandeUpdate) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE demandes_mp SET
			status = $3,
			updated_at = $4,
			validated_by = CASE WHEN $3 = 'VALIDEE' THEN $5 ELSE validated_by END,
			validated_at = CASE WHEN $3 = 'VALIDEE' THEN $4 ELSE validated_at END,
			rejected_at = CASE WHEN $3 = 'REJETEE' THEN $4 ELSE rejected_at END,
			motif_rejet = CASE WHEN $3 = 'REJETEE' THEN $6 ELSE motif_rejet END
		WHERE id = $1 AND status = $2
	`, upd.ID, upd.FromStatus, upd.Status, upd.At, upd.UserID, upd.MotifRejet)
	if err != nil {
		return false, fmt.Errorf("update demande status: %w", err)
	}
	return rowsAffected(res, "update demande status")
}

func (s *PostgresStore) SetValidatedQuantity(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `UPDATE demande_mp_lines SET quantite_validee = $2 WHERE id = $1`, lineID, qty); err != nil {
		return fmt.Errorf("set validated quantity: %w", err)
	}
	return nil
}

func demandeWhere(filter DemandeFilter) ([]string, []any) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("d.status = $%d", len(args)))
	}
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		where = append(where, fmt.Sprintf("d.created_by = $%d", len(args)))
	}
	return where, args
}

func (s *PostgresStore) ListDemandes(ctx context.Context, filter DemandeFilter, params pagination.OffsetParams) (pagination.OffsetPage[Demande], error) {
	where, args := demandeWhere(filter)
	q := pagination.OffsetQuery{
		Select:  demandeColumns,
		From:    demandeFrom,
		Where:   where,
		Args:    args,
		OrderBy: "d.created_at DESC, d.id DESC",
	}
	page, err := pagination.FetchOffset(ctx, s.conn(ctx), q, params, scanDemande)
	if err != nil {
		return page, err
	}
	ids := make([]int64, 0, len(page.Data))
	for _, d := range page.Data {
		ids = append(ids, d.ID)
	}
	lines, err := s.demandeLines(ctx, ids)
	if err != nil {
		return page, err
	}
	for i := range page.Data {
		if list, ok := lines[page.Data[i].ID]; ok {
			page.Data[i].Lines = list
		}
	}
	return page, nil
}

func (s *PostgresStore) DemandeStats(ctx context.Context, createdBy *int64) (DemandeStats, error) {
	where, args := demandeWhere(DemandeFilter{CreatedBy: createdBy})
	query := `
		SELECT
			COUNT(*) FILTER (WHERE d.status = 'BROUILLON'),
			COUNT(*) FILTER (WHERE d.status = 'SOUMISE'),
			COUNT(*) FILTER (WHERE d.status = 'VALIDEE'),
			COUNT(*) FILTER (WHERE d.status = 'REJETEE'),
			COUNT(*) FILTER (WHERE d.status = 'EN_COURS_COMMANDE'),
			COUNT(*)
		FROM demandes_mp d`
	if len(where) > 0 {
		query += ` WHERE ` + where[0]
	}
	var stats DemandeStats
	if err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&stats.Brouillons, &stats.Soumises, &stats.Validees,
		&stats.Rejetees, &stats.EnCoursCommande, &stats.Total); err != nil {
		return DemandeStats{}, fmt.Errorf("demande stats: %w", err)
	}
	return stats, nil
}
