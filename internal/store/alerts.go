package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"manchengo/api/internal/pagination"
)

const alertColumns = `id, type, severity, status, title, message, COALESCE(entity_type, ''), COALESCE(entity_id, ''),
	value, threshold, metadata, expires_at, acknowledged_by, acknowledged_at, closed_by, closed_at, created_at, updated_at`

func scanAlert(row pagination.Scanner) (Alert, error) {
	var a Alert
	var metadata []byte
	var expires, ackAt, closedAt sql.NullTime
	var ackBy, closedBy sql.NullInt64
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Status, &a.Title, &a.Message, &a.EntityType, &a.EntityID,
		&a.Value, &a.Threshold, &metadata, &expires, &ackBy, &ackAt, &closedBy, &closedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Alert{}, err
	}
	a.Metadata = decodeJSONMap(metadata)
	a.ExpiresAt = nullTimePtr(expires)
	a.AcknowledgedBy = nullInt64Ptr(ackBy)
	a.AcknowledgedAt = nullTimePtr(ackAt)
	a.ClosedBy = nullInt64Ptr(closedBy)
	a.ClosedAt = nullTimePtr(closedAt)
	return a, nil
}

// UpsertAlert inserts an alert, or refreshes value, metadata and severity of
// the active alert with the same (type, entityType, entityID). The bool is
// true when a new alert was created.
func (s *PostgresStore) UpsertAlert(ctx context.Context, a Alert) (Alert, bool, error) {
	metadata, err := jsonArg(a.Metadata)
	if err != nil {
		return Alert{}, false, err
	}
	if metadata == nil {
		metadata = "{}"
	}

	var out Alert
	var created bool
	err = s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		row := q.QueryRowContext(ctx, `
			INSERT INTO alerts (type, severity, status, title, message, entity_type, entity_id, value, threshold, metadata, expires_at)
			VALUES ($1, $2, 'OPEN', $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (type, COALESCE(entity_type, ''), COALESCE(entity_id, ''))
				WHERE status IN ('OPEN', 'ACKNOWLEDGED')
			DO UPDATE SET
				value = EXCLUDED.value,
				metadata = EXCLUDED.metadata,
				severity = EXCLUDED.severity,
				updated_at = NOW()
			RETURNING `+alertColumns+`, (xmax = 0)`,
			a.Type, a.Severity, a.Title, a.Message, stringArg(a.EntityType), stringArg(a.EntityID),
			a.Value, a.Threshold, metadata, timeArg(a.ExpiresAt))
		var metadataRaw []byte
		var expires, ackAt, closedAt sql.NullTime
		var ackBy, closedBy sql.NullInt64
		if err := row.Scan(&out.ID, &out.Type, &out.Severity, &out.Status, &out.Title, &out.Message, &out.EntityType, &out.EntityID,
			&out.Value, &out.Threshold, &metadataRaw, &expires, &ackBy, &ackAt, &closedBy, &closedAt, &out.CreatedAt, &out.UpdatedAt,
			&created); err != nil {
			return fmt.Errorf("upsert alert: %w", err)
		}
		out.Metadata = decodeJSONMap(metadataRaw)
		out.ExpiresAt = nullTimePtr(expires)
		out.AcknowledgedBy = nullInt64Ptr(ackBy)
		out.AcknowledgedAt = nullTimePtr(ackAt)
		out.ClosedBy = nullInt64Ptr(closedBy)
		out.ClosedAt = nullTimePtr(closedAt)
		if !created {
			return nil
		}
		return s.InsertAlertHistory(ctx, AlertHistory{AlertID: out.ID, Action: "CREATED", ToStatus: out.Status})
	})
	if err != nil {
		return Alert{}, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) InsertAlertHistory(ctx context.Context, h AlertHistory) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO alert_history (alert_id, action, from_status, to_status, user_id, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.AlertID, h.Action, stringArg(h.FromStatus), h.ToStatus, int64Arg(h.UserID), h.Comment); err != nil {
		return fmt.Errorf("insert alert history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id int64) (Alert, error) {
	a, err := scanAlert(s.conn(ctx).QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// TransitionAlert moves an alert from one of fromStatuses to toStatus and
// records who did it. It reports false when the status guard did not match.
func (s *PostgresStore) TransitionAlert(ctx context.Context, id int64, fromStatuses []string, toStatus string, userID int64, at time.Time) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE alerts SET
			status = $3,
			updated_at = $5,
			acknowledged_by = CASE WHEN $3 = 'ACKNOWLEDGED' THEN $4 ELSE acknowledged_by END,
			acknowledged_at = CASE WHEN $3 = 'ACKNOWLEDGED' THEN $5 ELSE acknowledged_at END,
			closed_by = CASE WHEN $3 = 'CLOSED' THEN $4 ELSE closed_by END,
			closed_at = CASE WHEN $3 = 'CLOSED' THEN $5 ELSE closed_at END
		WHERE id = $1 AND status = ANY($2)
	`, id, fromStatuses, toStatus, userID, at)
	if err != nil {
		return false, fmt.Errorf("transition alert: %w", err)
	}
	return rowsAffected(res, "transition alert")
}

// ExpireAlerts marks active alerts past their expiry as EXPIRED.
func (s *PostgresStore) ExpireAlerts(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	if err := s.conn(ctx).QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE alerts SET status = 'EXPIRED', updated_at = $1
			WHERE status IN ('OPEN', 'ACKNOWLEDGED') AND expires_at IS NOT NULL AND expires_at < $1
			RETURNING id
		), history AS (
			INSERT INTO alert_history (alert_id, action, to_status)
			SELECT id, 'EXPIRED', 'EXPIRED' FROM expired
		)
		SELECT COUNT(*) FROM expired
	`, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	return count, nil
}

const alertOrder = `CASE status WHEN 'OPEN' THEN 0 WHEN 'ACKNOWLEDGED' THEN 1 WHEN 'CLOSED' THEN 2 ELSE 3 END ASC,
	CASE severity WHEN 'CRITICAL' THEN 2 WHEN 'WARNING' THEN 1 ELSE 0 END DESC,
	created_at DESC, id DESC`

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter, params pagination.OffsetParams) (pagination.OffsetPage[Alert], error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	q := pagination.OffsetQuery{
		Select:  alertColumns,
		From:    "alerts",
		Where:   where,
		Args:    args,
		OrderBy: alertOrder,
	}
	return pagination.FetchOffset(ctx, s.conn(ctx), q, params, scanAlert)
}

// AlertCounts returns the number of OPEN alerts and of active CRITICAL ones.
func (s *PostgresStore) AlertCounts(ctx context.Context) (open int, critical int, err error) {
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'OPEN'),
			COUNT(*) FILTER (WHERE status IN ('OPEN', 'ACKNOWLEDGED') AND severity = 'CRITICAL')
		FROM alerts
	`).Scan(&open, &critical); err != nil {
		return 0, 0, fmt.Errorf("alert counts: %w", err)
	}
	return open, critical, nil
}

func (s *PostgresStore) CountActiveAlerts(ctx context.Context, types []string) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts WHERE status IN ('OPEN', 'ACKNOWLEDGED') AND type = ANY($1)
	`, types).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active alerts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) AlertHistory(ctx context.Context, alertID int64) ([]AlertHistory, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, alert_id, action, COALESCE(from_status, ''), to_status, user_id, comment, created_at
		FROM alert_history WHERE alert_id = $1 ORDER BY created_at, id
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	defer rows.Close()
	out := make([]AlertHistory, 0)
	for rows.Next() {
		var h AlertHistory
		var userID sql.NullInt64
		if err := rows.Scan(&h.ID, &h.AlertID, &h.Action, &h.FromStatus, &h.ToStatus, &userID, &h.Comment, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert history: %w", err)
		}
		h.UserID = nullInt64Ptr(userID)
		out = append(out, h)
	}
	return out, rows.Err()
}
