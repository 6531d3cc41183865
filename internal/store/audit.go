package store

import (
	"context"
	"fmt"
)

// InsertAudit appends an audit row. A duplicate idempotency key for the same
// action and entity is reported by IsUniqueViolation.
func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	before, err := jsonArg(entry.Before)
	if err != nil {
		return err
	}
	after, err := jsonArg(entry.After)
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, actor_role, action, entity_type, entity_id, before_state, after_state, request_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, int64Arg(entry.ActorID), entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		before, after, entry.RequestID, stringArg(entry.IdempotencyKey)); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// HasAudit reports whether an entry with this idempotency key was recorded.
func (s *PostgresStore) HasAudit(ctx context.Context, action, entityType, entityID, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	var exists bool
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM audit_logs
			WHERE action = $1 AND entity_type = $2 AND entity_id = $3 AND idempotency_key = $4
		)
	`, action, entityType, entityID, idempotencyKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("check audit idempotency: %w", err)
	}
	return exists, nil
}
