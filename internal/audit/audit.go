// Package audit builds audit_logs rows for workflow transitions.
package audit

import (
	"context"
	"encoding/json"
	"strconv"

	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"
)

// Writer persists audit rows.
type Writer interface {
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
}

// Entry builds an audit row for an action by p on one entity. before and
// after are snapshotted as JSON; nil values are omitted.
func Entry(ctx context.Context, p rbac.Principal, action, entityType string, entityID int64, before, after any, idempotencyKey string) store.AuditEntry {
	entry := store.AuditEntry{
		ActorRole:      string(p.Role),
		Action:         action,
		EntityType:     entityType,
		EntityID:       strconv.FormatInt(entityID, 10),
		Before:         snapshot(before),
		After:          snapshot(after),
		RequestID:      util.RequestID(ctx),
		IdempotencyKey: idempotencyKey,
	}
	if p.UserID > 0 {
		actor := p.UserID
		entry.ActorID = &actor
	}
	return entry
}

// Record builds and writes an entry.
func Record(ctx context.Context, w Writer, p rbac.Principal, action, entityType string, entityID int64, before, after any, idempotencyKey string) error {
	return w.InsertAudit(ctx, Entry(ctx, p, action, entityType, entityID, before, after, idempotencyKey))
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
