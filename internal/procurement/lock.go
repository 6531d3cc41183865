package procurement

import (
	"context"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
)

type LockState struct {
	PurchaseOrderID int64     `json:"purchaseOrderId"`
	LockedBy        int64     `json:"lockedBy"`
	LockExpiresAt   time.Time `json:"lockExpiresAt"`
}

// AcquireLock gives p the edit lock for LockDuration. Calling it again while
// holding the lock extends it.
func (s *Service) AcquireLock(ctx context.Context, p rbac.Principal, id int64) (LockState, error) {
	now := s.now()
	expires := now.Add(LockDuration)
	ok, err := s.store.AcquirePurchaseOrderLock(ctx, id, p.UserID, now, expires)
	if err != nil {
		return LockState{}, err
	}
	if !ok {
		po, err := s.Get(ctx, id)
		if err != nil {
			return LockState{}, err
		}
		return LockState{}, lockedError(po)
	}
	return LockState{PurchaseOrderID: id, LockedBy: p.UserID, LockExpiresAt: expires}, nil
}

// ReleaseLock drops the lock if p holds it. It reports whether anything was
// released.
func (s *Service) ReleaseLock(ctx context.Context, p rbac.Principal, id int64) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return s.store.ReleasePurchaseOrderLock(ctx, id, p.UserID)
}

func assertNotLocked(po store.PurchaseOrder, p rbac.Principal, now time.Time) error {
	if po.LockedByID == nil || *po.LockedByID == p.UserID {
		return nil
	}
	if po.LockExpiresAt == nil || !po.LockExpiresAt.After(now) {
		return nil
	}
	return lockedError(po)
}

func lockedError(po store.PurchaseOrder) error {
	details := map[string]any{"purchaseOrderId": po.ID}
	if po.LockedByID != nil {
		details["lockedBy"] = *po.LockedByID
	}
	if po.LockExpiresAt != nil {
		details["lockExpiresAt"] = po.LockExpiresAt
	}
	return apperr.Locked("purchase order is being edited by another user", details)
}
