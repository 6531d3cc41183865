package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const (
	maxDeviceIDSize = 128
	maxReasonSize   = 500

	AuditDeviceRevoked     = "DEVICE_REVOKED"
	AuditDeviceReactivated = "DEVICE_REACTIVATED"
)

var errDeviceRevoked = apperr.Forbidden("Device has been revoked")

type HeartbeatInput struct {
	DeviceID      string `json:"deviceId"`
	Name          string `json:"name"`
	PendingEvents int    `json:"pendingEvents"`
}

// Heartbeat records that a device synced now and how many events it still
// holds. The sync KPIs and the offline/backlog alerts read these rows. A
// revoked device is refused until an administrator reactivates it.
func (s *Service) Heartbeat(ctx context.Context, p rbac.Principal, in HeartbeatInput) (store.Device, error) {
	id := strings.TrimSpace(in.DeviceID)
	f := fields{}
	if id == "" || len(id) > maxDeviceIDSize {
		f["deviceId"] = "required, at most 128 characters"
	}
	if in.PendingEvents < 0 {
		f["pendingEvents"] = "cannot be negative"
	}
	if err := f.err("invalid heartbeat"); err != nil {
		return store.Device{}, err
	}
	device, err := s.store.RecordHeartbeat(ctx, id, strings.TrimSpace(in.Name), p.UserID, in.PendingEvents, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("heartbeat from revoked device", zap.String("device_id", id), zap.Int64("user_id", p.UserID))
		return store.Device{}, errDeviceRevoked
	}
	if err != nil {
		return store.Device{}, err
	}
	s.cache.Invalidate(ctx, cache.KeyMonitoringKPIs)
	return device, nil
}

func (s *Service) ListDevices(ctx context.Context) ([]store.Device, error) {
	return s.store.ListDevices(ctx)
}

// RevokeDevice stops a device from syncing. Its heartbeats are refused and it
// leaves the sync KPIs and alerts.
func (s *Service) RevokeDevice(ctx context.Context, p rbac.Principal, deviceID, reason string) (store.Device, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonSize {
		return store.Device{}, apperr.Validation("reason is too long", map[string]any{"reason": "at most 500 characters"})
	}
	return s.setDeviceActive(ctx, p, deviceID, false, AuditDeviceRevoked, reason)
}

func (s *Service) ReactivateDevice(ctx context.Context, p rbac.Principal, deviceID string) (store.Device, error) {
	return s.setDeviceActive(ctx, p, deviceID, true, AuditDeviceReactivated, "")
}

func (s *Service) setDeviceActive(ctx context.Context, p rbac.Principal, deviceID string, active bool, action, reason string) (store.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	var device store.Device
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		device, err = s.store.SetDeviceActive(ctx, deviceID, active)
		if err != nil {
			return notFound(err, entityDevice)
		}
		after := map[string]any{"deviceId": device.DeviceID, "isActive": device.IsActive}
		if reason != "" {
			after["reason"] = reason
		}
		return audit.Record(ctx, s.store, p, action, entityDevice, device.ID, map[string]any{"isActive": !active}, after, "")
	})
	if err != nil {
		return store.Device{}, err
	}
	s.cache.Invalidate(ctx, cache.KeyMonitoringKPIs)
	s.logger.Info("device status changed", zap.String("device_id", device.DeviceID), zap.Bool("active", device.IsActive))
	return device, nil
}
