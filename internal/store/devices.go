package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const deviceColumns = `id, device_id, name, user_id, is_active, pending_events, last_sync_at, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var device Device
	var userID sql.NullInt64
	var lastSync sql.NullTime
	if err := row.Scan(&device.ID, &device.DeviceID, &device.Name, &userID, &device.IsActive,
		&device.PendingEvents, &lastSync, &device.CreatedAt, &device.UpdatedAt); err != nil {
		return Device{}, err
	}
	device.UserID = nullInt64Ptr(userID)
	device.LastSyncAt = nullTimePtr(lastSync)
	return device, nil
}

// RecordHeartbeat creates or refreshes a device and its sync backlog. A
// revoked device is left untouched and sql.ErrNoRows is returned.
func (s *PostgresStore) RecordHeartbeat(ctx context.Context, deviceID, name string, userID int64, pendingEvents int, at time.Time) (Device, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO devices (device_id, name, user_id, pending_events, last_sync_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN devices.name ELSE EXCLUDED.name END,
			user_id = EXCLUDED.user_id,
			pending_events = EXCLUDED.pending_events,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = NOW()
		WHERE devices.is_active
		RETURNING `+deviceColumns,
		deviceID, name, userID, pendingEvents, at)
	device, err := scanDevice(row)
	if err != nil {
		return Device{}, fmt.Errorf("record heartbeat: %w", err)
	}
	return device, nil
}

// SetDeviceActive revokes or reactivates a device by its device id.
func (s *PostgresStore) SetDeviceActive(ctx context.Context, deviceID string, active bool) (Device, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE devices SET is_active = $2, updated_at = NOW() WHERE device_id = $1
		RETURNING `+deviceColumns,
		deviceID, active)
	device, err := scanDevice(row)
	if err != nil {
		return Device{}, fmt.Errorf("set device active: %w", err)
	}
	return device, nil
}

// ListDevices lists every device, revoked ones included.
func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
	return s.listDevices(ctx, `TRUE`)
}

func (s *PostgresStore) listDevices(ctx context.Context, where string, args ...any) ([]Device, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE `+where+` ORDER BY device_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// OfflineDevices lists active devices that have not synced since offlineSince.
func (s *PostgresStore) OfflineDevices(ctx context.Context, offlineSince time.Time) ([]Device, error) {
	return s.listDevices(ctx, `is_active AND (last_sync_at IS NULL OR last_sync_at < $1)`, offlineSince)
}

func (s *PostgresStore) DevicesWithPendingEvents(ctx context.Context, above int) ([]Device, error) {
	return s.listDevices(ctx, `is_active AND pending_events > $1`, above)
}

func (s *PostgresStore) DeviceSyncStats(ctx context.Context, offlineSince time.Time) (SyncStats, error) {
	var stats SyncStats
	var lastSync sql.NullTime
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_sync_at >= $1),
			COUNT(*) FILTER (WHERE last_sync_at IS NULL OR last_sync_at < $1),
			COALESCE(SUM(pending_events), 0),
			MAX(last_sync_at)
		FROM devices WHERE is_active
	`, offlineSince).Scan(&stats.Total, &stats.Active, &stats.Offline, &stats.PendingEvents, &lastSync); err != nil {
		return SyncStats{}, fmt.Errorf("device sync stats: %w", err)
	}
	stats.LastSyncAt = nullTimePtr(lastSync)
	return stats, nil
}
