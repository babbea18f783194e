package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// CreateDevice inserts a new device row.
func (db *DB) CreateDevice(d *models.Device) error {
	monitor, err := marshalMonitor(d.Monitor)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO devices (
			device_id, tenant_id, name, auth_code, api_key, secret_key,
			location, address, status, uptime_seconds, version,
			poll_interval_seconds, monitor, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Name,
		d.Credentials.AuthCode, d.Credentials.APIKey, d.Credentials.SecretKey,
		d.Location, d.Address, d.Status, d.UptimeSeconds, d.Version,
		d.PollInterval, monitor, d.Enabled,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToInsert, err)
	}

	return nil
}

// GetDevice returns a single device by ID.
func (db *DB) GetDevice(deviceID string) (*models.Device, error) {
	row := db.QueryRow(deviceSelect+" WHERE device_id = ?", deviceID)

	return scanDevice(row)
}

// GetDeviceByCredentials looks up an enabled device by its auth code and
// API key. The returned device includes the secret key for signature
// verification.
func (db *DB) GetDeviceByCredentials(authCode, apiKey string) (*models.Device, error) {
	row := db.QueryRow(
		deviceSelect+" WHERE auth_code = ? AND api_key = ? AND enabled = 1",
		authCode, apiKey)

	return scanDevice(row)
}

// ListDevices returns all devices for a tenant, or all devices when
// tenantID is empty.
func (db *DB) ListDevices(tenantID string) ([]*models.Device, error) {
	query := deviceSelect
	args := []interface{}{}

	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}

	query += " ORDER BY name"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	var devices []*models.Device

	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}

		devices = append(devices, d)
	}

	return devices, rows.Err()
}

// UpdateHeartbeat records a check-in from the device, marking it online.
func (db *DB) UpdateHeartbeat(deviceID string, at time.Time, uptimeSeconds int64, version string) error {
	res, err := db.Exec(`
		UPDATE devices
		SET status = ?, last_heartbeat = ?, last_seen = ?,
			uptime_seconds = ?, version = ?, updated_at = ?
		WHERE device_id = ?`,
		models.DeviceOnline, at, at, uptimeSeconds, version, at, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// UpdateLastSeen bumps last_seen without changing the device status.
// Used for poller activity that is not a check-in.
func (db *DB) UpdateLastSeen(deviceID string, at time.Time) error {
	_, err := db.Exec(
		"UPDATE devices SET last_seen = ? WHERE device_id = ?", at, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return nil
}

// SetDeviceStatus sets the stored status for a device.
func (db *DB) SetDeviceStatus(deviceID string, status models.DeviceStatus) error {
	res, err := db.Exec(`
		UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?`,
		status, time.Now(), deviceID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// UpdateDevice updates the mutable fields of a device.
func (db *DB) UpdateDevice(d *models.Device) error {
	monitor, err := marshalMonitor(d.Monitor)
	if err != nil {
		return err
	}

	res, err := db.Exec(`
		UPDATE devices
		SET name = ?, location = ?, address = ?, poll_interval_seconds = ?,
			monitor = ?, enabled = ?, updated_at = ?
		WHERE device_id = ?`,
		d.Name, d.Location, d.Address, d.PollInterval,
		monitor, d.Enabled, time.Now(), d.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// DisableDevice soft-disables a device. Its history is kept but its
// credentials stop authenticating and pollers stop targeting it.
func (db *DB) DisableDevice(deviceID string) error {
	res, err := db.Exec(`
		UPDATE devices SET enabled = 0, updated_at = ? WHERE device_id = ?`,
		time.Now(), deviceID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// SweepOffline transitions devices that have not checked in within the
// threshold to offline and returns the devices it flipped. Both online
// and error devices are swept so a stale heartbeat always wins.
func (db *DB) SweepOffline(threshold time.Duration, now time.Time) (flipped []*models.Device, err error) {
	cutoff := now.Add(-threshold)

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer rollbackOnError(tx, &err)

	rows, err := tx.Query(deviceSelect+`
		WHERE status IN (?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		models.DeviceOnline, models.DeviceError, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}

	for rows.Next() {
		var d *models.Device

		d, err = scanDevice(rows)
		if err != nil {
			rows.Close()

			return nil, err
		}

		flipped = append(flipped, d)
	}

	if err = rows.Err(); err != nil {
		rows.Close()

		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}

	rows.Close()

	for _, d := range flipped {
		if _, err = tx.Exec(`
			UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?`,
			models.DeviceOffline, now, d.ID); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToUpdate, err)
		}

		d.Status = models.DeviceOffline
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToCommit, err)
	}

	return flipped, nil
}

const deviceSelect = `
	SELECT device_id, tenant_id, name, auth_code, api_key, secret_key,
		location, address, status, last_heartbeat, last_seen,
		uptime_seconds, version, poll_interval_seconds, monitor,
		enabled, created_at, updated_at
	FROM devices`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d        models.Device
		lastHB   sql.NullTime
		lastSeen sql.NullTime
		monitor  string
	)

	err := row.Scan(
		&d.ID, &d.TenantID, &d.Name,
		&d.Credentials.AuthCode, &d.Credentials.APIKey, &d.Credentials.SecretKey,
		&d.Location, &d.Address, &d.Status, &lastHB, &lastSeen,
		&d.UptimeSeconds, &d.Version, &d.PollInterval, &monitor,
		&d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
	}

	if lastHB.Valid {
		d.LastHeartbeatAt = lastHB.Time
	}

	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}

	if monitor != "" {
		if err := json.Unmarshal([]byte(monitor), &d.Monitor); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
		}
	}

	return &d, nil
}

func marshalMonitor(m models.MonitorConfig) (string, error) {
	if m.Mode == models.MonitorNone {
		return "", nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return string(data), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
