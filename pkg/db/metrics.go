package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// StoreMetrics inserts a batch of metric samples in one transaction.
func (db *DB) StoreMetrics(samples []models.MetricSample) (err error) {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer rollbackOnError(tx, &err)

	stmt, err := tx.Prepare(`
		INSERT INTO metrics (
			device_id, tenant_id, name, value, labels, method, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToInsert, err)
	}
	defer stmt.Close()

	for i := range samples {
		s := &samples[i]

		var labels string

		if len(s.Labels) > 0 {
			data, mErr := json.Marshal(s.Labels)
			if mErr != nil {
				err = fmt.Errorf("%w: %w", ErrDatabaseError, mErr)

				return err
			}

			labels = string(data)
		}

		if _, err = stmt.Exec(
			s.DeviceID, s.TenantID, s.Name, s.Value, labels,
			s.Method, s.Timestamp); err != nil {
			return fmt.Errorf("%w: %w", errFailedToInsert, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToCommit, err)
	}

	return nil
}

// GetMetrics returns samples for a device and metric name within the
// time range, oldest first.
func (db *DB) GetMetrics(deviceID, name string, start, end time.Time) ([]models.MetricSample, error) {
	rows, err := db.Query(metricSelect+`
		WHERE device_id = ? AND name = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		deviceID, name, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// GetRecentMetrics returns the most recent samples for a device and
// metric name, newest first, up to limit.
func (db *DB) GetRecentMetrics(deviceID, name string, limit int) ([]models.MetricSample, error) {
	rows, err := db.Query(metricSelect+`
		WHERE device_id = ? AND name = ?
		ORDER BY timestamp DESC LIMIT ?`,
		deviceID, name, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// GetLatestMetric returns the newest sample for a device and metric name
// observed at or after since, or ErrNotFound when none exists.
func (db *DB) GetLatestMetric(deviceID, name string, since time.Time) (*models.MetricSample, error) {
	row := db.QueryRow(metricSelect+`
		WHERE device_id = ? AND name = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT 1`,
		deviceID, name, since)

	s, err := scanMetric(row)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetLatestByName returns the newest sample per device for one metric
// name, considering only samples observed at or after since.
func (db *DB) GetLatestByName(name string, since time.Time) ([]models.MetricSample, error) {
	rows, err := db.Query(`
		SELECT m.device_id, m.tenant_id, m.name, m.value, m.labels,
			m.method, m.timestamp
		FROM metrics m
		JOIN (
			SELECT device_id, MAX(timestamp) AS ts
			FROM metrics
			WHERE name = ? AND timestamp >= ?
			GROUP BY device_id
		) latest
		ON m.device_id = latest.device_id AND m.timestamp = latest.ts
		WHERE m.name = ?`,
		name, since, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// StoreLogs inserts a batch of device log entries.
func (db *DB) StoreLogs(entries []models.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer rollbackOnError(tx, &err)

	for i := range entries {
		e := &entries[i]

		if _, err = tx.Exec(`
			INSERT INTO device_logs (
				device_id, tenant_id, source, level, message, timestamp
			) VALUES (?, ?, ?, ?, ?, ?)`,
			e.DeviceID, e.TenantID, e.Source, e.Level, e.Message,
			e.Timestamp); err != nil {
			return fmt.Errorf("%w: %w", errFailedToInsert, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToCommit, err)
	}

	return nil
}

// GetDeviceLogs returns the most recent log entries for a device.
func (db *DB) GetDeviceLogs(deviceID string, limit int) ([]models.LogEntry, error) {
	rows, err := db.Query(`
		SELECT device_id, tenant_id, source, level, message, timestamp
		FROM device_logs
		WHERE device_id = ?
		ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	var entries []models.LogEntry

	for rows.Next() {
		var e models.LogEntry

		if err := rows.Scan(&e.DeviceID, &e.TenantID, &e.Source,
			&e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

const metricSelect = `
	SELECT device_id, tenant_id, name, value, labels, method, timestamp
	FROM metrics`

func scanMetric(row rowScanner) (*models.MetricSample, error) {
	var (
		s      models.MetricSample
		labels string
	)

	err := row.Scan(&s.DeviceID, &s.TenantID, &s.Name, &s.Value,
		&labels, &s.Method, &s.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
	}

	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &s.Labels); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
		}
	}

	return &s, nil
}

func scanMetrics(rows *sql.Rows) ([]models.MetricSample, error) {
	var samples []models.MetricSample

	for rows.Next() {
		s, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}

		samples = append(samples, *s)
	}

	return samples, rows.Err()
}
