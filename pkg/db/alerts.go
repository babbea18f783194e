package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// CreateAlertRule inserts a new alert rule.
func (db *DB) CreateAlertRule(r *models.AlertRule) error {
	notify, err := marshalNotify(r.Notify)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO alert_rules (
			rule_id, tenant_id, name, metric_name, operator, threshold,
			duration_seconds, cooldown_seconds, severity, enabled,
			notify, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, r.MetricName, r.Operator, r.Threshold,
		int(r.Duration.Seconds()), int(r.Cooldown.Seconds()),
		r.Severity, r.Enabled, notify, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToInsert, err)
	}

	return nil
}

// GetAlertRule returns a rule by ID.
func (db *DB) GetAlertRule(ruleID string) (*models.AlertRule, error) {
	row := db.QueryRow(ruleSelect+" WHERE rule_id = ?", ruleID)

	return scanRule(row)
}

// ListAlertRules returns rules for a tenant, or all rules when tenantID
// is empty. When enabledOnly is set, disabled rules are skipped.
func (db *DB) ListAlertRules(tenantID string, enabledOnly bool) ([]*models.AlertRule, error) {
	query := ruleSelect

	var (
		conds []string
		args  []interface{}
	)

	if tenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, tenantID)
	}

	if enabledOnly {
		conds = append(conds, "enabled = 1")
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += " ORDER BY name"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	var rules []*models.AlertRule

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}

		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// SetAlertRuleEnabled flips a rule on or off.
func (db *DB) SetAlertRuleEnabled(ruleID string, enabled bool) error {
	res, err := db.Exec(
		"UPDATE alert_rules SET enabled = ? WHERE rule_id = ?", enabled, ruleID)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// CreateAlert opens a new alert episode. A partial unique index on
// (rule_id, device_id) over open statuses guarantees at most one open
// alert per pair; a second insert returns ErrAlertAlreadyOpen.
func (db *DB) CreateAlert(a *models.Alert) error {
	details, err := marshalDetails(a.Details)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO alerts (
			alert_id, tenant_id, rule_id, device_id, severity, message,
			current_value, status, first_triggered, last_triggered, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.RuleID, a.DeviceID, a.Severity, a.Message,
		a.CurrentValue, a.Status, a.FirstTriggeredAt, a.LastTriggeredAt,
		details)
	if err != nil {
		var sqliteErr sqlite3.Error

		if errors.As(err, &sqliteErr) &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrAlertAlreadyOpen
		}

		return fmt.Errorf("%w: %w", errFailedToInsert, err)
	}

	return nil
}

// GetOpenAlert returns the open alert for a rule and device, or
// ErrNotFound when none is open.
func (db *DB) GetOpenAlert(ruleID, deviceID string) (*models.Alert, error) {
	row := db.QueryRow(alertSelect+`
		WHERE rule_id = ? AND device_id = ? AND status IN (?, ?)`,
		ruleID, deviceID, models.AlertFiring, models.AlertAcknowledged)

	return scanAlert(row)
}

// RefreshAlert updates the last-triggered timestamp, current value, and
// severity of an open alert without starting a new episode.
func (db *DB) RefreshAlert(alertID string, value float64, severity models.Severity, at time.Time) error {
	res, err := db.Exec(`
		UPDATE alerts SET current_value = ?, severity = ?, last_triggered = ?
		WHERE alert_id = ? AND status IN (?, ?)`,
		value, severity, at, alertID,
		models.AlertFiring, models.AlertAcknowledged)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// AcknowledgeAlert moves a firing alert to acknowledged. Acknowledging
// a resolved alert fails with ErrNotFound.
func (db *DB) AcknowledgeAlert(alertID string) error {
	res, err := db.Exec(`
		UPDATE alerts SET status = ? WHERE alert_id = ? AND status = ?`,
		models.AlertAcknowledged, alertID, models.AlertFiring)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// ResolveAlert closes the open alert for a rule and device, recording
// who or what resolved it. It returns the resolved alert, or ErrNotFound
// when none was open.
func (db *DB) ResolveAlert(ruleID, deviceID, resolvedBy string, at time.Time) (*models.Alert, error) {
	alert, err := db.GetOpenAlert(ruleID, deviceID)
	if err != nil {
		return nil, err
	}

	if err := db.resolveByID(alert.ID, resolvedBy, at); err != nil {
		return nil, err
	}

	alert.Status = models.AlertResolved
	alert.ResolvedAt = &at
	alert.ResolvedBy = resolvedBy

	return alert, nil
}

// ResolveAlertByID closes a specific open alert.
func (db *DB) ResolveAlertByID(alertID, resolvedBy string, at time.Time) error {
	return db.resolveByID(alertID, resolvedBy, at)
}

func (db *DB) resolveByID(alertID, resolvedBy string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE alert_id = ? AND status IN (?, ?)`,
		models.AlertResolved, at, resolvedBy, alertID,
		models.AlertFiring, models.AlertAcknowledged)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// LastEpisodeStart returns when the most recent episode for a rule and
// device began, open or resolved. Used for cooldown checks; returns the
// zero time when no episode exists.
func (db *DB) LastEpisodeStart(ruleID, deviceID string) (time.Time, error) {
	var started sql.NullTime

	err := db.QueryRow(`
		SELECT MAX(first_triggered) FROM alerts
		WHERE rule_id = ? AND device_id = ?`,
		ruleID, deviceID).Scan(&started)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}

	if !started.Valid {
		return time.Time{}, nil
	}

	return started.Time, nil
}

// ListAlerts returns alerts filtered by tenant and status, newest
// activity first. Empty filters match everything.
func (db *DB) ListAlerts(tenantID string, status models.AlertStatus, limit int) ([]*models.Alert, error) {
	query := alertSelect

	var (
		conds []string
		args  []interface{}
	)

	if tenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, tenantID)
	}

	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	if limit <= 0 {
		limit = -1 // no limit
	}

	query += " ORDER BY last_triggered DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	var alerts []*models.Alert

	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}

		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

const ruleSelect = `
	SELECT rule_id, tenant_id, name, metric_name, operator, threshold,
		duration_seconds, cooldown_seconds, severity, enabled, notify,
		created_at
	FROM alert_rules`

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var (
		r        models.AlertRule
		duration int64
		cooldown int64
		notify   string
	)

	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.MetricName,
		&r.Operator, &r.Threshold, &duration, &cooldown,
		&r.Severity, &r.Enabled, &notify, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
	}

	r.Duration = time.Duration(duration) * time.Second
	r.Cooldown = time.Duration(cooldown) * time.Second

	if notify != "" {
		if err := json.Unmarshal([]byte(notify), &r.Notify); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
		}
	}

	return &r, nil
}

const alertSelect = `
	SELECT alert_id, tenant_id, rule_id, device_id, severity, message,
		current_value, status, first_triggered, last_triggered,
		resolved_at, resolved_by, details
	FROM alerts`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a          models.Alert
		resolvedAt sql.NullTime
		details    string
	)

	err := row.Scan(&a.ID, &a.TenantID, &a.RuleID, &a.DeviceID,
		&a.Severity, &a.Message, &a.CurrentValue, &a.Status,
		&a.FirstTriggeredAt, &a.LastTriggeredAt, &resolvedAt,
		&a.ResolvedBy, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
	}

	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}

	if details != "" {
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
		}
	}

	return &a, nil
}

func marshalNotify(notify []string) (string, error) {
	if len(notify) == 0 {
		return "", nil
	}

	data, err := json.Marshal(notify)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return string(data), nil
}

func marshalDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "", nil
	}

	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return string(data), nil
}
