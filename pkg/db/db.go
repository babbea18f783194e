// Package db provides the SQLite persistence layer for devices, commands,
// metric samples, alert rules, alerts, and device logs.
package db

import (
	"database/sql"
	"fmt"
	"time"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/mfreeman451/fleetmon/pkg/logger"
)

// DB implements the Service interface on top of SQLite.
type DB struct {
	*sql.DB
}

// New opens the database at the given path, enables WAL mode, and
// ensures the schema exists.
func New(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToOpen, err)
	}

	// SQLite allows a single writer; serialize access through one
	// connection so concurrent callers queue instead of failing
	// with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()

		return nil, fmt.Errorf("%w: %w", errFailedToEnableWAL, err)
	}

	d := &DB{DB: sqlDB}

	if err := d.initSchema(); err != nil {
		sqlDB.Close()

		return nil, err
	}

	return d, nil
}

func (db *DB) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			auth_code TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'registered',
			last_heartbeat TIMESTAMP,
			last_seen TIMESTAMP,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			version TEXT NOT NULL DEFAULT '',
			poll_interval_seconds INTEGER NOT NULL DEFAULT 60,
			monitor TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_devices_tenant
			ON devices(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_devices_credentials
			ON devices(auth_code, api_key);

		CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 5,
			payload TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP,
			completed_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_commands_device
			ON commands(device_id, status, priority, created_at);

		CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			value REAL NOT NULL,
			labels TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT 'poll',
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_device_name
			ON metrics(device_id, name, timestamp);
		CREATE INDEX IF NOT EXISTS idx_metrics_name
			ON metrics(name, timestamp);

		CREATE TABLE IF NOT EXISTS device_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_device_logs_device
			ON device_logs(device_id, timestamp);

		CREATE TABLE IF NOT EXISTS alert_rules (
			rule_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			cooldown_seconds INTEGER NOT NULL DEFAULT 3600,
			severity TEXT NOT NULL DEFAULT 'warning',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			notify TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			rule_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			current_value REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'firing',
			first_triggered TIMESTAMP NOT NULL,
			last_triggered TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
			ON alerts(rule_id, device_id)
			WHERE status IN ('firing', 'acknowledged');
		CREATE INDEX IF NOT EXISTS idx_alerts_tenant
			ON alerts(tenant_id, status, last_triggered);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("%w: %w", errFailedToInitSchema, err)
	}

	return nil
}

// Begin starts a transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToBeginTx, err)
	}

	return tx, nil
}

// rollbackOnError rolls back the transaction when *err is non-nil.
func rollbackOnError(tx *sql.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Failed to rollback transaction")
		}
	}
}

// CleanOldData removes metric samples and device logs older than the
// retention period. Alert history is kept.
func (db *DB) CleanOldData(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer rollbackOnError(tx, &err)

	for _, stmt := range []string{
		"DELETE FROM metrics WHERE timestamp < ?",
		"DELETE FROM device_logs WHERE timestamp < ?",
	} {
		if _, err = tx.Exec(stmt, cutoff); err != nil {
			return fmt.Errorf("%w: %w", errFailedToClean, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToCommit, err)
	}

	return nil
}
