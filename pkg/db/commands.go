package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// EnqueueCommand inserts a pending command for a device.
func (db *DB) EnqueueCommand(c *models.Command) error {
	_, err := db.Exec(`
		INSERT INTO commands (
			command_id, device_id, status, priority, payload,
			created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.Status, c.Priority, string(c.Payload),
		c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToInsert, err)
	}

	return nil
}

// DrainCommands atomically claims up to limit pending, unexpired commands
// for a device in (priority, created_at) order and marks them sent. Each
// claim is a conditional update guarded on status so that concurrent
// drains never deliver the same command twice.
func (db *DB) DrainCommands(deviceID string, limit int, now time.Time) (drained []*models.Command, err error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer rollbackOnError(tx, &err)

	rows, err := tx.Query(commandSelect+`
		WHERE device_id = ? AND status = ? AND expires_at > ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`,
		deviceID, models.CommandPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}

	var candidates []*models.Command

	for rows.Next() {
		var c *models.Command

		c, err = scanCommand(rows)
		if err != nil {
			rows.Close()

			return nil, err
		}

		candidates = append(candidates, c)
	}

	if err = rows.Err(); err != nil {
		rows.Close()

		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}

	rows.Close()

	for _, c := range candidates {
		var res sql.Result

		res, err = tx.Exec(`
			UPDATE commands SET status = ?, sent_at = ?
			WHERE command_id = ? AND status = ?`,
			models.CommandSent, now, c.ID, models.CommandPending)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errFailedToUpdate, err)
		}

		var n int64

		n, err = res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}

		if n != 1 {
			// Claimed by a concurrent drain.
			continue
		}

		c.Status = models.CommandSent
		sentAt := now
		c.SentAt = &sentAt
		drained = append(drained, c)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToCommit, err)
	}

	return drained, nil
}

// CompleteCommand marks a sent command completed. Completed and expired
// commands are terminal, so the update is guarded on the sent status.
func (db *DB) CompleteCommand(commandID string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE commands SET status = ?, completed_at = ?
		WHERE command_id = ? AND status = ?`,
		models.CommandCompleted, at, commandID, models.CommandSent)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	return requireRow(res)
}

// ReapExpiredCommands marks pending commands past their TTL as expired
// and returns how many were reaped.
func (db *DB) ReapExpiredCommands(now time.Time) (int64, error) {
	res, err := db.Exec(`
		UPDATE commands SET status = ?
		WHERE status = ? AND expires_at <= ?`,
		models.CommandExpired, models.CommandPending, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errFailedToUpdate, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	return n, nil
}

// GetCommand returns a single command by ID.
func (db *DB) GetCommand(commandID string) (*models.Command, error) {
	row := db.QueryRow(commandSelect+" WHERE command_id = ?", commandID)

	return scanCommand(row)
}

// ListCommands returns all commands for a device, newest first.
func (db *DB) ListCommands(deviceID string) ([]*models.Command, error) {
	rows, err := db.Query(commandSelect+`
		WHERE device_id = ? ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToQuery, err)
	}
	defer rows.Close()

	var commands []*models.Command

	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}

		commands = append(commands, c)
	}

	return commands, rows.Err()
}

const commandSelect = `
	SELECT command_id, device_id, status, priority, payload,
		created_at, expires_at, sent_at, completed_at
	FROM commands`

func scanCommand(row rowScanner) (*models.Command, error) {
	var (
		c           models.Command
		payload     string
		sentAt      sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.DeviceID, &c.Status, &c.Priority, &payload,
		&c.CreatedAt, &c.ExpiresAt, &sentAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToScan, err)
	}

	if payload != "" {
		c.Payload = []byte(payload)
	}

	if sentAt.Valid {
		t := sentAt.Time
		c.SentAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}

	return &c, nil
}
