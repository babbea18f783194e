package db

import "errors"

var (
	// ErrDatabaseError is the base error for database operations.
	ErrDatabaseError    = errors.New("database error")
	ErrNotFound         = errors.New("record not found")
	ErrAlertAlreadyOpen = errors.New("alert already open for rule and device")

	errFailedToOpen       = errors.New("failed to open database")
	errFailedToEnableWAL  = errors.New("failed to enable WAL mode")
	errFailedToInitSchema = errors.New("failed to initialize schema")
	errFailedToBeginTx    = errors.New("failed to begin transaction")
	errFailedToCommit     = errors.New("failed to commit transaction")
	errFailedToInsert     = errors.New("failed to insert record")
	errFailedToQuery      = errors.New("failed to query records")
	errFailedToScan       = errors.New("failed to scan row")
	errFailedToUpdate     = errors.New("failed to update record")
	errFailedToClean      = errors.New("failed to clean old data")
)
