// Package models pkg/models/logs.go
package models

import "time"

// LogEntry is a single log line reported by a device during check-in.
// Only warning/error entries survive the ingest filter.
type LogEntry struct {
	DeviceID  string    `json:"device_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Level     Severity  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
