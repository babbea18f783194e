// Package models pkg/models/command.go
package models

import (
	"encoding/json"
	"time"
)

// CommandStatus tracks delivery state. Pending commands transition to
// Sent at most once; terminal states are never reopened.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandExpired   CommandStatus = "expired"
)

// Command is an outbound instruction queued for a device.
type Command struct {
	ID       string        `json:"command_id"`
	DeviceID string        `json:"device_id"`
	Status   CommandStatus `json:"status"`

	// Lower priority values drain first.
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Expired reports whether the command's TTL has elapsed.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
