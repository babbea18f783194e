// Package checkin ingests agent-initiated reports: heartbeats, pushed
// metrics, filtered logs, and service health, and hands back any
// pending commands in the same round trip.
package checkin

import (
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// HeartbeatRequest is the minimal liveness signal from an agent.
type HeartbeatRequest struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
}

// SystemReport carries host-level gauges. Pointer fields distinguish
// an absent reading from a zero one.
type SystemReport struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	DiskPercent   *float64 `json:"disk_percent,omitempty"`
	LoadAverage1  *float64 `json:"load_average_1m,omitempty"`
}

// InterfaceReport carries per-interface counters.
type InterfaceReport struct {
	Name      string `json:"name"`
	InOctets  uint64 `json:"in_octets"`
	OutOctets uint64 `json:"out_octets"`
	InErrors  uint64 `json:"in_errors"`
	OutErrors uint64 `json:"out_errors"`
}

// LogReport is one log line as sent by the agent.
type LogReport struct {
	Source    string    `json:"source,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsRequest is a standalone metric push between check-ins.
type MetricsRequest struct {
	System  *SystemReport     `json:"system,omitempty"`
	Network []InterfaceReport `json:"network,omitempty"`
}

// CheckinRequest is the full periodic report from an agent.
type CheckinRequest struct {
	HeartbeatRequest

	// Services maps service name to its reported status string.
	Services map[string]string `json:"services,omitempty"`

	System  *SystemReport     `json:"system,omitempty"`
	Network []InterfaceReport `json:"network,omitempty"`
	Logs    []LogReport       `json:"logs,omitempty"`
}

// CheckinResponse closes the round trip: acknowledgment, the server
// clock, the interval the agent should check in at, and any commands
// drained from its mailbox.
type CheckinResponse struct {
	Status                 string            `json:"status"`
	ServerTime             time.Time         `json:"server_time"`
	CheckinIntervalSeconds int               `json:"checkin_interval_seconds"`
	Commands               []*models.Command `json:"commands"`
}
