// Package models pkg/models/metrics.go
package models

import "time"

// CollectionMethod distinguishes actively polled samples from samples
// pushed by a device during check-in.
type CollectionMethod string

const (
	MethodPoll CollectionMethod = "poll"
	MethodPush CollectionMethod = "push"
	MethodTrap CollectionMethod = "trap"
)

// Canonical metric names produced by the normalizers. Pollers for
// different protocols map their raw readings onto these so rules can be
// written once per metric regardless of collection path.
const (
	MetricCPUPercent    = "cpu_percent"
	MetricMemoryPercent = "memory_percent"
	MetricDiskPercent   = "disk_percent"
	MetricUptimeSeconds = "uptime_seconds"
	MetricLoadAverage1  = "load_average_1m"
	MetricIfInOctets    = "if_in_octets"
	MetricIfOutOctets   = "if_out_octets"
	MetricIfInErrors    = "if_in_errors"
	MetricIfOutErrors   = "if_out_errors"
	MetricPingRTTMs     = "ping_rtt_ms"
	MetricPingSuccess   = "ping_success"
	MetricDHCPLeases    = "dhcp_leases_total"
	MetricDHCPBound     = "dhcp_leases_bound"
)

// MetricSample is one append-only, time-indexed datapoint for a device.
type MetricSample struct {
	DeviceID  string            `json:"device_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Method    CollectionMethod  `json:"method"`
	Timestamp time.Time         `json:"timestamp"`
}

// PingStats summarizes recent ICMP samples for a device.
type PingStats struct {
	Total               int        `json:"total"`
	Successful          int        `json:"successful"`
	Failed              int        `json:"failed"`
	UptimePercent       float64    `json:"uptime_percent"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastPing            *time.Time `json:"last_ping,omitempty"`
}

// BufferedPoint is one value held in an in-memory metric window.
type BufferedPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
