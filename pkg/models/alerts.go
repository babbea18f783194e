// Package models pkg/models/alerts.go
package models

import "time"

// Severity levels for alerts and check-in log entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Operator is a threshold comparison applied to float values.
type Operator string

const (
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare evaluates value against threshold.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// AlertRule is a tenant-scoped threshold rule over a metric stream.
// It is mutated only by configuration changes, never by the engine.
type AlertRule struct {
	ID       string `json:"rule_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	MetricName string   `json:"metric_name"`
	Operator   Operator `json:"operator"`
	Threshold  float64  `json:"threshold"`

	// Duration is the sustained-condition window samples are fetched from.
	Duration time.Duration `json:"duration"`
	// Cooldown is the minimum time between episodes for the same
	// (rule, device) pair.
	Cooldown time.Duration `json:"cooldown"`

	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`

	// Webhooks to notify on firing and resolution.
	Notify []string `json:"notify,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AlertStatus is the episode state. At most one non-resolved alert may
// exist per (rule, device) pair.
type AlertStatus string

const (
	AlertFiring       AlertStatus = "firing"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the episode is still active.
func (s AlertStatus) Open() bool {
	return s == AlertFiring || s == AlertAcknowledged
}

// Rule keys for discrete (non-threshold) episodes. These flow through
// the same store and dedup invariant as threshold rules.
const (
	RuleComponentDown = "component-down"
	RulePingFailure   = "ping-failure"
	RuleDeviceOffline = "device-offline"
)

// Alert is one episode of a rule condition being true, from first
// trigger to resolution.
type Alert struct {
	ID       string `json:"alert_id"`
	TenantID string `json:"tenant_id"`
	RuleID   string `json:"rule_id"`
	DeviceID string `json:"device_id"`

	Severity     Severity    `json:"severity"`
	Message      string      `json:"message"`
	CurrentValue float64     `json:"current_value"`
	Status       AlertStatus `json:"status"`

	FirstTriggeredAt time.Time  `json:"first_triggered_at"`
	LastTriggeredAt  time.Time  `json:"last_triggered_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`

	Details map[string]string `json:"details,omitempty"`
}
