// Package models pkg/models/device.go
package models

import "time"

// DeviceStatus represents the lifecycle state of a remote device.
type DeviceStatus string

const (
	DeviceRegistered DeviceStatus = "registered"
	DeviceOnline     DeviceStatus = "online"
	DeviceOffline    DeviceStatus = "offline"
	DeviceError      DeviceStatus = "error"
)

// MonitorMode selects which poller, if any, actively monitors a device.
type MonitorMode string

const (
	MonitorNone     MonitorMode = ""
	MonitorSNMP     MonitorMode = "snmp"
	MonitorRouterOS MonitorMode = "routeros"
	MonitorICMP     MonitorMode = "icmp"
)

// DefaultLivenessThreshold is the maximum gap since the last heartbeat
// before a device is considered offline.
const DefaultLivenessThreshold = 5 * time.Minute

// Credentials is the triple issued at registration. The secret key is
// returned exactly once and never served by read endpoints afterwards.
type Credentials struct {
	AuthCode  string `json:"auth_code"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key,omitempty"`
}

// MonitorConfig describes how a device is actively polled.
type MonitorConfig struct {
	Mode       MonitorMode `json:"mode"`
	Host       string      `json:"host,omitempty"`
	Port       uint16      `json:"port,omitempty"`
	Community  string      `json:"community,omitempty"`
	Version    string      `json:"version,omitempty"`
	Username   string      `json:"username,omitempty"`
	Password   string      `json:"password,omitempty"`
	DeviceType string      `json:"device_type,omitempty"`
	Interval   int         `json:"interval_seconds,omitempty"`
}

// Device is the registry's core entity.
type Device struct {
	ID       string `json:"device_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	Credentials Credentials `json:"credentials,omitempty"`

	Location string `json:"location,omitempty"`
	Address  string `json:"address,omitempty"`

	Status          DeviceStatus `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	LastSeenAt      time.Time    `json:"last_seen_at"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	Version         string       `json:"version,omitempty"`

	PollInterval int           `json:"poll_interval_seconds"`
	Monitor      MonitorConfig `json:"monitor"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus derives the liveness state at read time: a device
// stored as online or error is reported offline once its last
// heartbeat is older than the threshold. The stored value is never
// trusted on its own; only never-heartbeated registered devices keep
// their stored state.
func (d *Device) EffectiveStatus(now time.Time, threshold time.Duration) DeviceStatus {
	stale := !d.LastHeartbeatAt.IsZero() && now.Sub(d.LastHeartbeatAt) > threshold

	if stale && (d.Status == DeviceOnline || d.Status == DeviceError) {
		return DeviceOffline
	}

	return d.Status
}
