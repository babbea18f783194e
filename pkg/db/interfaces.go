package db

import (
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// Service defines the persistence operations used by the rest of the
// system. *DB is the SQLite implementation.
type Service interface {
	DeviceStore
	CommandStore
	MetricStore
	AlertStore

	CleanOldData(retention time.Duration) error
	Close() error
}

// DeviceStore covers the device registry.
type DeviceStore interface {
	CreateDevice(d *models.Device) error
	GetDevice(deviceID string) (*models.Device, error)
	GetDeviceByCredentials(authCode, apiKey string) (*models.Device, error)
	ListDevices(tenantID string) ([]*models.Device, error)
	UpdateDevice(d *models.Device) error
	UpdateHeartbeat(deviceID string, at time.Time, uptimeSeconds int64, version string) error
	UpdateLastSeen(deviceID string, at time.Time) error
	SetDeviceStatus(deviceID string, status models.DeviceStatus) error
	DisableDevice(deviceID string) error
	SweepOffline(threshold time.Duration, now time.Time) ([]*models.Device, error)
}

// CommandStore covers the per-device command mailbox.
type CommandStore interface {
	EnqueueCommand(c *models.Command) error
	DrainCommands(deviceID string, limit int, now time.Time) ([]*models.Command, error)
	CompleteCommand(commandID string, at time.Time) error
	ReapExpiredCommands(now time.Time) (int64, error)
	GetCommand(commandID string) (*models.Command, error)
	ListCommands(deviceID string) ([]*models.Command, error)
}

// MetricStore covers metric samples and device logs.
type MetricStore interface {
	StoreMetrics(samples []models.MetricSample) error
	GetMetrics(deviceID, name string, start, end time.Time) ([]models.MetricSample, error)
	GetRecentMetrics(deviceID, name string, limit int) ([]models.MetricSample, error)
	GetLatestMetric(deviceID, name string, since time.Time) (*models.MetricSample, error)
	GetLatestByName(name string, since time.Time) ([]models.MetricSample, error)
	StoreLogs(entries []models.LogEntry) error
	GetDeviceLogs(deviceID string, limit int) ([]models.LogEntry, error)
}

// AlertStore covers alert rules and alert episodes.
type AlertStore interface {
	CreateAlertRule(r *models.AlertRule) error
	GetAlertRule(ruleID string) (*models.AlertRule, error)
	ListAlertRules(tenantID string, enabledOnly bool) ([]*models.AlertRule, error)
	SetAlertRuleEnabled(ruleID string, enabled bool) error
	CreateAlert(a *models.Alert) error
	GetOpenAlert(ruleID, deviceID string) (*models.Alert, error)
	RefreshAlert(alertID string, value float64, severity models.Severity, at time.Time) error
	AcknowledgeAlert(alertID string) error
	ResolveAlert(ruleID, deviceID, resolvedBy string, at time.Time) (*models.Alert, error)
	ResolveAlertByID(alertID, resolvedBy string, at time.Time) error
	LastEpisodeStart(ruleID, deviceID string) (time.Time, error)
	ListAlerts(tenantID string, status models.AlertStatus, limit int) ([]*models.Alert, error)
}
