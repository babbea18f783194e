package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/logger"
)

type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// CheckinConfig bounds what a single check-in may persist.
type CheckinConfig struct {
	// MaxCommands caps how many pending commands one check-in drains.
	MaxCommands int `json:"max_commands"`
	// MaxLogs caps how many filtered log entries are stored per check-in.
	MaxLogs int `json:"max_logs"`
	// LogLevels is the set of severities kept by the ingest filter.
	LogLevels []string `json:"log_levels,omitempty"`
	// RequiredServices are the subsystems whose reported status drives
	// component-down alerts.
	RequiredServices []string `json:"required_services,omitempty"`
	// CoreServices are the subset of required services whose failure is
	// critical rather than error severity.
	CoreServices []string `json:"core_services,omitempty"`
}

// WebhookConfig represents a webhook notification channel.
type WebhookConfig struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	Cooldown Duration `json:"cooldown"`
	Template string   `json:"template"`
	Headers  []Header `json:"headers,omitempty"` // Optional custom headers
}

// Header represents a custom HTTP header.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TrapConfig configures the passive SNMP trap receiver.
type TrapConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"` // e.g. 0.0.0.0:162
	Community  string `json:"community,omitempty"`
}

// CloudConfig is the configuration for the fleet monitoring server.
type CloudConfig struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`

	// LivenessThreshold is the maximum heartbeat gap before a device is
	// reported offline.
	LivenessThreshold Duration `json:"liveness_threshold"`
	// SweepInterval is how often stored statuses are reconciled with the
	// liveness threshold.
	SweepInterval Duration `json:"sweep_interval"`
	// EvalInterval is the alert rule evaluation cadence.
	EvalInterval Duration `json:"eval_interval"`
	// ReapInterval is how often expired commands are marked.
	ReapInterval Duration `json:"reap_interval"`
	// Retention is how long metric samples and logs are kept.
	Retention Duration `json:"retention"`

	// PingCooldown is the episode cooldown for ping-failure alarms.
	PingCooldown Duration `json:"ping_cooldown"`

	Checkin  CheckinConfig   `json:"checkin"`
	Trap     TrapConfig      `json:"trap,omitempty"`
	Webhooks []WebhookConfig `json:"webhooks,omitempty"`
	Logging  logger.Config   `json:"logging,omitempty"`
}

const (
	defaultLivenessThreshold = 5 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultEvalInterval      = time.Minute
	defaultReapInterval      = time.Minute
	defaultRetention         = 30 * 24 * time.Hour
	defaultPingCooldown      = time.Hour
	defaultMaxCommands       = 10
	defaultMaxLogs           = 20
)

// Validate fills defaults and rejects incomplete configs.
func (c *CloudConfig) Validate() error {
	if c.ListenAddr == "" {
		return errMissingListenAddr
	}

	if c.DBPath == "" {
		return errMissingDBPath
	}

	if c.LivenessThreshold == 0 {
		c.LivenessThreshold = Duration(defaultLivenessThreshold)
	}

	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(defaultSweepInterval)
	}

	if c.EvalInterval == 0 {
		c.EvalInterval = Duration(defaultEvalInterval)
	}

	if c.ReapInterval == 0 {
		c.ReapInterval = Duration(defaultReapInterval)
	}

	if c.Retention == 0 {
		c.Retention = Duration(defaultRetention)
	}

	if c.PingCooldown == 0 {
		c.PingCooldown = Duration(defaultPingCooldown)
	}

	if c.Checkin.MaxCommands == 0 {
		c.Checkin.MaxCommands = defaultMaxCommands
	}

	if c.Checkin.MaxLogs == 0 {
		c.Checkin.MaxLogs = defaultMaxLogs
	}

	if len(c.Checkin.LogLevels) == 0 {
		c.Checkin.LogLevels = []string{"warning", "error"}
	}

	return nil
}
