package checkin

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/config"
	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/mailbox"
	"github.com/mfreeman451/fleetmon/pkg/metrics"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// Service status strings reported by agents. Anything else on a
// required service opens a component-down alert.
const (
	serviceActive   = "active"
	serviceNotFound = "not-found"
)

// DiscreteAlerter opens and closes non-threshold alert episodes.
type DiscreteAlerter interface {
	TriggerDiscrete(tenantID, ruleID, deviceID string, severity models.Severity, message string, value float64, details map[string]string) error
	ResolveDiscrete(ruleID, deviceID, resolvedBy string) error
}

// Service processes agent check-ins. The caller authenticates the
// device first; everything after the heartbeat update is best-effort
// so one bad section of a report never drops the rest.
type Service struct {
	store   db.Service
	mailbox *mailbox.Mailbox
	windows *metrics.WindowManager
	alerter DiscreteAlerter
	cfg     config.CheckinConfig
	log     zerolog.Logger
	nowFunc func() time.Time
}

// NewService wires the check-in pipeline.
func NewService(store db.Service, mb *mailbox.Mailbox, windows *metrics.WindowManager, alerter DiscreteAlerter, cfg config.CheckinConfig) *Service {
	return &Service{
		store:   store,
		mailbox: mb,
		windows: windows,
		alerter: alerter,
		cfg:     cfg,
		log:     logger.Component("checkin"),
		nowFunc: time.Now,
	}
}

// ProcessHeartbeat records a bare liveness signal.
func (s *Service) ProcessHeartbeat(device *models.Device, req *HeartbeatRequest) error {
	now := s.nowFunc()

	if err := s.store.UpdateHeartbeat(device.ID, now, req.UptimeSeconds, req.Version); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	s.resolveOffline(device)

	return nil
}

// resolveOffline closes any open device-offline episode once the
// device is heard from again.
func (s *Service) resolveOffline(device *models.Device) {
	if s.alerter == nil {
		return
	}

	if err := s.alerter.ResolveDiscrete(models.RuleDeviceOffline, device.ID, "heartbeat"); err != nil {
		s.log.Error().Err(err).
			Str("device_id", device.ID).
			Msg("Failed to resolve offline alert")
	}
}

// ProcessCheckin handles a full report. The heartbeat update must
// succeed; metric storage, log ingest, and component health are each
// best-effort, and the command drain happens last so a device that got
// this far always leaves with its mailbox emptied.
func (s *Service) ProcessCheckin(device *models.Device, req *CheckinRequest) (*CheckinResponse, error) {
	now := s.nowFunc()

	if err := s.store.UpdateHeartbeat(device.ID, now, req.UptimeSeconds, req.Version); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	s.resolveOffline(device)

	samples := s.normalizeReport(device, req, now)
	if len(samples) > 0 {
		if err := s.store.StoreMetrics(samples); err != nil {
			s.log.Error().Err(err).
				Str("device_id", device.ID).
				Msg("Failed to store pushed metrics")
		}

		for _, sample := range samples {
			s.windows.Add(sample)
		}
	}

	s.ingestLogs(device, req.Logs, now)
	s.checkComponents(device, req.Services)

	commands, err := s.mailbox.Drain(device.ID, s.cfg.MaxCommands)
	if err != nil {
		s.log.Error().Err(err).
			Str("device_id", device.ID).
			Msg("Failed to drain commands")

		commands = nil
	}

	interval := device.PollInterval
	if interval <= 0 {
		interval = 60
	}

	return &CheckinResponse{
		Status:                 "ok",
		ServerTime:             now,
		CheckinIntervalSeconds: interval,
		Commands:               commands,
	}, nil
}

// ProcessMetrics stores a standalone metric push outside the full
// check-in round trip. The device is marked seen but its heartbeat
// clock is untouched.
func (s *Service) ProcessMetrics(device *models.Device, req *MetricsRequest) error {
	now := s.nowFunc()

	samples := gaugeSamples(device, req.System, req.Network, now)
	if len(samples) == 0 {
		return nil
	}

	if err := s.store.StoreMetrics(samples); err != nil {
		return fmt.Errorf("failed to store pushed metrics: %w", err)
	}

	for _, sample := range samples {
		s.windows.Add(sample)
	}

	if err := s.store.UpdateLastSeen(device.ID, now); err != nil {
		s.log.Error().Err(err).
			Str("device_id", device.ID).
			Msg("Failed to update last seen")
	}

	return nil
}

// normalizeReport maps the agent's report onto canonical metric names.
// All pushed samples carry the server receive time.
func (s *Service) normalizeReport(device *models.Device, req *CheckinRequest, now time.Time) []models.MetricSample {
	samples := []models.MetricSample{{
		DeviceID:  device.ID,
		TenantID:  device.TenantID,
		Name:      models.MetricUptimeSeconds,
		Value:     float64(req.UptimeSeconds),
		Method:    models.MethodPush,
		Timestamp: now,
	}}

	return append(samples, gaugeSamples(device, req.System, req.Network, now)...)
}

// gaugeSamples converts reported host gauges and interface counters to
// canonical samples. Absent pointer fields produce nothing.
func gaugeSamples(device *models.Device, sys *SystemReport, network []InterfaceReport, now time.Time) []models.MetricSample {
	var samples []models.MetricSample

	push := func(name string, value float64, labels map[string]string) {
		samples = append(samples, models.MetricSample{
			DeviceID:  device.ID,
			TenantID:  device.TenantID,
			Name:      name,
			Value:     value,
			Labels:    labels,
			Method:    models.MethodPush,
			Timestamp: now,
		})
	}

	if sys != nil {
		if sys.CPUPercent != nil {
			push(models.MetricCPUPercent, *sys.CPUPercent, nil)
		}

		if sys.MemoryPercent != nil {
			push(models.MetricMemoryPercent, *sys.MemoryPercent, nil)
		}

		if sys.DiskPercent != nil {
			push(models.MetricDiskPercent, *sys.DiskPercent, nil)
		}

		if sys.LoadAverage1 != nil {
			push(models.MetricLoadAverage1, *sys.LoadAverage1, nil)
		}
	}

	for _, iface := range network {
		labels := map[string]string{"interface": iface.Name}

		push(models.MetricIfInOctets, float64(iface.InOctets), labels)
		push(models.MetricIfOutOctets, float64(iface.OutOctets), labels)
		push(models.MetricIfInErrors, float64(iface.InErrors), labels)
		push(models.MetricIfOutErrors, float64(iface.OutErrors), labels)
	}

	return samples
}

// ingestLogs keeps only configured severities and caps the batch at the
// newest MaxLogs entries before storing.
func (s *Service) ingestLogs(device *models.Device, reports []LogReport, now time.Time) {
	if len(reports) == 0 {
		return
	}

	kept := make([]models.LogEntry, 0, len(reports))

	for _, r := range reports {
		if !s.levelKept(r.Level) {
			continue
		}

		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}

		kept = append(kept, models.LogEntry{
			DeviceID:  device.ID,
			TenantID:  device.TenantID,
			Source:    r.Source,
			Level:     models.Severity(r.Level),
			Message:   r.Message,
			Timestamp: ts,
		})
	}

	if len(kept) > s.cfg.MaxLogs {
		kept = kept[len(kept)-s.cfg.MaxLogs:]
	}

	if err := s.store.StoreLogs(kept); err != nil {
		s.log.Error().Err(err).
			Str("device_id", device.ID).
			Msg("Failed to store device logs")
	}
}

func (s *Service) levelKept(level string) bool {
	for _, l := range s.cfg.LogLevels {
		if l == level {
			return true
		}
	}

	return false
}

// checkComponents reconciles component-down episodes against the
// reported service statuses. An unreported or not-found service is left
// alone; active resolves, anything else triggers.
func (s *Service) checkComponents(device *models.Device, services map[string]string) {
	if s.alerter == nil {
		return
	}

	for _, svc := range s.cfg.RequiredServices {
		status, reported := services[svc]
		if !reported || status == serviceNotFound {
			continue
		}

		ruleID := models.RuleComponentDown + ":" + svc

		if status == serviceActive {
			if err := s.alerter.ResolveDiscrete(ruleID, device.ID, "checkin"); err != nil {
				s.log.Error().Err(err).
					Str("device_id", device.ID).
					Str("service", svc).
					Msg("Failed to resolve component alert")
			}

			continue
		}

		severity := models.SeverityError
		if s.coreService(svc) {
			severity = models.SeverityCritical
		}

		message := fmt.Sprintf("service %s is %s on %s", svc, status, device.Name)

		err := s.alerter.TriggerDiscrete(device.TenantID, ruleID, device.ID,
			severity, message, 0, map[string]string{
				"service": svc,
				"status":  status,
			})
		if err != nil {
			s.log.Error().Err(err).
				Str("device_id", device.ID).
				Str("service", svc).
				Msg("Failed to trigger component alert")
		}
	}
}

func (s *Service) coreService(svc string) bool {
	for _, c := range s.cfg.CoreServices {
		if c == svc {
			return true
		}
	}

	return false
}
