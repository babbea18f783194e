package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mfreeman451/fleetmon/pkg/auth"
	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

const (
	defaultLogLimit    = 100
	defaultAlertLimit  = 200
	defaultMetricRange = time.Hour
)

// RegisterDeviceRequest creates a new device. Credentials are generated
// server side and returned exactly once in the response.
type RegisterDeviceRequest struct {
	TenantID     string               `json:"tenant_id"`
	Name         string               `json:"name"`
	Location     string               `json:"location,omitempty"`
	Address      string               `json:"address,omitempty"`
	PollInterval int                  `json:"poll_interval_seconds,omitempty"`
	Monitor      models.MonitorConfig `json:"monitor,omitempty"`
}

// UpdateDeviceRequest carries the mutable device fields.
type UpdateDeviceRequest struct {
	Name         *string               `json:"name,omitempty"`
	Location     *string               `json:"location,omitempty"`
	Address      *string               `json:"address,omitempty"`
	PollInterval *int                  `json:"poll_interval_seconds,omitempty"`
	Monitor      *models.MonitorConfig `json:"monitor,omitempty"`
}

// EnqueueCommandRequest queues a command for a device.
type EnqueueCommandRequest struct {
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")

		return
	}

	creds, err := auth.GenerateCredentials()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to generate credentials")
		s.respondError(w, http.StatusInternalServerError, "failed to generate credentials")

		return
	}

	now := s.nowFunc().UTC()
	device := &models.Device{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		Name:         req.Name,
		Credentials:  creds,
		Location:     req.Location,
		Address:      req.Address,
		Status:       models.DeviceRegistered,
		PollInterval: req.PollInterval,
		Monitor:      req.Monitor,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateDevice(device); err != nil {
		s.log.Error().Err(err).Str("name", req.Name).Msg("Failed to create device")
		s.respondError(w, http.StatusInternalServerError, "failed to create device")

		return
	}

	s.log.Info().
		Str("device_id", device.ID).
		Str("tenant_id", device.TenantID).
		Str("name", device.Name).
		Msg("Device registered")

	s.reconcile(device.ID)

	// The only response that ever carries the secret key.
	s.respondJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list devices")
		s.respondError(w, http.StatusInternalServerError, "failed to list devices")

		return
	}

	now := s.nowFunc()
	for _, d := range devices {
		s.scrubForRead(d, now)
	}

	s.respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")

			return
		}

		s.log.Error().Err(err).Msg("Failed to get device")
		s.respondError(w, http.StatusInternalServerError, "failed to get device")

		return
	}

	s.scrubForRead(device, s.nowFunc())
	s.respondJSON(w, http.StatusOK, device)
}

// reconcile nudges the poller after a device mutation. A failed
// reconcile is logged rather than surfaced; the registry write
// already succeeded and the next restart converges anyway.
func (s *Server) reconcile(deviceID string) {
	if s.reconciler == nil {
		return
	}

	if err := s.reconciler.RefreshDevice(deviceID); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to reconcile poll session")
	}
}

// scrubForRead hides secrets and derives the liveness state before a
// device leaves a read endpoint.
func (s *Server) scrubForRead(d *models.Device, now time.Time) {
	d.Credentials.SecretKey = ""
	d.Credentials.APIKey = ""
	d.Monitor.Password = ""
	d.Monitor.Community = ""
	d.Status = d.EffectiveStatus(now, s.livenessThreshold)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")

			return
		}

		s.respondError(w, http.StatusInternalServerError, "failed to get device")

		return
	}

	var req UpdateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Name != nil {
		device.Name = *req.Name
	}

	if req.Location != nil {
		device.Location = *req.Location
	}

	if req.Address != nil {
		device.Address = *req.Address
	}

	if req.PollInterval != nil {
		device.PollInterval = *req.PollInterval
	}

	if req.Monitor != nil {
		device.Monitor = *req.Monitor
	}

	device.UpdatedAt = s.nowFunc().UTC()

	if err := s.store.UpdateDevice(device); err != nil {
		s.log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to update device")
		s.respondError(w, http.StatusInternalServerError, "failed to update device")

		return
	}

	s.reconcile(device.ID)

	s.scrubForRead(device, s.nowFunc())
	s.respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleDisableDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if err := s.store.DisableDevice(deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")

			return
		}

		s.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to disable device")
		s.respondError(w, http.StatusInternalServerError, "failed to disable device")

		return
	}

	s.log.Info().Str("device_id", deviceID).Msg("Device disabled")

	s.reconcile(deviceID)

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if _, err := s.store.GetDevice(deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")

			return
		}

		s.respondError(w, http.StatusInternalServerError, "failed to get device")

		return
	}

	var req EnqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	cmd, err := s.mailbox.Enqueue(deviceID, req.Payload, req.Priority, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	s.respondJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := s.store.ListCommands(mux.Vars(r)["id"])
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list commands")
		s.respondError(w, http.StatusInternalServerError, "failed to list commands")

		return
	}

	s.respondJSON(w, http.StatusOK, commands)
}

func (s *Server) handleCompleteCommand(w http.ResponseWriter, r *http.Request) {
	commandID := mux.Vars(r)["id"]

	if err := s.mailbox.Complete(commandID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "command not found or not completable")

			return
		}

		s.log.Error().Err(err).Str("command_id", commandID).Msg("Failed to complete command")
		s.respondError(w, http.StatusInternalServerError, "failed to complete command")

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	q := r.URL.Query()

	name := q.Get("name")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "name query parameter is required")

		return
	}

	now := s.nowFunc()

	start, err := parseTimeParam(q.Get("start"), now.Add(-defaultMetricRange))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start time")

		return
	}

	end, err := parseTimeParam(q.Get("end"), now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end time")

		return
	}

	samples, err := s.store.GetMetrics(deviceID, name, start, end)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to get metrics")
		s.respondError(w, http.StatusInternalServerError, "failed to get metrics")

		return
	}

	s.respondJSON(w, http.StatusOK, samples)
}

func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}

	return time.Parse(time.RFC3339, value)
}

func parseIntParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}

	return n
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), defaultLogLimit)

	entries, err := s.store.GetDeviceLogs(mux.Vars(r)["id"], limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to get device logs")
		s.respondError(w, http.StatusInternalServerError, "failed to get logs")

		return
	}

	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetPingStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if _, err := s.store.GetDevice(deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")

			return
		}

		s.respondError(w, http.StatusInternalServerError, "failed to get device")

		return
	}

	s.respondJSON(w, http.StatusOK, s.windows.PingStats(deviceID))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if rule.MetricName == "" || rule.Operator == "" {
		s.respondError(w, http.StatusBadRequest, "metric_name and operator are required")

		return
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	if rule.Severity == "" {
		rule.Severity = models.SeverityWarning
	}

	rule.Enabled = true
	rule.CreatedAt = s.nowFunc().UTC()

	if err := s.store.CreateAlertRule(&rule); err != nil {
		s.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to create alert rule")
		s.respondError(w, http.StatusInternalServerError, "failed to create rule")

		return
	}

	s.respondJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListAlertRules(r.URL.Query().Get("tenant_id"), false)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list alert rules")
		s.respondError(w, http.StatusInternalServerError, "failed to list rules")

		return
	}

	s.respondJSON(w, http.StatusOK, rules)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), defaultAlertLimit)

	alerts, err := s.store.ListAlerts(q.Get("tenant_id"), models.AlertStatus(q.Get("status")), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list alerts")
		s.respondError(w, http.StatusInternalServerError, "failed to list alerts")

		return
	}

	s.respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	if err := s.store.AcknowledgeAlert(alertID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "alert not found or not firing")

			return
		}

		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to acknowledge alert")
		s.respondError(w, http.StatusInternalServerError, "failed to acknowledge alert")

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	var body struct {
		ResolvedBy string `json:"resolved_by,omitempty"`
	}

	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.ResolvedBy == "" {
		body.ResolvedBy = "operator"
	}

	if err := s.store.ResolveAlertByID(alertID, body.ResolvedBy, s.nowFunc().UTC()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "alert not found or already resolved")

			return
		}

		s.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to resolve alert")
		s.respondError(w, http.StatusInternalServerError, "failed to resolve alert")

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// SystemStatus is the fleet summary served by /api/status.
type SystemStatus struct {
	TotalDevices  int       `json:"total_devices"`
	OnlineDevices int       `json:"online_devices"`
	OpenAlerts    int       `json:"open_alerts"`
	ActiveSeries  int64     `json:"active_series"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.store.ListDevices("")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list devices")
		s.respondError(w, http.StatusInternalServerError, "failed to get status")

		return
	}

	now := s.nowFunc()
	status := SystemStatus{
		TotalDevices: len(devices),
		ActiveSeries: s.windows.ActiveSeries(),
		Timestamp:    now.UTC(),
	}

	for _, d := range devices {
		if d.EffectiveStatus(now, s.livenessThreshold) == models.DeviceOnline {
			status.OnlineDevices++
		}
	}

	for _, st := range []models.AlertStatus{models.AlertFiring, models.AlertAcknowledged} {
		alerts, err := s.store.ListAlerts("", st, 0)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to list alerts")
			s.respondError(w, http.StatusInternalServerError, "failed to get status")

			return
		}

		status.OpenAlerts += len(alerts)
	}

	s.respondJSON(w, http.StatusOK, status)
}
