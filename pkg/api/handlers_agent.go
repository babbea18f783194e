package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mfreeman451/fleetmon/pkg/auth"
	"github.com/mfreeman451/fleetmon/pkg/checkin"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// authenticate reads the raw body and verifies the credential headers
// plus the body signature. The body is returned for decoding; the
// signature covers the exact bytes on the wire.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*models.Device, []byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		if isBodyTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}

		s.respondError(w, status, "failed to read request body")

		return nil, nil, false
	}

	device, err := s.guard.Authenticate(
		r.Header.Get(auth.HeaderAuthCode),
		r.Header.Get(auth.HeaderAPIKey),
		r.Header.Get(auth.HeaderSignature),
		body,
	)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "unauthenticated")

		return nil, nil, false
	}

	return device, body, true
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req checkin.HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := s.checkin.ProcessHeartbeat(device, &req); err != nil {
		s.log.Error().Err(err).Str("device_id", device.ID).Msg("Heartbeat failed")
		s.respondError(w, http.StatusInternalServerError, "heartbeat failed")

		return
	}

	interval := device.PollInterval
	if interval <= 0 {
		interval = 60
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":                   "ok",
		"server_time":              s.nowFunc().UTC(),
		"checkin_interval_seconds": interval,
	})
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	device, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req checkin.MetricsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := s.checkin.ProcessMetrics(device, &req); err != nil {
		s.log.Error().Err(err).Str("device_id", device.ID).Msg("Metric push failed")
		s.respondError(w, http.StatusInternalServerError, "metric push failed")

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	device, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req checkin.CheckinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	resp, err := s.checkin.ProcessCheckin(device, &req)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", device.ID).Msg("Check-in failed")
		s.respondError(w, http.StatusInternalServerError, "check-in failed")

		return
	}

	s.respondJSON(w, http.StatusOK, resp)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError

	return errors.As(err, &maxErr)
}
