// Package api exposes the HTTP surface: authenticated agent endpoints
// for heartbeats and check-ins, and admin endpoints for the registry,
// mailbox, metric history, rules, and alerts.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/auth"
	"github.com/mfreeman451/fleetmon/pkg/checkin"
	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/mailbox"
	"github.com/mfreeman451/fleetmon/pkg/metrics"
)

const maxBodyBytes = 1 << 20 // 1MB

// Reconciler brings a device's poll session in line with its current
// registry row. The API calls it after every device mutation so that
// registering, reconfiguring, or disabling a device takes effect
// without a restart.
type Reconciler interface {
	RefreshDevice(deviceID string) error
}

// Server routes HTTP traffic to the underlying services.
type Server struct {
	store             db.Service
	guard             *auth.Guard
	checkin           *checkin.Service
	mailbox           *mailbox.Mailbox
	windows           *metrics.WindowManager
	events            http.Handler
	reconciler        Reconciler
	livenessThreshold time.Duration
	router            *mux.Router
	log               zerolog.Logger
	nowFunc           func() time.Time
}

// NewServer wires the router. events may be nil when no websocket hub
// is configured, and reconciler may be nil when no poller is running.
func NewServer(store db.Service, guard *auth.Guard, checkinSvc *checkin.Service, mb *mailbox.Mailbox, windows *metrics.WindowManager, events http.Handler, reconciler Reconciler, livenessThreshold time.Duration) *Server {
	s := &Server{
		store:             store,
		guard:             guard,
		checkin:           checkinSvc,
		mailbox:           mb,
		windows:           windows,
		events:            events,
		reconciler:        reconciler,
		livenessThreshold: livenessThreshold,
		router:            mux.NewRouter(),
		log:               logger.Component("api"),
		nowFunc:           time.Now,
	}

	s.setupRoutes()

	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(commonMiddleware)

	// Preflight requests need a matching route for the middleware to run.
	s.router.PathPrefix("/api/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Agent endpoints; authenticated per request by credential headers
	// and a body signature.
	s.router.HandleFunc("/api/agent/heartbeat", s.handleHeartbeat).Methods("POST")
	s.router.HandleFunc("/api/agent/metrics", s.handleAgentMetrics).Methods("POST")
	s.router.HandleFunc("/api/agent/checkin", s.handleCheckin).Methods("POST")

	// Device registry.
	s.router.HandleFunc("/api/devices", s.handleRegisterDevice).Methods("POST")
	s.router.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}", s.handleGetDevice).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}", s.handleUpdateDevice).Methods("PUT")
	s.router.HandleFunc("/api/devices/{id}", s.handleDisableDevice).Methods("DELETE")

	// Command mailbox.
	s.router.HandleFunc("/api/devices/{id}/commands", s.handleEnqueueCommand).Methods("POST")
	s.router.HandleFunc("/api/devices/{id}/commands", s.handleListCommands).Methods("GET")
	s.router.HandleFunc("/api/commands/{id}/complete", s.handleCompleteCommand).Methods("POST")

	// Metric history, logs, and reachability.
	s.router.HandleFunc("/api/devices/{id}/metrics", s.handleGetMetrics).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/logs", s.handleGetLogs).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/ping", s.handleGetPingStats).Methods("GET")

	// Alert rules and alerts.
	s.router.HandleFunc("/api/rules", s.handleCreateRule).Methods("POST")
	s.router.HandleFunc("/api/rules", s.handleListRules).Methods("GET")
	s.router.HandleFunc("/api/alerts", s.handleListAlerts).Methods("GET")
	s.router.HandleFunc("/api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods("POST")
	s.router.HandleFunc("/api/alerts/{id}/resolve", s.handleResolveAlert).Methods("POST")

	s.router.HandleFunc("/api/status", s.handleSystemStatus).Methods("GET")

	if s.events != nil {
		s.router.Handle("/api/events/ws", s.events).Methods("GET")
	}
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type,"+auth.HeaderAuthCode+","+auth.HeaderAPIKey+","+auth.HeaderSignature)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
