// Package cloud is the composition root: it owns the store, the active
// pollers, the alert engine, the notification channels, and the HTTP
// surface, and runs the background reconciliation loops.
package cloud

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/alerting"
	"github.com/mfreeman451/fleetmon/pkg/api"
	"github.com/mfreeman451/fleetmon/pkg/auth"
	"github.com/mfreeman451/fleetmon/pkg/checker"
	"github.com/mfreeman451/fleetmon/pkg/checker/icmp"
	"github.com/mfreeman451/fleetmon/pkg/checker/routeros"
	"github.com/mfreeman451/fleetmon/pkg/checker/snmp"
	"github.com/mfreeman451/fleetmon/pkg/checkin"
	"github.com/mfreeman451/fleetmon/pkg/config"
	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/mailbox"
	"github.com/mfreeman451/fleetmon/pkg/metrics"
	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/notify"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

const (
	// Consecutive ping failures before a ping-failure episode opens,
	// and before it escalates to critical.
	pingFailureWarn     = 3
	pingFailureCritical = 5

	retentionSweepInterval = time.Hour
)

// Server ties the subsystems together and implements lifecycle.Service.
type Server struct {
	cfg   *config.CloudConfig
	store db.Service

	windows    *metrics.WindowManager
	poller     *poller.Poller
	registry   checker.Registry
	engine     *alerting.Engine
	dispatcher *notify.Dispatcher
	hub        *notify.Hub
	mailbox    *mailbox.Mailbox
	checkin    *checkin.Service
	trap       *snmp.TrapListener
	apiServer  *api.Server

	// Parent context for poll sessions started after boot. Register,
	// update, and disable reach RefreshDevice through the API, so the
	// sessions must outlive the request that created them.
	runMu  sync.Mutex
	runCtx context.Context

	wg  sync.WaitGroup
	log zerolog.Logger
}

// NewServer builds the full stack from configuration. The returned
// server owns the store and closes it on Stop.
func NewServer(cfg *config.CloudConfig) (*Server, error) {
	store, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		windows: metrics.NewWindowManager(metrics.DefaultWindowSize),
		poller:  poller.New(0),
		mailbox: mailbox.New(store),
		hub:     notify.NewHub(),
		runCtx:  context.Background(),
		log:     logger.Component("cloud"),
	}

	channels := []notify.Channel{s.hub}

	for _, wh := range cfg.Webhooks {
		if wh.Enabled {
			channels = append(channels, notify.NewWebhookChannel(wh))
		}
	}

	s.dispatcher = notify.NewDispatcher(channels...)
	s.engine = alerting.NewEngine(store, s.dispatcher, time.Duration(cfg.PingCooldown))
	s.checkin = checkin.NewService(store, s.mailbox, s.windows, s.engine, cfg.Checkin)

	s.registry = checker.NewRegistry()
	s.registry.Register(models.MonitorSNMP, func(device *models.Device) (poller.Checker, error) {
		return snmp.NewChecker(device)
	})
	s.registry.Register(models.MonitorRouterOS, func(device *models.Device) (poller.Checker, error) {
		return routeros.NewChecker(device)
	})

	pinger := icmp.NewPinger(icmp.DefaultTimeout, 0)
	s.registry.Register(models.MonitorICMP, func(device *models.Device) (poller.Checker, error) {
		return icmp.NewChecker(device, pinger)
	})

	if cfg.Trap.Enabled {
		s.trap = snmp.NewTrapListener(s.resolveTrapSource, s.poller.Inject)
	}

	s.apiServer = api.NewServer(store, auth.NewGuard(store), s.checkin, s.mailbox,
		s.windows, s.hub, s, time.Duration(cfg.LivenessThreshold))

	return s, nil
}

// Router returns the HTTP handler for the lifecycle runner.
func (s *Server) Router() http.Handler {
	return s.apiServer.Router()
}

// Start launches the pollers and background loops. It returns once
// everything is running; the loops stop when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	s.runCtx = ctx
	s.runMu.Unlock()

	if err := s.registerMonitoredDevices(ctx); err != nil {
		return err
	}

	if s.trap != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			if err := s.trap.Run(ctx, s.cfg.Trap.ListenAddr); err != nil {
				s.log.Error().Err(err).Msg("Trap listener stopped")
			}
		}()
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.consumeEvents(ctx)
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.engine.Run(ctx, time.Duration(s.cfg.EvalInterval))
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.mailbox.RunReaper(ctx, time.Duration(s.cfg.ReapInterval))
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.retentionLoop(ctx)
	}()

	s.log.Info().Msg("Cloud server started")

	return nil
}

// Stop shuts the pollers and notifiers down and closes the store.
func (s *Server) Stop(_ context.Context) error {
	s.poller.Stop()
	s.wg.Wait()
	s.dispatcher.Wait()
	s.hub.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.log.Info().Msg("Cloud server stopped")

	return nil
}

// RefreshDevice reconciles one device's poll session after a
// registration or configuration change. It satisfies api.Reconciler.
func (s *Server) RefreshDevice(deviceID string) error {
	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return err
	}

	s.poller.Unregister(device.ID)

	if !device.Enabled || device.Monitor.Mode == models.MonitorNone {
		return nil
	}

	s.runMu.Lock()
	ctx := s.runCtx
	s.runMu.Unlock()

	return s.registerDevice(ctx, device)
}

func (s *Server) registerMonitoredDevices(ctx context.Context) error {
	devices, err := s.store.ListDevices("")
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	for _, device := range devices {
		if !device.Enabled || device.Monitor.Mode == models.MonitorNone {
			continue
		}

		if err := s.registerDevice(ctx, device); err != nil {
			s.log.Error().Err(err).
				Str("device_id", device.ID).
				Str("mode", string(device.Monitor.Mode)).
				Msg("Failed to start poll session")
		}
	}

	return nil
}

func (s *Server) registerDevice(ctx context.Context, device *models.Device) error {
	session, err := s.registry.Build(device)
	if err != nil {
		return err
	}

	interval := time.Duration(device.Monitor.Interval) * time.Second
	if interval <= 0 {
		interval = time.Duration(device.PollInterval) * time.Second
	}

	return s.poller.Register(ctx, device, session, interval)
}

func (s *Server) consumeEvents(ctx context.Context) {
	events := s.poller.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.handleEvent(e)
		}
	}
}

func (s *Server) handleEvent(e poller.Event) {
	if e.Err != nil {
		// Session error state stays inside the poller, which already
		// schedules the reconnect. The registry status is driven by
		// heartbeats and operators, not poll outcomes.
		s.log.Warn().Err(e.Err).
			Str("device_id", e.DeviceID).
			Str("kind", string(e.Kind)).
			Msg("Poll failed")

		return
	}

	if len(e.Samples) == 0 {
		return
	}

	if err := s.store.StoreMetrics(e.Samples); err != nil {
		s.log.Error().Err(err).Str("device_id", e.DeviceID).Msg("Failed to store samples")
	}

	for _, sample := range e.Samples {
		s.windows.Add(sample)
	}

	if err := s.store.UpdateLastSeen(e.DeviceID, e.Timestamp); err != nil {
		s.log.Error().Err(err).Str("device_id", e.DeviceID).Msg("Failed to update last seen")
	}

	if e.Kind == poller.KindICMP {
		s.checkReachability(e)
	}
}

// checkReachability turns runs of failed pings into ping-failure
// episodes and closes them on the first success.
func (s *Server) checkReachability(e poller.Event) {
	var success *float64

	for i := range e.Samples {
		if e.Samples[i].Name == models.MetricPingSuccess {
			success = &e.Samples[i].Value

			break
		}
	}

	if success == nil {
		return
	}

	if *success > 0 {
		if err := s.engine.ResolveDiscrete(models.RulePingFailure, e.DeviceID, "poller"); err != nil {
			s.log.Error().Err(err).Str("device_id", e.DeviceID).Msg("Failed to resolve ping alert")
		}

		return
	}

	failures := s.windows.ConsecutiveFailures(e.DeviceID, models.MetricPingSuccess)
	if failures < pingFailureWarn {
		return
	}

	severity := models.SeverityWarning
	if failures >= pingFailureCritical {
		severity = models.SeverityCritical
	}

	message := fmt.Sprintf("%d consecutive ping failures for device %s", failures, e.DeviceID)

	err := s.engine.TriggerDiscrete(e.TenantID, models.RulePingFailure, e.DeviceID,
		severity, message, float64(failures), map[string]string{
			"consecutive_failures": fmt.Sprintf("%d", failures),
		})
	if err != nil {
		s.log.Error().Err(err).Str("device_id", e.DeviceID).Msg("Failed to trigger ping alert")
	}
}

// sweepLoop periodically reconciles stored statuses with the liveness
// threshold and opens device-offline episodes for fresh flips.
func (s *Server) sweepLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepInterval)
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	flipped, err := s.store.SweepOffline(time.Duration(s.cfg.LivenessThreshold), now)
	if err != nil {
		s.log.Error().Err(err).Msg("Offline sweep failed")

		return
	}

	for _, device := range flipped {
		s.log.Warn().
			Str("device_id", device.ID).
			Time("last_heartbeat", device.LastHeartbeatAt).
			Msg("Device went offline")

		message := fmt.Sprintf("device %s has not checked in since %s",
			device.Name, device.LastHeartbeatAt.Format(time.RFC3339))

		err := s.engine.TriggerDiscrete(device.TenantID, models.RuleDeviceOffline, device.ID,
			models.SeverityCritical, message, 0, map[string]string{
				"last_heartbeat": device.LastHeartbeatAt.Format(time.RFC3339),
			})
		if err != nil {
			s.log.Error().Err(err).Str("device_id", device.ID).Msg("Failed to trigger offline alert")
		}
	}
}

func (s *Server) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.CleanOldData(time.Duration(s.cfg.Retention)); err != nil {
				s.log.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// resolveTrapSource maps a trap's source IP onto a registered device by
// its monitor host or address.
func (s *Server) resolveTrapSource(sourceIP string) (*models.Device, bool) {
	devices, err := s.store.ListDevices("")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to resolve trap source")

		return nil, false
	}

	for _, device := range devices {
		if !device.Enabled {
			continue
		}

		if hostMatches(device.Monitor.Host, sourceIP) || hostMatches(device.Address, sourceIP) {
			return device, true
		}
	}

	return nil, false
}

func hostMatches(configured, sourceIP string) bool {
	if configured == "" {
		return false
	}

	// Configured hosts may carry a port.
	host := configured
	if i := strings.LastIndex(configured, ":"); i > 0 && !strings.Contains(configured[i:], "]") {
		host = configured[:i]
	}

	return host == sourceIP
}
