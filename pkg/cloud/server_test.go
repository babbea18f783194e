package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/checkin"
	"github.com/mfreeman451/fleetmon/pkg/config"
	"github.com/mfreeman451/fleetmon/pkg/db"
	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.CloudConfig{
		ListenAddr: "127.0.0.1:0",
		DBPath:     filepath.Join(t.TempDir(), "cloud.db"),
	}
	require.NoError(t, cfg.Validate())

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.store.Close() })

	return srv
}

func createDevice(t *testing.T, srv *Server, id string, monitor models.MonitorConfig) *models.Device {
	t.Helper()

	now := time.Now().UTC()
	device := &models.Device{
		ID:        id,
		TenantID:  "tenant-1",
		Name:      id,
		Status:    models.DeviceRegistered,
		Monitor:   monitor,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, srv.store.CreateDevice(device))

	return device
}

func TestSweepOpensOfflineAlertAndHeartbeatResolves(t *testing.T) {
	srv := newTestServer(t)
	device := createDevice(t, srv, "dev-1", models.MonitorConfig{})

	past := time.Now().Add(-time.Hour)
	require.NoError(t, srv.store.UpdateHeartbeat(device.ID, past, 100, "1.0"))

	srv.sweepOnce(time.Now())

	stored, err := srv.store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, stored.Status)

	alert, err := srv.store.GetOpenAlert(models.RuleDeviceOffline, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	// A second sweep must not open another episode.
	srv.sweepOnce(time.Now())

	alerts, err := srv.store.ListAlerts("", "", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// The next heartbeat closes the episode.
	err = srv.checkin.ProcessHeartbeat(stored, &checkin.HeartbeatRequest{UptimeSeconds: 200})
	require.NoError(t, err)

	_, err = srv.store.GetOpenAlert(models.RuleDeviceOffline, device.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func pingEvent(device *models.Device, success float64, at time.Time) poller.Event {
	return poller.Event{
		DeviceID: device.ID,
		TenantID: device.TenantID,
		Kind:     poller.KindICMP,
		Samples: []models.MetricSample{{
			DeviceID:  device.ID,
			TenantID:  device.TenantID,
			Name:      models.MetricPingSuccess,
			Value:     success,
			Method:    models.MethodPoll,
			Timestamp: at,
		}},
		Timestamp: at,
	}
}

func TestReachabilityEpisodeLifecycle(t *testing.T) {
	srv := newTestServer(t)
	device := createDevice(t, srv, "ping-dev", models.MonitorConfig{Mode: models.MonitorICMP})

	now := time.Now().UTC()

	// Two failures stay below the episode threshold.
	srv.handleEvent(pingEvent(device, 0, now))
	srv.handleEvent(pingEvent(device, 0, now.Add(time.Second)))

	_, err := srv.store.GetOpenAlert(models.RulePingFailure, device.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The third opens a warning episode.
	srv.handleEvent(pingEvent(device, 0, now.Add(2*time.Second)))

	alert, err := srv.store.GetOpenAlert(models.RulePingFailure, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	// Two more escalate the same episode to critical.
	srv.handleEvent(pingEvent(device, 0, now.Add(3*time.Second)))
	srv.handleEvent(pingEvent(device, 0, now.Add(4*time.Second)))

	alert, err = srv.store.GetOpenAlert(models.RulePingFailure, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, float64(5), alert.CurrentValue)

	alerts, err := srv.store.ListAlerts("", "", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// A successful ping closes the episode.
	srv.handleEvent(pingEvent(device, 1, now.Add(5*time.Second)))

	_, err = srv.store.GetOpenAlert(models.RulePingFailure, device.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestHandleEventPersistsSamples(t *testing.T) {
	srv := newTestServer(t)
	device := createDevice(t, srv, "snmp-dev", models.MonitorConfig{Mode: models.MonitorSNMP})

	at := time.Now().UTC().Truncate(time.Second)
	srv.handleEvent(poller.Event{
		DeviceID: device.ID,
		TenantID: device.TenantID,
		Kind:     poller.KindSNMP,
		Samples: []models.MetricSample{{
			DeviceID:  device.ID,
			Name:      models.MetricCPUPercent,
			Value:     42,
			Method:    models.MethodPoll,
			Timestamp: at,
		}},
		Timestamp: at,
	})

	sample, err := srv.store.GetLatestMetric(device.ID, models.MetricCPUPercent, at.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(42), sample.Value)

	stored, err := srv.store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, at, stored.LastSeenAt, time.Second)
}

func TestHandleEventErrorLeavesRegistryStatus(t *testing.T) {
	srv := newTestServer(t)
	device := createDevice(t, srv, "bad-dev", models.MonitorConfig{Mode: models.MonitorSNMP})

	srv.handleEvent(poller.Event{
		DeviceID:  device.ID,
		Kind:      poller.KindSNMP,
		Err:       errors.New("timeout"),
		Timestamp: time.Now(),
	})

	// Poll failures are session state; the registry status only moves
	// on heartbeats, sweeps, or operator action.
	stored, err := srv.store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRegistered, stored.Status)
	assert.True(t, stored.LastSeenAt.IsZero())
}

type stubChecker struct{}

func (stubChecker) Kind() poller.Kind                 { return poller.KindSNMP }
func (stubChecker) Connect(ctx context.Context) error { return ctx.Err() }
func (stubChecker) Close() error                      { return nil }

func (stubChecker) Poll(_ context.Context) ([]models.MetricSample, error) {
	return nil, nil
}

func TestRefreshDeviceReconcilesSession(t *testing.T) {
	srv := newTestServer(t)
	srv.registry.Register(models.MonitorSNMP, func(_ *models.Device) (poller.Checker, error) {
		return stubChecker{}, nil
	})

	device := createDevice(t, srv, "refresh-dev", models.MonitorConfig{
		Mode:     models.MonitorSNMP,
		Host:     "192.0.2.1",
		Interval: 60,
	})

	require.NoError(t, srv.RefreshDevice(device.ID))
	assert.True(t, srv.poller.Registered(device.ID))

	// Disabling the device tears the session down on the next refresh.
	require.NoError(t, srv.store.DisableDevice(device.ID))
	require.NoError(t, srv.RefreshDevice(device.ID))
	assert.False(t, srv.poller.Registered(device.ID))

	srv.poller.Stop()
}

func TestRegisterViaAPIStartsPollSession(t *testing.T) {
	srv := newTestServer(t)
	srv.registry.Register(models.MonitorSNMP, func(_ *models.Device) (poller.Checker, error) {
		return stubChecker{}, nil
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"tenant_id":"t1","name":"live-register","poll_interval_seconds":60,` +
		`"monitor":{"mode":"snmp","host":"192.0.2.20","interval_seconds":60}}`

	resp, err := http.Post(ts.URL+"/api/devices", "application/json", strings.NewReader(body))
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var device models.Device

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&device))
	resp.Body.Close()

	// No restart needed; the session starts as part of the request.
	assert.True(t, srv.poller.Registered(device.ID))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/devices/"+device.ID, nil)
	require.NoError(t, err)

	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	assert.False(t, srv.poller.Registered(device.ID))

	srv.poller.Stop()
}

func TestTrapSourceResolution(t *testing.T) {
	srv := newTestServer(t)

	createDevice(t, srv, "trap-dev", models.MonitorConfig{
		Mode: models.MonitorSNMP,
		Host: "192.0.2.7",
	})

	device, ok := srv.resolveTrapSource("192.0.2.7")
	require.True(t, ok)
	assert.Equal(t, "trap-dev", device.ID)

	_, ok = srv.resolveTrapSource("192.0.2.99")
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	require.NoError(t, srv.Stop(stopCtx))
}
