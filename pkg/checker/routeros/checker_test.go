package routeros

import (
	"context"
	"errors"
	"testing"
	"time"

	routerosapi "github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

type fakeConn struct {
	replies map[string]*routerosapi.Reply
	runErr  error
	closed  int
}

func (f *fakeConn) Run(sentence ...string) (*routerosapi.Reply, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}

	if r, ok := f.replies[sentence[0]]; ok {
		return r, nil
	}

	return &routerosapi.Reply{}, nil
}

func (f *fakeConn) Close() error {
	f.closed++

	return nil
}

func reply(rows ...map[string]string) *routerosapi.Reply {
	r := &routerosapi.Reply{}

	for _, row := range rows {
		r.Re = append(r.Re, &proto.Sentence{Map: row})
	}

	return r
}

func testDevice() *models.Device {
	return &models.Device{
		ID:       "d1",
		TenantID: "tenant-1",
		Name:     "mikrotik-1",
		Monitor: models.MonitorConfig{
			Mode:     models.MonitorRouterOS,
			Host:     "192.0.2.5",
			Username: "monitor",
			Password: "hunter2",
		},
	}
}

func findSample(samples []models.MetricSample, name, iface string) (models.MetricSample, bool) {
	for _, s := range samples {
		if s.Name == name && (iface == "" || s.Labels["interface"] == iface) {
			return s, true
		}
	}

	return models.MetricSample{}, false
}

func TestNewCheckerDefaults(t *testing.T) {
	c, err := NewChecker(testDevice())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5:8728", c.address)

	device := testDevice()
	device.Monitor.Host = ""
	device.Address = "198.51.100.9"
	device.Monitor.Port = 8729

	c, err = NewChecker(device)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9:8729", c.address)

	device.Monitor.Host = ""
	device.Address = ""

	_, err = NewChecker(device)
	assert.ErrorIs(t, err, errHostRequired)
}

func TestPollNormalizesResources(t *testing.T) {
	c, err := NewChecker(testDevice())
	require.NoError(t, err)

	conn := &fakeConn{replies: map[string]*routerosapi.Reply{
		"/system/resource/print": reply(map[string]string{
			"cpu-load":        "17",
			"total-memory":    "1073741824",
			"free-memory":     "268435456",
			"total-hdd-space": "16777216",
			"free-hdd-space":  "8388608",
			"uptime":          "1w2d3h",
			"board-name":      "RB4011",
			"version":         "7.14.2",
		}),
		"/interface/print": reply(
			map[string]string{
				"name":     "ether1",
				"rx-byte":  "1000",
				"tx-byte":  "2000",
				"rx-error": "1",
				"tx-error": "0",
			},
			map[string]string{
				"name":    "ether2",
				"rx-byte": "50",
				"tx-byte": "60",
			},
		),
		"/ip/dhcp-server/lease/print": reply(
			map[string]string{"address": "10.0.0.10", "status": "bound"},
			map[string]string{"address": "10.0.0.11", "status": "bound"},
			map[string]string{"address": "10.0.0.12", "status": "waiting"},
		),
	}}
	c.dial = func(_, _, _ string, _ time.Duration) (apiConn, error) {
		return conn, nil
	}

	require.NoError(t, c.Connect(context.Background()))

	samples, err := c.Poll(context.Background())
	require.NoError(t, err)

	cpu, ok := findSample(samples, models.MetricCPUPercent, "")
	require.True(t, ok)
	assert.InDelta(t, 17, cpu.Value, 0.001)

	mem, ok := findSample(samples, models.MetricMemoryPercent, "")
	require.True(t, ok)
	assert.InDelta(t, 75, mem.Value, 0.001)

	disk, ok := findSample(samples, models.MetricDiskPercent, "")
	require.True(t, ok)
	assert.InDelta(t, 50, disk.Value, 0.001)

	uptime, ok := findSample(samples, models.MetricUptimeSeconds, "")
	require.True(t, ok)
	assert.InDelta(t, (9*24*time.Hour + 3*time.Hour).Seconds(), uptime.Value, 0.001)
	assert.Equal(t, "RB4011", uptime.Labels["board"])

	rx1, ok := findSample(samples, models.MetricIfInOctets, "ether1")
	require.True(t, ok)
	assert.InDelta(t, 1000, rx1.Value, 0.001)

	rx2, ok := findSample(samples, models.MetricIfInOctets, "ether2")
	require.True(t, ok)
	assert.InDelta(t, 50, rx2.Value, 0.001)

	// ether2 reported no error counters, so none are fabricated.
	_, ok = findSample(samples, models.MetricIfInErrors, "ether2")
	assert.False(t, ok)

	leases, ok := findSample(samples, models.MetricDHCPLeases, "")
	require.True(t, ok)
	assert.InDelta(t, 3, leases.Value, 0.001)

	bound, ok := findSample(samples, models.MetricDHCPBound, "")
	require.True(t, ok)
	assert.InDelta(t, 2, bound.Value, 0.001)
}

func TestPollFailureDropsSession(t *testing.T) {
	c, err := NewChecker(testDevice())
	require.NoError(t, err)

	conn := &fakeConn{runErr: errors.New("connection reset")}
	c.dial = func(_, _, _ string, _ time.Duration) (apiConn, error) {
		return conn, nil
	}

	require.NoError(t, c.Connect(context.Background()))

	_, err = c.Poll(context.Background())
	require.ErrorIs(t, err, errFailedToRun)
	assert.Equal(t, 1, conn.closed)

	// The session is gone until the next Connect.
	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, errNotConnected)
}

func TestPollWithoutConnect(t *testing.T) {
	c, err := NewChecker(testDevice())
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, errNotConnected)
}

func TestParseUptime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{in: "5s", want: 5 * time.Second, ok: true},
		{in: "4m5s", want: 4*time.Minute + 5*time.Second, ok: true},
		{in: "1w2d3h4m5s", want: 9*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second, ok: true},
		{in: "", ok: false},
		{in: "bogus", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseUptime(tt.in)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
