package snmp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

func testDevice(deviceType string) *models.Device {
	return &models.Device{
		ID:       "d1",
		TenantID: "tenant-1",
		Name:     "edge-router",
		Monitor: models.MonitorConfig{
			Mode:       models.MonitorSNMP,
			Host:       "192.0.2.1",
			Community:  "public",
			Version:    Version2c,
			DeviceType: deviceType,
		},
	}
}

func findSample(samples []models.MetricSample, name string) (models.MetricSample, bool) {
	for _, s := range samples {
		if s.Name == name {
			return s, true
		}
	}

	return models.MetricSample{}, false
}

func TestNormalizeStandardOIDs(t *testing.T) {
	now := time.Now()

	values := map[string]interface{}{
		oidSysDescr:     "RouterOS RB4011",
		oidSysName:      "edge-router",
		oidSysLocation:  "rack 4",
		oidSysUpTime:    90 * time.Minute,
		oidSsCpuIdle:    35,
		oidMemTotalReal: uint64(1048576),
		oidMemAvailReal: uint64(262144),
		oidLaLoad1:      "0.75",
		oidIfInOctets:   uint64(123456),
		oidIfOutOctets:  uint64(654321),
		oidIfInErrors:   uint64(2),
		oidIfOutErrors:  uint64(0),
	}

	samples := Normalize(testDevice(""), values, now)

	uptime, ok := findSample(samples, models.MetricUptimeSeconds)
	require.True(t, ok)
	assert.InDelta(t, 5400, uptime.Value, 0.001)
	assert.Equal(t, "edge-router", uptime.Labels["sys_name"])
	assert.Equal(t, "RouterOS RB4011", uptime.Labels["sys_descr"])

	cpu, ok := findSample(samples, models.MetricCPUPercent)
	require.True(t, ok)
	assert.InDelta(t, 65, cpu.Value, 0.001)

	mem, ok := findSample(samples, models.MetricMemoryPercent)
	require.True(t, ok)
	assert.InDelta(t, 75, mem.Value, 0.001)

	load, ok := findSample(samples, models.MetricLoadAverage1)
	require.True(t, ok)
	assert.InDelta(t, 0.75, load.Value, 0.001)

	ifIn, ok := findSample(samples, models.MetricIfInOctets)
	require.True(t, ok)
	assert.InDelta(t, 123456, ifIn.Value, 0.001)
	assert.Equal(t, "1", ifIn.Labels["interface"])

	for _, s := range samples {
		assert.Equal(t, "d1", s.DeviceID)
		assert.Equal(t, models.MethodPoll, s.Method)
		assert.True(t, s.Timestamp.Equal(now))
	}
}

func TestNormalizeVendorSensors(t *testing.T) {
	values := map[string]interface{}{
		oidMtxrVoltage:     241,
		oidMtxrTemperature: 385,
		oidMtxrCPUTemp:     512,
	}

	samples := Normalize(testDevice(deviceTypeMikroTik), values, time.Now())

	voltage, ok := findSample(samples, MetricSensorVoltage)
	require.True(t, ok)
	assert.InDelta(t, 24.1, voltage.Value, 0.001)

	temp, ok := findSample(samples, MetricBoardTempC)
	require.True(t, ok)
	assert.InDelta(t, 38.5, temp.Value, 0.001)

	cpuTemp, ok := findSample(samples, MetricCPUTempC)
	require.True(t, ok)
	assert.InDelta(t, 51.2, cpuTemp.Value, 0.001)
}

func TestNormalizeMissingReadings(t *testing.T) {
	// Only memory total, no avail: no memory sample fabricated.
	values := map[string]interface{}{
		oidMemTotalReal: uint64(1048576),
	}

	samples := Normalize(testDevice(""), values, time.Now())
	assert.Empty(t, samples)
}

func TestNormalizeBadLoadString(t *testing.T) {
	values := map[string]interface{}{
		oidLaLoad1: "not-a-number",
	}

	samples := Normalize(testDevice(""), values, time.Now())
	_, ok := findSample(samples, models.MetricLoadAverage1)
	assert.False(t, ok)
}

func TestNewCheckerValidation(t *testing.T) {
	device := testDevice("")
	device.Monitor.Host = ""
	device.Address = ""

	_, err := NewChecker(device)
	assert.ErrorIs(t, err, errHostRequired)

	device.Monitor.Host = "192.0.2.1"
	device.Monitor.Version = "3"

	_, err = NewChecker(device)
	assert.ErrorIs(t, err, errUnsupportedVersion)

	device.Monitor.Version = Version2c

	c, err := NewChecker(device)
	require.NoError(t, err)
	assert.Len(t, c.oids, len(defaultOIDs()))

	device.Monitor.DeviceType = "MikroTik"

	c, err = NewChecker(device)
	require.NoError(t, err)
	assert.Len(t, c.oids, len(defaultOIDs())+len(mikrotikOIDs()))
}

func TestCheckerFallsBackToDeviceAddress(t *testing.T) {
	device := testDevice("")
	device.Monitor.Host = ""
	device.Address = "198.51.100.7"

	c, err := NewChecker(device)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", c.client.host)
}

func TestCanceledContextStopsPoll(t *testing.T) {
	c, err := NewChecker(testDevice(""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Connect(ctx), context.Canceled)

	// A live session still refuses to poll once the context is gone.
	c.client.connected = true

	_, err = c.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
