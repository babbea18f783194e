package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

func sample(deviceID, name string, value float64, at time.Time) models.MetricSample {
	return models.MetricSample{
		DeviceID:  deviceID,
		Name:      name,
		Value:     value,
		Method:    models.MethodPoll,
		Timestamp: at,
	}
}

func TestWindowNewestFirst(t *testing.T) {
	m := NewWindowManager(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		m.Add(sample("d1", models.MetricCPUPercent, float64(i),
			now.Add(time.Duration(i)*time.Second)))
	}

	points := m.Recent("d1", models.MetricCPUPercent)
	require.Len(t, points, 3)
	assert.InDelta(t, 4, points[0].Value, 0.001)
	assert.InDelta(t, 3, points[1].Value, 0.001)
	assert.InDelta(t, 2, points[2].Value, 0.001)

	latest, ok := m.Latest("d1", models.MetricCPUPercent)
	require.True(t, ok)
	assert.InDelta(t, 4, latest.Value, 0.001)
}

func TestWindowPartiallyFilled(t *testing.T) {
	m := NewWindowManager(10)

	assert.Empty(t, m.Recent("d1", models.MetricCPUPercent))

	_, ok := m.Latest("d1", models.MetricCPUPercent)
	assert.False(t, ok)

	m.Add(sample("d1", models.MetricCPUPercent, 42, time.Now()))

	points := m.Recent("d1", models.MetricCPUPercent)
	require.Len(t, points, 1)
	assert.InDelta(t, 42, points[0].Value, 0.001)
}

func TestSeriesIsolation(t *testing.T) {
	m := NewWindowManager(10)
	now := time.Now()

	m.Add(sample("d1", models.MetricCPUPercent, 10, now))
	m.Add(sample("d1", models.MetricMemoryPercent, 20, now))
	m.Add(sample("d2", models.MetricCPUPercent, 30, now))

	assert.Equal(t, int64(3), m.ActiveSeries())

	points := m.Recent("d1", models.MetricCPUPercent)
	require.Len(t, points, 1)
	assert.InDelta(t, 10, points[0].Value, 0.001)
}

func TestConsecutiveFailures(t *testing.T) {
	tests := []struct {
		name   string
		values []float64 // oldest to newest
		want   int
	}{
		{name: "no samples", values: nil, want: 0},
		{name: "all healthy", values: []float64{1, 1, 1}, want: 0},
		{name: "trailing failures", values: []float64{1, 1, 0, 0, 0}, want: 3},
		{name: "recovered", values: []float64{0, 0, 1}, want: 0},
		{name: "all failed", values: []float64{0, 0, 0, 0}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewWindowManager(10)
			now := time.Now()

			for i, v := range tt.values {
				m.Add(sample("d1", models.MetricPingSuccess, v,
					now.Add(time.Duration(i)*time.Second)))
			}

			assert.Equal(t, tt.want,
				m.ConsecutiveFailures("d1", models.MetricPingSuccess))
		})
	}
}

func TestPingStats(t *testing.T) {
	m := NewWindowManager(10)
	now := time.Now()

	for i, v := range []float64{1, 1, 0, 0} {
		at := now.Add(time.Duration(i) * time.Second)
		m.Add(sample("d1", models.MetricPingSuccess, v, at))
	}

	m.Add(sample("d1", models.MetricPingRTTMs, 10, now))
	m.Add(sample("d1", models.MetricPingRTTMs, 20, now.Add(time.Second)))

	stats := m.PingStats("d1")
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 50, stats.UptimePercent, 0.001)
	assert.InDelta(t, 15, stats.AvgResponseTimeMs, 0.001)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	require.NotNil(t, stats.LastPing)
}

func TestConcurrentAdds(t *testing.T) {
	m := NewWindowManager(64)

	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			device := fmt.Sprintf("d%d", g%2)

			for i := 0; i < 100; i++ {
				m.Add(sample(device, models.MetricCPUPercent, float64(i), time.Now()))
			}
		}(g)
	}

	wg.Wait()

	assert.Len(t, m.Recent("d0", models.MetricCPUPercent), 64)
	assert.Len(t, m.Recent("d1", models.MetricCPUPercent), 64)
}
