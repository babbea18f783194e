// Package metrics keeps short in-memory windows of recent samples per
// device series, feeding liveness checks that should not hit the
// database on every poll.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// DefaultWindowSize is how many samples each series keeps in memory.
const DefaultWindowSize = 100

type seriesWindow struct {
	mu     sync.RWMutex
	buffer *LockFreeRingBuffer
}

// WindowManager tracks a ring buffer per (device, metric) series.
type WindowManager struct {
	series       sync.Map // seriesKey -> *seriesWindow
	windowSize   int
	activeSeries int64
}

type seriesKey struct {
	deviceID string
	name     string
}

// NewWindowManager creates a manager whose series hold windowSize
// samples each. A non-positive size falls back to the default.
func NewWindowManager(windowSize int) *WindowManager {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	return &WindowManager{windowSize: windowSize}
}

// Add records a sample in the window for its device and metric name.
func (m *WindowManager) Add(sample models.MetricSample) {
	key := seriesKey{deviceID: sample.DeviceID, name: sample.Name}

	win, loaded := m.series.LoadOrStore(key, &seriesWindow{
		buffer: NewLockFreeBuffer(m.windowSize),
	})
	if !loaded {
		atomic.AddInt64(&m.activeSeries, 1)
	}

	sw := win.(*seriesWindow)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.buffer.Add(sample.Timestamp, sample.Value)
}

// Recent returns the buffered samples for a series, newest first.
func (m *WindowManager) Recent(deviceID, name string) []models.BufferedPoint {
	win, ok := m.series.Load(seriesKey{deviceID: deviceID, name: name})
	if !ok {
		return nil
	}

	sw := win.(*seriesWindow)

	sw.mu.RLock()
	defer sw.mu.RUnlock()

	return sw.buffer.Points()
}

// Latest returns the newest buffered sample for a series.
func (m *WindowManager) Latest(deviceID, name string) (models.BufferedPoint, bool) {
	points := m.Recent(deviceID, name)
	if len(points) == 0 {
		return models.BufferedPoint{}, false
	}

	return points[0], true
}

// ConsecutiveFailures counts how many of the newest samples in a series
// are zero before the first nonzero one. Used with ping_success samples
// to detect sustained reachability loss.
func (m *WindowManager) ConsecutiveFailures(deviceID, name string) int {
	points := m.Recent(deviceID, name)

	count := 0

	for _, p := range points {
		if p.Value != 0 {
			break
		}

		count++
	}

	return count
}

// ActiveSeries returns how many distinct series hold samples.
func (m *WindowManager) ActiveSeries() int64 {
	return atomic.LoadInt64(&m.activeSeries)
}

// PingStats summarizes the buffered ping samples for a device.
func (m *WindowManager) PingStats(deviceID string) models.PingStats {
	success := m.Recent(deviceID, models.MetricPingSuccess)
	rtt := m.Recent(deviceID, models.MetricPingRTTMs)

	stats := models.PingStats{Total: len(success)}

	for _, p := range success {
		if p.Value != 0 {
			stats.Successful++
		}
	}

	stats.Failed = stats.Total - stats.Successful

	if stats.Total > 0 {
		stats.UptimePercent = 100 * float64(stats.Successful) / float64(stats.Total)
		last := success[0].Timestamp
		stats.LastPing = &last
	}

	if len(rtt) > 0 {
		var sum float64

		for _, p := range rtt {
			sum += p.Value
		}

		stats.AvgResponseTimeMs = sum / float64(len(rtt))
	}

	stats.ConsecutiveFailures = m.ConsecutiveFailures(deviceID, models.MetricPingSuccess)

	return stats
}
