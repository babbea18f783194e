package icmp

import (
	"context"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

type pingFunc func(ctx context.Context, addr string) (time.Duration, bool, error)

// Checker probes one device's address. A failed probe is a valid
// reading, not a poll error: the sample value carries reachability so
// the alarm path can count consecutive failures.
type Checker struct {
	device *models.Device
	addr   string
	ping   pingFunc
}

// NewChecker builds an ICMP session for a device using the shared
// pinger.
func NewChecker(device *models.Device, pinger *Pinger) (*Checker, error) {
	addr := device.Monitor.Host
	if addr == "" {
		addr = device.Address
	}

	if addr == "" {
		return nil, errInvalidAddress
	}

	return &Checker{
		device: device,
		addr:   addr,
		ping:   pinger.Ping,
	}, nil
}

// Kind implements poller.Checker.
func (c *Checker) Kind() poller.Kind { return poller.KindICMP }

// Connect implements poller.Checker. Echo probes are connectionless.
func (c *Checker) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Poll implements poller.Checker.
func (c *Checker) Poll(ctx context.Context) ([]models.MetricSample, error) {
	rtt, reachable, err := c.ping(ctx, c.addr)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	success := 0.0
	if reachable {
		success = 1.0
	}

	samples := []models.MetricSample{{
		DeviceID:  c.device.ID,
		TenantID:  c.device.TenantID,
		Name:      models.MetricPingSuccess,
		Value:     success,
		Method:    models.MethodPoll,
		Timestamp: now,
	}}

	if reachable {
		samples = append(samples, models.MetricSample{
			DeviceID:  c.device.ID,
			TenantID:  c.device.TenantID,
			Name:      models.MetricPingRTTMs,
			Value:     float64(rtt) / float64(time.Millisecond),
			Method:    models.MethodPoll,
			Timestamp: now,
		})
	}

	return samples, nil
}

// Close implements poller.Checker.
func (c *Checker) Close() error { return nil }
