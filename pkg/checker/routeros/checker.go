// Package routeros polls MikroTik devices over the RouterOS API and
// normalizes resource and interface readings onto canonical metric
// names.
package routeros

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	routerosapi "github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"

	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

const (
	defaultPort    = 8728
	defaultTimeout = 5 * time.Second
)

var (
	errHostRequired = errors.New("routeros target host is required")
	errNotConnected = errors.New("routeros session not connected")
	errFailedToDial = errors.New("failed to dial RouterOS API")
	errFailedToRun  = errors.New("RouterOS command failed")
)

// apiConn is the slice of the RouterOS client the checker uses.
type apiConn interface {
	Run(sentence ...string) (*routerosapi.Reply, error)
	Close() error
}

type dialFunc func(address, username, password string, timeout time.Duration) (apiConn, error)

func dialAPI(address, username, password string, timeout time.Duration) (apiConn, error) {
	conn, err := routerosapi.DialTimeout(address, username, password, timeout)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Checker is one RouterOS API session against one device.
type Checker struct {
	device   *models.Device
	address  string
	username string
	password string
	dial     dialFunc
	conn     apiConn
}

// NewChecker builds a session from the device's monitor configuration.
func NewChecker(device *models.Device) (*Checker, error) {
	m := device.Monitor

	host := m.Host
	if host == "" {
		host = device.Address
	}

	if host == "" {
		return nil, errHostRequired
	}

	port := m.Port
	if port == 0 {
		port = defaultPort
	}

	return &Checker{
		device:   device,
		address:  fmt.Sprintf("%s:%d", host, port),
		username: m.Username,
		password: m.Password,
		dial:     dialAPI,
	}, nil
}

// Kind implements poller.Checker.
func (c *Checker) Kind() poller.Kind { return poller.KindRouterOS }

// Connect implements poller.Checker.
func (c *Checker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.conn != nil {
		return nil
	}

	conn, err := c.dial(c.address, c.username, c.password, defaultTimeout)
	if err != nil {
		return fmt.Errorf("%w %s: %w", errFailedToDial, c.address, err)
	}

	c.conn = conn

	return nil
}

// Poll implements poller.Checker.
func (c *Checker) Poll(ctx context.Context) ([]models.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.conn == nil {
		return nil, errNotConnected
	}

	now := time.Now()

	resource, err := c.conn.Run("/system/resource/print")
	if err != nil {
		c.drop()

		return nil, fmt.Errorf("%w: %w", errFailedToRun, err)
	}

	var samples []models.MetricSample

	if len(resource.Re) > 0 {
		samples = append(samples,
			normalizeResource(c.device, resource.Re[0].Map, now)...)
	}

	ifaces, err := c.conn.Run("/interface/print", "stats")
	if err != nil {
		c.drop()

		return nil, fmt.Errorf("%w: %w", errFailedToRun, err)
	}

	for _, re := range ifaces.Re {
		samples = append(samples,
			normalizeInterface(c.device, re.Map, now)...)
	}

	leases, err := c.conn.Run("/ip/dhcp-server/lease/print")
	if err != nil {
		c.drop()

		return nil, fmt.Errorf("%w: %w", errFailedToRun, err)
	}

	samples = append(samples, leaseSamples(c.device, leases.Re, now)...)

	return samples, nil
}

// leaseSamples counts DHCP leases and how many of them are bound.
func leaseSamples(device *models.Device, rows []*proto.Sentence, now time.Time) []models.MetricSample {
	bound := 0

	for _, re := range rows {
		if re.Map["status"] == "bound" {
			bound++
		}
	}

	samples := make([]models.MetricSample, 0, 2)

	for metric, value := range map[string]float64{
		models.MetricDHCPLeases: float64(len(rows)),
		models.MetricDHCPBound:  float64(bound),
	} {
		samples = append(samples, models.MetricSample{
			DeviceID:  device.ID,
			TenantID:  device.TenantID,
			Name:      metric,
			Value:     value,
			Method:    models.MethodPoll,
			Timestamp: now,
		})
	}

	return samples
}

// Close implements poller.Checker.
func (c *Checker) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

func (c *Checker) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// normalizeResource maps /system/resource/print fields onto canonical
// samples.
func normalizeResource(device *models.Device, fields map[string]string, now time.Time) []models.MetricSample {
	var samples []models.MetricSample

	push := func(name string, value float64, labels map[string]string) {
		samples = append(samples, models.MetricSample{
			DeviceID:  device.ID,
			TenantID:  device.TenantID,
			Name:      name,
			Value:     value,
			Labels:    labels,
			Method:    models.MethodPoll,
			Timestamp: now,
		})
	}

	if cpu, ok := parseFloat(fields["cpu-load"]); ok {
		push(models.MetricCPUPercent, cpu, nil)
	}

	total, haveTotal := parseFloat(fields["total-memory"])
	free, haveFree := parseFloat(fields["free-memory"])

	if haveTotal && haveFree && total > 0 {
		push(models.MetricMemoryPercent, 100*(1-free/total), nil)
	}

	totalHDD, haveTotalHDD := parseFloat(fields["total-hdd-space"])
	freeHDD, haveFreeHDD := parseFloat(fields["free-hdd-space"])

	if haveTotalHDD && haveFreeHDD && totalHDD > 0 {
		push(models.MetricDiskPercent, 100*(1-freeHDD/totalHDD), nil)
	}

	if uptime, ok := parseUptime(fields["uptime"]); ok {
		labels := map[string]string{}

		if board := fields["board-name"]; board != "" {
			labels["board"] = board
		}

		if version := fields["version"]; version != "" {
			labels["version"] = version
		}

		if len(labels) == 0 {
			labels = nil
		}

		push(models.MetricUptimeSeconds, uptime.Seconds(), labels)
	}

	return samples
}

// normalizeInterface maps one /interface/print stats row onto counter
// samples labeled with the interface name.
func normalizeInterface(device *models.Device, fields map[string]string, now time.Time) []models.MetricSample {
	name := fields["name"]
	if name == "" {
		return nil
	}

	labels := map[string]string{"interface": name}

	var samples []models.MetricSample

	for field, metric := range map[string]string{
		"rx-byte":  models.MetricIfInOctets,
		"tx-byte":  models.MetricIfOutOctets,
		"rx-error": models.MetricIfInErrors,
		"tx-error": models.MetricIfOutErrors,
	} {
		if v, ok := parseFloat(fields[field]); ok {
			samples = append(samples, models.MetricSample{
				DeviceID:  device.ID,
				TenantID:  device.TenantID,
				Name:      metric,
				Value:     v,
				Labels:    labels,
				Method:    models.MethodPoll,
				Timestamp: now,
			})
		}
	}

	return samples
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}

	return f, true
}

// parseUptime reads RouterOS duration strings such as "1w2d3h4m5s".
func parseUptime(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}

	var (
		total time.Duration
		num   int64
		seen  bool
	)

	for _, r := range s {
		if r >= '0' && r <= '9' {
			num = num*10 + int64(r-'0')
			seen = true

			continue
		}

		var unit time.Duration

		switch r {
		case 'w':
			unit = 7 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		default:
			return 0, false
		}

		total += time.Duration(num) * unit
		num = 0
	}

	if !seen {
		return 0, false
	}

	return total, true
}
