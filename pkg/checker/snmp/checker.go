package snmp

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

// Checker is one SNMP monitoring session against one device.
type Checker struct {
	client *client
	device *models.Device
	oids   []string
}

// NewChecker builds a session from the device's monitor configuration.
func NewChecker(device *models.Device) (*Checker, error) {
	m := device.Monitor

	host := m.Host
	if host == "" {
		host = device.Address
	}

	c, err := newClient(host, m.Port, m.Community, m.Version)
	if err != nil {
		return nil, err
	}

	oids := defaultOIDs()
	if strings.EqualFold(m.DeviceType, deviceTypeMikroTik) {
		oids = append(oids, mikrotikOIDs()...)
	}

	return &Checker{
		client: c,
		device: device,
		oids:   oids,
	}, nil
}

// Kind implements poller.Checker.
func (c *Checker) Kind() poller.Kind { return poller.KindSNMP }

// Connect implements poller.Checker.
func (c *Checker) Connect(ctx context.Context) error {
	return c.client.connect(ctx)
}

// Poll implements poller.Checker.
func (c *Checker) Poll(ctx context.Context) ([]models.MetricSample, error) {
	values, err := c.client.get(ctx, c.oids)
	if err != nil {
		return nil, err
	}

	return Normalize(c.device, values, time.Now()), nil
}

// Close implements poller.Checker.
func (c *Checker) Close() error {
	return c.client.close()
}

// Normalize maps raw OID readings onto canonical metric samples. String
// identity varbinds (sysDescr, sysName) carry no numeric value and are
// folded into labels on the uptime sample instead.
func Normalize(device *models.Device, values map[string]interface{}, now time.Time) []models.MetricSample {
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

	if up, ok := values[oidSysUpTime].(time.Duration); ok {
		labels := identityLabels(values)
		push(models.MetricUptimeSeconds, up.Seconds(), labels)
	}

	if idle, ok := toFloat(values[oidSsCpuIdle]); ok {
		cpu := 100 - idle
		if cpu < 0 {
			cpu = 0
		}

		push(models.MetricCPUPercent, cpu, nil)
	}

	total, haveTotal := toFloat(values[oidMemTotalReal])
	avail, haveAvail := toFloat(values[oidMemAvailReal])

	if haveTotal && haveAvail && total > 0 {
		push(models.MetricMemoryPercent, 100*(1-avail/total), nil)
	}

	if load, ok := toFloat(values[oidLaLoad1]); ok {
		push(models.MetricLoadAverage1, load, nil)
	}

	ifLabels := map[string]string{"interface": "1"}

	for oid, name := range map[string]string{
		oidIfInOctets:  models.MetricIfInOctets,
		oidIfOutOctets: models.MetricIfOutOctets,
		oidIfInErrors:  models.MetricIfInErrors,
		oidIfOutErrors: models.MetricIfOutErrors,
	} {
		if v, ok := toFloat(values[oid]); ok {
			push(name, v, ifLabels)
		}
	}

	// MikroTik health sensors report fixed-point tenths.
	for oid, name := range map[string]string{
		oidMtxrVoltage:     MetricSensorVoltage,
		oidMtxrTemperature: MetricBoardTempC,
		oidMtxrCPUTemp:     MetricCPUTempC,
	} {
		if v, ok := toFloat(values[oid]); ok {
			push(name, v/10, nil)
		}
	}

	return samples
}

func identityLabels(values map[string]interface{}) map[string]string {
	labels := make(map[string]string)

	if descr, ok := values[oidSysDescr].(string); ok {
		labels["sys_descr"] = descr
	}

	if name, ok := values[oidSysName].(string); ok {
		labels["sys_name"] = name
	}

	if loc, ok := values[oidSysLocation].(string); ok {
		labels["sys_location"] = loc
	}

	if len(labels) == 0 {
		return nil
	}

	return labels
}

// toFloat converts the value types produced by convertValue. UCD load
// averages arrive as decimal strings.
func toFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case uint64:
		return float64(value), true
	case float64:
		return value, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}
