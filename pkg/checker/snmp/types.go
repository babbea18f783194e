// Package snmp polls devices over SNMP and normalizes the standard and
// vendor OID sets onto canonical metric names. It also hosts the trap
// listener for unsolicited notifications.
package snmp

import "time"

// Supported SNMP versions.
const (
	Version1  = "1"
	Version2c = "2c"
)

const (
	defaultPort    = 161
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
)

// Well-known OIDs polled on every target.
const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation = ".1.3.6.1.2.1.1.6.0"

	// UCD-SNMP host gauges.
	oidSsCpuIdle    = ".1.3.6.1.4.1.2021.11.11.0"
	oidMemTotalReal = ".1.3.6.1.4.1.2021.4.5.0"
	oidMemAvailReal = ".1.3.6.1.4.1.2021.4.6.0"
	oidLaLoad1      = ".1.3.6.1.4.1.2021.10.1.3.1"

	// IF-MIB counters for the primary interface.
	oidIfInOctets  = ".1.3.6.1.2.1.2.2.1.10.1"
	oidIfOutOctets = ".1.3.6.1.2.1.2.2.1.16.1"
	oidIfInErrors  = ".1.3.6.1.2.1.2.2.1.14.1"
	oidIfOutErrors = ".1.3.6.1.2.1.2.2.1.20.1"
)

// MikroTik health OIDs, polled when the device type is mikrotik.
const (
	oidMtxrVoltage     = ".1.3.6.1.4.1.14988.1.1.3.8.0"
	oidMtxrTemperature = ".1.3.6.1.4.1.14988.1.1.3.10.0"
	oidMtxrCPUTemp     = ".1.3.6.1.4.1.14988.1.1.3.11.0"
)

// Vendor metric names produced alongside the canonical set.
const (
	MetricSensorVoltage = "sensor_voltage"
	MetricBoardTempC    = "board_temperature_c"
	MetricCPUTempC      = "cpu_temperature_c"
)

// deviceTypeMikroTik selects the vendor OID set.
const deviceTypeMikroTik = "mikrotik"

func defaultOIDs() []string {
	return []string{
		oidSysDescr, oidSysUpTime, oidSysName, oidSysLocation,
		oidSsCpuIdle, oidMemTotalReal, oidMemAvailReal, oidLaLoad1,
		oidIfInOctets, oidIfOutOctets, oidIfInErrors, oidIfOutErrors,
	}
}

func mikrotikOIDs() []string {
	return []string{oidMtxrVoltage, oidMtxrTemperature, oidMtxrCPUTemp}
}
