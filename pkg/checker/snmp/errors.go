package snmp

import "errors"

var (
	errHostRequired       = errors.New("snmp target host is required")
	errUnsupportedVersion = errors.New("unsupported SNMP version")
	errNotConnected       = errors.New("snmp session not connected")
	errFailedToConnect    = errors.New("failed to connect to SNMP target")
	errFailedToGet        = errors.New("SNMP get failed")
	errUnsupportedType    = errors.New("unsupported SNMP value type")
)
