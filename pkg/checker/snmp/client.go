package snmp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
)

// client wraps a gosnmp session with reconnect-safe state tracking.
type client struct {
	snmp      *gosnmp.GoSNMP
	host      string
	mu        sync.Mutex
	connected bool
}

func newClient(host string, port uint16, community, version string) (*client, error) {
	if host == "" {
		return nil, errHostRequired
	}

	if port == 0 {
		port = defaultPort
	}

	if community == "" {
		community = "public"
	}

	snmp := &gosnmp.GoSNMP{
		Target:             host,
		Port:               port,
		Community:          community,
		Timeout:            defaultTimeout,
		Retries:            defaultRetries,
		ExponentialTimeout: true,
		MaxOids:            gosnmp.MaxOids,
	}

	switch version {
	case Version1:
		snmp.Version = gosnmp.Version1
	case "", Version2c:
		snmp.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedVersion, version)
	}

	return &client{snmp: snmp, host: host}, nil
}

func (c *client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.connected {
		return nil
	}

	c.snmp.Context = ctx

	if err := c.snmp.Connect(); err != nil {
		return fmt.Errorf("%w %s: %w", errFailedToConnect, c.host, err)
	}

	c.connected = true

	return nil
}

// get fetches the OIDs in MaxOids-sized chunks and converts each
// varbind to a Go value keyed by its OID. The poll context bounds the
// whole exchange; gosnmp checks it between retries.
func (c *client) get(ctx context.Context, oids []string) (map[string]interface{}, error) {
	c.mu.Lock()

	if !c.connected {
		c.mu.Unlock()

		return nil, errNotConnected
	}

	c.snmp.Context = ctx
	c.mu.Unlock()

	results := make(map[string]interface{}, len(oids))

	for i := 0; i < len(oids); i += gosnmp.MaxOids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := i + gosnmp.MaxOids
		if end > len(oids) {
			end = len(oids)
		}

		packet, err := c.snmp.Get(oids[i:end])
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			return nil, fmt.Errorf("%w for %s: %w", errFailedToGet, c.host, err)
		}

		for _, variable := range packet.Variables {
			value, err := convertValue(variable)
			if err != nil {
				// Unsupported types (NoSuchObject and friends) are
				// skipped rather than failing the whole poll.
				continue
			}

			results[variable.Name] = value
		}
	}

	return results, nil
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false

	if c.snmp.Conn != nil {
		return c.snmp.Conn.Close()
	}

	return nil
}

// convertValue maps an SNMP varbind onto a plain Go value.
func convertValue(variable gosnmp.SnmpPDU) (interface{}, error) {
	switch variable.Type {
	case gosnmp.OctetString:
		return string(variable.Value.([]byte)), nil
	case gosnmp.Integer:
		return variable.Value.(int), nil
	case gosnmp.Counter32, gosnmp.Gauge32:
		return uint64(variable.Value.(uint)), nil
	case gosnmp.Counter64:
		return variable.Value.(uint64), nil
	case gosnmp.IPAddress, gosnmp.ObjectIdentifier:
		return variable.Value.(string), nil
	case gosnmp.TimeTicks:
		return time.Duration(variable.Value.(uint32)) * time.Second / 100, nil
	default:
		return nil, fmt.Errorf("%w: %v", errUnsupportedType, variable.Type)
	}
}
