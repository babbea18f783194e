package snmp

import (
	"context"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

// DeviceResolver maps a trap's source IP to a registered device.
type DeviceResolver func(sourceIP string) (*models.Device, bool)

// TrapListener receives unsolicited SNMP notifications and injects them
// into the poll event stream. It is passive: a trap never dials the
// device back and never touches active session state.
type TrapListener struct {
	listener *gosnmp.TrapListener
	resolve  DeviceResolver
	inject   func(poller.Event)
	log      zerolog.Logger
}

// NewTrapListener wires a listener to a device resolver and an event
// sink, normally Poller.Inject.
func NewTrapListener(resolve DeviceResolver, inject func(poller.Event)) *TrapListener {
	t := &TrapListener{
		resolve: resolve,
		inject:  inject,
		log:     logger.Component("snmp-trap"),
	}

	tl := gosnmp.NewTrapListener()
	tl.Params = gosnmp.Default
	tl.OnNewTrap = t.handleTrap
	t.listener = tl

	return t
}

// Run listens for traps on addr until the context ends. Listen blocks,
// so it runs in its own goroutine and is shut down via Close.
func (t *TrapListener) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- t.listener.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		t.listener.Close()

		<-errCh

		return nil
	case err := <-errCh:
		return err
	}
}

func (t *TrapListener) handleTrap(packet *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	device, ok := t.resolve(addr.IP.String())
	if !ok {
		t.log.Debug().
			Str("source", addr.IP.String()).
			Msg("Trap from unknown source, dropping")

		return
	}

	values := make(map[string]interface{}, len(packet.Variables))

	for _, variable := range packet.Variables {
		value, err := convertValue(variable)
		if err != nil {
			continue
		}

		values[variable.Name] = value
	}

	now := time.Now()
	samples := Normalize(device, values, now)

	for i := range samples {
		samples[i].Method = models.MethodTrap
	}

	t.log.Debug().
		Str("device_id", device.ID).
		Int("varbinds", len(packet.Variables)).
		Int("samples", len(samples)).
		Msg("Trap received")

	t.inject(poller.Event{
		DeviceID:  device.ID,
		TenantID:  device.TenantID,
		Kind:      poller.KindSNMP,
		Samples:   samples,
		Timestamp: now,
	})
}
