// Package notify fans alert episode transitions out to delivery
// channels: webhooks and live websocket subscribers. Each channel gets
// one attempt plus at most one resend per event.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// EventType marks which transition an event carries.
type EventType string

const (
	EventAlertFired    EventType = "alert.fired"
	EventAlertResolved EventType = "alert.resolved"
)

// Event is one notification unit.
type Event struct {
	Type      EventType     `json:"type"`
	Alert     *models.Alert `json:"alert"`
	Timestamp time.Time     `json:"timestamp"`
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}

const (
	sendTimeout = 10 * time.Second
	resendWait  = 5 * time.Second
)

// Dispatcher implements the alerting engine's notifier on top of a set
// of channels. Delivery is asynchronous; the engine never blocks on a
// slow webhook.
type Dispatcher struct {
	channels   []Channel
	resendWait time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given channels.
func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels:   channels,
		resendWait: resendWait,
		log:        logger.Component("notify"),
	}
}

// AlertFired dispatches a new-episode notification.
func (d *Dispatcher) AlertFired(alert *models.Alert) {
	d.dispatch(&Event{Type: EventAlertFired, Alert: alert, Timestamp: time.Now()})
}

// AlertResolved dispatches a resolution notification.
func (d *Dispatcher) AlertResolved(alert *models.Alert) {
	d.dispatch(&Event{Type: EventAlertResolved, Alert: alert, Timestamp: time.Now()})
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(event *Event) {
	for _, ch := range d.channels {
		d.wg.Add(1)

		go func(ch Channel) {
			defer d.wg.Done()

			d.deliver(ch, event)
		}(ch)
	}
}

// deliver tries a channel once and resends once after a pause. A
// second failure drops the event; alert state is already persisted, so
// notifications are best-effort by design.
func (d *Dispatcher) deliver(ch Channel, event *Event) {
	err := d.send(ch, event)
	if err == nil {
		return
	}

	d.log.Warn().Err(err).
		Str("channel", ch.Name()).
		Str("alert_id", event.Alert.ID).
		Msg("Notification failed, retrying once")

	time.Sleep(d.resendWait)

	if err := d.send(ch, event); err != nil {
		d.log.Error().Err(err).
			Str("channel", ch.Name()).
			Str("alert_id", event.Alert.ID).
			Msg("Notification dropped after resend")
	}
}

func (d *Dispatcher) send(ch Channel, event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	return ch.Send(ctx, event)
}
