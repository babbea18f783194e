package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/logger"
	"github.com/mfreeman451/fleetmon/pkg/models"
)

// ErrAlreadyRegistered is returned when a device already has an active
// monitoring session.
var ErrAlreadyRegistered = errors.New("device already registered with poller")

// Poller runs one goroutine per monitored device. Each runner connects,
// polls on its own ticker, and reconnects after failures. A slow or
// broken target never stalls the others.
type Poller struct {
	mu            sync.Mutex
	runners       map[string]*targetRunner
	events        chan Event
	reconnectWait time.Duration
	log           zerolog.Logger
	stopped       bool
}

type targetRunner struct {
	device   *models.Device
	checker  Checker
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Poller with an event buffer of the given size.
func New(eventBuffer int) *Poller {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}

	return &Poller{
		runners:       make(map[string]*targetRunner),
		events:        make(chan Event, eventBuffer),
		reconnectWait: DefaultReconnectWait,
		log:           logger.Component("poller"),
	}
}

// Events is the stream of poll outcomes across all targets.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Register starts a monitoring session for a device. The first connect
// happens inside the runner, so registration never blocks on a slow
// target.
func (p *Poller) Register(ctx context.Context, device *models.Device, checker Checker, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New("poller is stopped")
	}

	if _, exists := p.runners[device.ID]; exists {
		return ErrAlreadyRegistered
	}

	runCtx, cancel := context.WithCancel(ctx)

	r := &targetRunner{
		device:   device,
		checker:  checker,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	p.runners[device.ID] = r

	go p.run(runCtx, r)

	p.log.Info().
		Str("device_id", device.ID).
		Str("kind", string(checker.Kind())).
		Dur("interval", interval).
		Msg("Monitoring session registered")

	return nil
}

// Unregister stops a device's session. It is idempotent; results from
// a poll already in flight are discarded, not emitted.
func (p *Poller) Unregister(deviceID string) {
	p.mu.Lock()
	r, ok := p.runners[deviceID]

	if ok {
		delete(p.runners, deviceID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	r.cancel()
	<-r.done

	p.log.Info().Str("device_id", deviceID).Msg("Monitoring session unregistered")
}

// Registered reports whether a device currently has a session.
func (p *Poller) Registered(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.runners[deviceID]

	return ok
}

// Inject pushes an externally produced event, such as a decoded SNMP
// trap, into the same stream the runners feed. It never touches runner
// state.
func (p *Poller) Inject(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warn().
			Str("device_id", e.DeviceID).
			Msg("Event buffer full, dropping injected event")
	}
}

// Stop cancels every session and waits for the runners to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true

	runners := make([]*targetRunner, 0, len(p.runners))
	for id, r := range p.runners {
		runners = append(runners, r)

		delete(p.runners, id)
	}
	p.mu.Unlock()

	for _, r := range runners {
		r.cancel()
		<-r.done
	}
}

func (p *Poller) run(ctx context.Context, r *targetRunner) {
	defer close(r.done)
	defer func() {
		if err := r.checker.Close(); err != nil {
			p.log.Debug().Err(err).
				Str("device_id", r.device.ID).
				Msg("Checker close failed")
		}
	}()

	for {
		if err := r.checker.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			p.emit(ctx, Event{
				DeviceID:  r.device.ID,
				TenantID:  r.device.TenantID,
				Kind:      r.checker.Kind(),
				Err:       err,
				Timestamp: time.Now(),
			})

			if !p.wait(ctx) {
				return
			}

			continue
		}

		p.pollLoop(ctx, r)

		if ctx.Err() != nil {
			return
		}

		// Poll failure: drop the session and dial again after a pause.
		if err := r.checker.Close(); err != nil {
			p.log.Debug().Err(err).
				Str("device_id", r.device.ID).
				Msg("Checker close failed")
		}

		if !p.wait(ctx) {
			return
		}
	}
}

// pollLoop polls on the runner's ticker until the context ends or a
// poll fails. The first poll fires immediately.
func (p *Poller) pollLoop(ctx context.Context, r *targetRunner) {
	timeout := r.interval / 2
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}

	if !p.pollOnce(ctx, r, timeout) {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.pollOnce(ctx, r, timeout) {
				return
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, r *targetRunner, timeout time.Duration) bool {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	samples, err := r.checker.Poll(pollCtx)
	if ctx.Err() != nil {
		// Unregistered or stopping; discard whatever came back.
		return false
	}

	e := Event{
		DeviceID:  r.device.ID,
		TenantID:  r.device.TenantID,
		Kind:      r.checker.Kind(),
		Timestamp: time.Now(),
	}

	if err != nil {
		e.Err = err
		p.emit(ctx, e)

		return false
	}

	e.Samples = samples
	p.emit(ctx, e)

	return true
}

func (p *Poller) emit(ctx context.Context, e Event) {
	select {
	case p.events <- e:
	case <-ctx.Done():
	}
}

// wait pauses for the reconnect interval; false means the context
// ended first.
func (p *Poller) wait(ctx context.Context) bool {
	timer := time.NewTimer(p.reconnectWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
