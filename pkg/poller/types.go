// Package poller schedules active monitoring sessions against devices
// and funnels their readings into a single event stream. Protocol
// checkers plug in behind the Checker interface; the framework owns
// scheduling, timeouts, and reconnect backoff.
package poller

import (
	"context"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

// Kind identifies the protocol a checker speaks.
type Kind string

const (
	KindSNMP     Kind = "snmp"
	KindRouterOS Kind = "routeros"
	KindICMP     Kind = "icmp"
)

// Checker is one protocol session against one device. Connect is
// called before the first Poll and again after any failure; Close must
// be safe to call more than once.
type Checker interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Poll(ctx context.Context) ([]models.MetricSample, error)
	Close() error
}

// Event is one poll outcome, successful or not. Failed polls carry Err
// and no samples.
type Event struct {
	DeviceID  string
	TenantID  string
	Kind      Kind
	Samples   []models.MetricSample
	Err       error
	Timestamp time.Time
}

// DefaultReconnectWait is how long a runner idles after a failed poll
// or connect before dialing again.
const DefaultReconnectWait = 5 * time.Second

// minPollTimeout floors the per-poll deadline for very short intervals.
const minPollTimeout = time.Second
