// Package checker maps a device's monitor configuration onto a
// protocol checker. Protocol packages register a factory per mode;
// the server builds sessions without knowing the concrete types.
package checker

import (
	"fmt"

	"github.com/mfreeman451/fleetmon/pkg/models"
	"github.com/mfreeman451/fleetmon/pkg/poller"
)

var errNoChecker = fmt.Errorf("no checker registered for monitor mode")

// Factory builds a checker session for one device.
type Factory func(device *models.Device) (poller.Checker, error)

// Registry stores and resolves checker factories by monitor mode.
type Registry interface {
	Register(mode models.MonitorMode, factory Factory)
	Build(device *models.Device) (poller.Checker, error)
}

type checkerRegistry struct {
	factories map[models.MonitorMode]Factory
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() Registry {
	return &checkerRegistry{
		factories: make(map[models.MonitorMode]Factory),
	}
}

func (r *checkerRegistry) Register(mode models.MonitorMode, factory Factory) {
	r.factories[mode] = factory
}

func (r *checkerRegistry) Build(device *models.Device) (poller.Checker, error) {
	f, ok := r.factories[device.Monitor.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errNoChecker, device.Monitor.Mode)
	}

	return f(device)
}
