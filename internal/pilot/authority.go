// Package pilot decides which gateway client may drive the vehicle.
package pilot

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/vehicle"
	"rc-proxy-server/internal/watch"
)

// NoPilot is the holder value when nobody has claimed control.
const NoPilot uint32 = 0

var ErrNotPilot = errors.New("client is not the pilot")

// Authority tracks the current pilot and owns writes to the actuator cell, so
// the holder check and the publish happen under the same lock.
type Authority struct {
	mu        sync.Mutex
	holder    uint32
	actuators *watch.Cell[vehicle.ActuatorData]
}

func NewAuthority(actuators *watch.Cell[vehicle.ActuatorData]) *Authority {
	return &Authority{actuators: actuators}
}

// Claim makes id the pilot. The last claim wins.
func (a *Authority) Claim(id uint32) {
	a.mu.Lock()
	prev := a.holder
	a.holder = id
	a.mu.Unlock()

	if prev != id {
		log.WithField("client_id", id).WithField("previous", prev).Info("pilot claimed")
	}
}

func (a *Authority) Current() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

// ReleaseIfHolder clears the pilot if id holds it and returns the vehicle to
// neutral. It reports whether id was the pilot.
func (a *Authority) ReleaseIfHolder(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == NoPilot || a.holder != id {
		return false
	}
	a.holder = NoPilot
	a.actuators.Publish(vehicle.NeutralActuator())
	log.WithField("client_id", id).Info("pilot released, actuators reset to neutral")
	return true
}

// Apply publishes cmd if id is the pilot.
func (a *Authority) Apply(id uint32, cmd vehicle.ActuatorData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == NoPilot || a.holder != id {
		return ErrNotPilot
	}
	a.actuators.Publish(cmd)
	return nil
}
