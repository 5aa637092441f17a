// Package status enforces the per-instance lifecycle state machine. Every
// instance owns one Machine; transitions outside the table are rejected, and
// accepted ones are announced on the bus for observability.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppgw/internal/bus"
)

// State represents an instance runtime state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	QRPending    State = "QR_PENDING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	LoggedOut    State = "LOGGED_OUT"
	Terminated   State = "TERMINATED"
)

// validTransitions defines allowed state transitions. Terminated is absorbing
// and reachable from anywhere; it is handled separately in Transition.
var validTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {QRPending, Connected, Reconnecting, LoggedOut},
	QRPending:    {Connected, Connecting, Reconnecting, LoggedOut},
	Connected:    {Reconnecting, LoggedOut},
	Reconnecting: {Connecting, LoggedOut},
	LoggedOut:    {Connecting},
	Terminated:   {},
}

// Machine tracks and enforces one instance's lifecycle transitions.
type Machine struct {
	mu       sync.RWMutex
	current  State
	instance string
	bus      *bus.Bus
}

// NewMachine creates a state machine for an instance, starting Idle.
func NewMachine(instanceKey string, b *bus.Bus) *Machine {
	return &Machine{
		current:  Idle,
		instance: instanceKey,
		bus:      b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine currently sits in the given state.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Terminated is always
// reachable; everything else must follow the transition table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == Terminated {
		return fmt.Errorf("instance %s is terminated", m.instance)
	}
	if to != Terminated && !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindInstanceStatusChanged,
			Instance:  m.instance,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
