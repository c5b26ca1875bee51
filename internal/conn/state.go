package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
)

// State represents the transport connection state. There is exactly one
// state machine per underlying transport; conversations multiplex over it.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Error is terminal
// until an explicit manual reconnect re-enters Connecting.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Error, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. Watchers are
// notified synchronously and in registration order; no transition is
// skipped or coalesced, since offline queue draining depends on observing
// the precise moment of entering Connected.
type Machine struct {
	mu       sync.RWMutex
	current  State
	watchers []func(StatusChange)
	bus      *bus.Bus
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch registers a synchronous observer. Watchers run under the machine
// lock and must return promptly; they must not call Transition.
func (m *Machine) Watch(fn func(StatusChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	change := StatusChange{From: from, To: to}
	for _, fn := range m.watchers {
		fn(change)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload:   change,
		})
	}
	return nil
}
