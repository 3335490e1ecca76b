package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tidehub/wagate/internal/bus"
)

// State represents a session's connection lifecycle state.
type State string

const (
	Initializing    State = "initializing"
	AwaitingPairing State = "awaiting_pairing"
	Connected       State = "connected"
	Disconnected    State = "disconnected"
	LoggedOut       State = "logged_out"
	Failed          State = "failed"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Initializing:    {AwaitingPairing, Connected, Disconnected, LoggedOut, Failed},
	AwaitingPairing: {Connected, Disconnected, LoggedOut, Failed},
	Connected:       {Disconnected, LoggedOut, Failed},
	Disconnected:    {Initializing, LoggedOut, Failed},
	LoggedOut:       {Initializing},
	Failed:          {Initializing, LoggedOut},
}

// Machine tracks and enforces one session's state transitions, publishing
// every change on the bus.
type Machine struct {
	mu        sync.RWMutex
	sessionID string
	current   State
	bus       *bus.Bus
}

// NewMachine creates a state machine starting in Initializing.
func NewMachine(sessionID string, b *bus.Bus) *Machine {
	return &Machine{
		sessionID: sessionID,
		current:   Initializing,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; a same-state transition is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Session:   m.sessionID,
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
