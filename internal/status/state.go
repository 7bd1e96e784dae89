package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
)

// State represents the connection state of one user's session.
type State string

const (
	Connecting      State = "connecting"
	AwaitingPairing State = "awaiting_pairing"
	Connected       State = "connected"
	Disconnected    State = "disconnected"
)

// KindStatusChanged is the bus event kind published on every transition.
const KindStatusChanged = "session.status_changed"

// validTransitions defines allowed state transitions. Disconnected is
// terminal: a new session entry starts over in Connecting.
var validTransitions = map[State][]State{
	Connecting:      {AwaitingPairing, Connected, Disconnected},
	AwaitingPairing: {Connecting, Connected, Disconnected},
	Connected:       {Connecting, Disconnected},
	Disconnected:    {},
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Machine tracks and enforces one user's session state transitions.
type Machine struct {
	mu      sync.RWMutex
	userID  string
	current State
	address string
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Connecting state.
func NewMachine(userID string, b *bus.Bus) *Machine {
	return &Machine{
		userID:  userID,
		current: Connecting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Address returns the account address captured by the last transition to
// Connected, or "" when not connected.
func (m *Machine) Address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid. address is kept only for Connected.
func (m *Machine) Transition(to State, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if to == Connected {
		m.address = address
	} else {
		m.address = ""
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      KindStatusChanged,
			UserID:    m.userID,
			Timestamp: m.since,
			Payload: StatusChange{
				From:    from,
				To:      to,
				Address: m.address,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From    State
	To      State
	Address string
}
