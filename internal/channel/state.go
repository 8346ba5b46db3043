package channel

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/sbcache/internal/bus"
)

// State is the lifecycle state of a Channel.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Connecting    State = "CONNECTING"
	Ready         State = "READY"
	Syncing       State = "SYNCING"
	Closed        State = "CLOSED"
)

var validTransitions = map[State][]State{
	Uninitialized: {Connecting, Closed},
	Connecting:    {Ready, Uninitialized, Closed},
	Ready:         {Syncing, Closed},
	Syncing:       {Ready, Closed},
	Closed:        {},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu        sync.RWMutex
	channelID string
	current   State
	bus       *bus.Bus
}

// NewMachine creates a machine in the Uninitialized state. b may be nil.
func NewMachine(channelID string, b *bus.Bus) *Machine {
	return &Machine{channelID: channelID, current: Uninitialized, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) setChannelID(id string) {
	m.mu.Lock()
	m.channelID = id
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("channel %s: invalid transition from %s to %s", m.channelID, m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:    bus.KindChannelState,
		Payload: StateChange{ChannelID: m.channelID, From: from, To: to},
	})
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	ChannelID string
	From      State
	To        State
}
