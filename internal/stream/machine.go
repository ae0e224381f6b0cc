// Package stream implements the lifecycle state machine of a camera stream.
package stream

import (
	"fmt"
	"slices"
	"sync"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// State is the lifecycle state of a stream.
type State int

// Stream states.
const (
	Uninitialized State = iota
	Initialized
	Started
	Paused
	Stopped
	Destroyed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Initialized:   "initialized",
	Started:       "started",
	Paused:        "paused",
	Stopped:       "stopped",
	Destroyed:     "destroyed",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is a lifecycle operation that drives a transition.
type Event int

// Lifecycle events.
const (
	EventCreate Event = iota
	EventInit
	EventStart
	EventStop
	EventPause
	EventResume
	EventDeinit
	EventDestroy
)

var eventNames = [...]string{
	EventCreate:  "Create",
	EventInit:    "Init",
	EventStart:   "Start",
	EventStop:    "Stop",
	EventPause:   "Pause",
	EventResume:  "Resume",
	EventDeinit:  "Deinit",
	EventDestroy: "Destroy",
}

// String returns the event name.
func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

type transition struct {
	from []State
	to   State
}

// Stop returns to Initialized so the stream can be restarted. Stopped keeps
// its value in the enumeration but is never entered.
var transitions = map[Event]transition{
	EventInit:   {from: []State{Uninitialized}, to: Initialized},
	EventStart:  {from: []State{Initialized}, to: Started},
	EventStop:   {from: []State{Started, Paused}, to: Initialized},
	EventPause:  {from: []State{Started}, to: Paused},
	EventResume: {from: []State{Paused}, to: Started},
	EventDeinit: {from: []State{Uninitialized, Initialized, Started, Paused}, to: Destroyed},
}

// TransitionError is returned for an operation that is not allowed in the current state.
type TransitionError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Unwrap makes TransitionError match plugin.ErrInvalidState and plugin.ErrNotSupported.
func (e *TransitionError) Unwrap() error {
	return plugin.ErrInvalidState
}

// Machine is a concurrency-safe stream state machine.
type Machine struct {
	mu        sync.Mutex
	state     State
	created   bool
	destroyed bool
}

// New returns a machine in the Uninitialized state.
func New() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Created reports whether Create was applied.
func (m *Machine) Created() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Check reports whether ev is allowed now without applying it.
func (m *Machine) Check(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.next(ev)
	return err
}

// Apply performs the transition for ev and returns the previous and new state.
// On error the state is unchanged.
func (m *Machine) Apply(ev Event) (from, to State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, err = m.next(ev)
	if err != nil {
		return m.state, m.state, err
	}
	from = m.state
	switch ev {
	case EventCreate:
		m.created = true
	case EventDestroy:
		m.destroyed = true
	}
	m.state = to
	return from, to, nil
}

func (m *Machine) next(ev Event) (State, error) {
	switch ev {
	case EventCreate:
		if m.state != Uninitialized || m.created {
			return m.state, &TransitionError{Op: ev.String(), State: m.state}
		}
		return Uninitialized, nil
	case EventDestroy:
		// Destroy closes the Create bracket once, including after Deinit.
		if m.destroyed {
			return m.state, &TransitionError{Op: ev.String(), State: m.state}
		}
		return Destroyed, nil
	}

	t, ok := transitions[ev]
	if !ok || !slices.Contains(t.from, m.state) {
		return m.state, &TransitionError{Op: ev.String(), State: m.state}
	}
	return t.to, nil
}

// Require returns a TransitionError for op unless the current state is one of allowed.
// It guards operations that do not change state, such as GetFrame.
func (m *Machine) Require(op string, allowed ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(allowed, m.state) {
		return &TransitionError{Op: op, State: m.state}
	}
	return nil
}
