// Package binding implements the event binding manager (spec.md §4.3, C6):
// the per-(core,pid) lifecycle of perf event groups, reconciling a
// declarative capture plan against the dynamic set of online cores and
// tracked pids.
package binding

import "fmt"

// State is one of the six states an EventBinding may occupy (spec.md §3
// "Event binding").
type State uint8

const (
	StateOffline State = iota
	StateReady
	StateOnline
	StateFailed
	StateTerminated
	StateNotSupported
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateReady:
		return "ready"
	case StateOnline:
		return "online"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	case StateNotSupported:
		return "not-supported"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Trigger is the event driving a binding's state transition.
type Trigger uint8

const (
	TriggerCreateSuccess Trigger = iota
	TriggerCoreOfflineAtCreate
	TriggerPidAlreadyExited
	TriggerFatalErrno
	TriggerNotSupportedErrno
	TriggerEnableSuccess
	TriggerExplicitStopTeardown
	TriggerExplicitStopRetainFD
	TriggerFullTeardown
	TriggerSyscallError
)

// transitions is the explicit state-transition table from spec.md §3. Any
// (state, trigger) pair not listed here is a bookkeeping-invariant
// violation — a caller driving a transition the state machine never
// declared — and transition panics rather than guessing a successor.
var transitions = map[State]map[Trigger]State{
	StateOffline: {
		TriggerCreateSuccess:       StateReady,
		TriggerCoreOfflineAtCreate: StateOffline,
		TriggerPidAlreadyExited:    StateTerminated,
		TriggerFatalErrno:          StateFailed,
		TriggerNotSupportedErrno:   StateNotSupported,
	},
	StateReady: {
		TriggerEnableSuccess:        StateOnline,
		TriggerExplicitStopTeardown: StateOffline,
		TriggerFullTeardown:         StateOffline,
		TriggerSyscallError:         StateFailed,
	},
	StateOnline: {
		TriggerExplicitStopRetainFD: StateReady,
		TriggerFullTeardown:         StateOffline,
		TriggerSyscallError:         StateFailed,
	},
}

// transition looks up the successor of (from, trigger). A syscall error
// trigger is valid from every state, terminal ones included (the "any →
// failed" row in spec.md §3), so that case is checked before consulting the
// per-state table.
func transition(from State, trig Trigger) State {
	if trig == TriggerSyscallError {
		return StateFailed
	}
	row, ok := transitions[from]
	if !ok {
		panic(fmt.Sprintf("binding: no transitions declared from state %v", from))
	}
	to, ok := row[trig]
	if !ok {
		panic(fmt.Sprintf("binding: undeclared transition %v on trigger %d", from, trig))
	}
	return to
}

// EventBinding ties one perf_event_attr to a (core, pid, group-leader-fd)
// triple and tracks its lifecycle state.
type EventBinding struct {
	Core     int
	Pid      int
	GroupFD  int // the leader's fd; equal to FD for a solitary/leader event
	FD       int
	PerfID   uint64
	IsLeader bool

	state State
}

// NewEventBinding constructs a binding in the offline state, not yet
// associated with a kernel fd.
func NewEventBinding(core, pid int, isLeader bool) *EventBinding {
	return &EventBinding{Core: core, Pid: pid, IsLeader: isLeader, state: StateOffline}
}

// State returns the binding's current lifecycle state.
func (b *EventBinding) State() State { return b.state }

// Apply drives the binding's state machine with trig, panicking if trig is
// not a declared transition from the current state.
func (b *EventBinding) Apply(trig Trigger) {
	b.state = transition(b.state, trig)
}
