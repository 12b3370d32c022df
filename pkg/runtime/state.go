// Package runtime provides the agent runtime and hosting context of the
// AMCP mesh: agent creation, activation, deactivation, destruction, event
// dispatch, and the execution environment exposed to agents.
//
// # Agent Lifecycle
//
// Every agent follows a defined lifecycle managed by a finite state
// machine. The [State] type represents the agent's current position, and
// all transitions are validated against the [validTransitions] matrix to
// prevent illegal state changes.
//
// The lifecycle flow for a resident agent is:
//
//	Inactive → Activating → Active → Deactivating → Inactive
//
// A migrating agent leaves through:
//
//	Active → Migrating → Destroyed        (hand-off committed)
//	Active → Migrating → Active           (hand-off failed, source resumes)
//
// Any state may transition to Destroyed, which is terminal.
//
// # Thread Safety
//
// The [Context] is the lifecycle authority and the only legitimate mutator
// of agent state. Handler invocations for one agent are serialized unless
// the agent opts into concurrent dispatch; lifecycle callbacks never
// overlap with each other or with handler invocations.
//
// # OpenTelemetry Integration
//
// Lifecycle operations create OpenTelemetry spans with semantic attributes.
// The tracer scope is "github.com/xaviercallens/amcp-go/pkg/runtime".
package runtime

// State represents the lifecycle state of an agent. States form a finite
// state machine with validated transitions defined by [ValidTransition].
//
// The zero value ("") is not a valid state; agents are created in
// [StateInactive].
type State string

const (
	// StateInactive is the state of a created agent before activation and
	// after deactivation. An inactive agent holds no subscriptions and
	// receives no events.
	StateInactive State = "inactive"

	// StateActivating is the transient state during [Context.Activate],
	// while the agent's activation callback runs and its subscriptions
	// are installed. Failure rolls back to [StateInactive].
	StateActivating State = "activating"

	// StateActive is the only state in which events are delivered to the
	// agent's handler.
	StateActive State = "active"

	// StateDeactivating is the transient state during
	// [Context.Deactivate], while in-flight handlers drain and the
	// deactivation callback runs.
	StateDeactivating State = "deactivating"

	// StateMigrating is the state of an agent whose snapshot is in
	// flight to another context. Events arriving for a migrating agent
	// are parked in a bounded buffer; on hand-off success they are
	// forwarded to the destination, on failure they are delivered locally
	// after the agent resumes.
	StateMigrating State = "migrating"

	// StateDestroyed is the terminal state of an agent instance. The
	// context drops the destroyed instance's record, so the same AgentID
	// can be installed there again, as when a migrated agent returns.
	StateDestroyed State = "destroyed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether the state is one of the recognized lifecycle
// states. The zero value ("") is not valid.
func (s State) Valid() bool {
	switch s {
	case StateInactive, StateActivating, StateActive,
		StateDeactivating, StateMigrating, StateDestroyed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is terminal. Only
// [StateDestroyed] is terminal; a deactivated agent may be reactivated.
func (s State) IsTerminal() bool {
	return s == StateDestroyed
}

// validTransitions defines the allowed state transitions for the agent
// lifecycle state machine. Each key is a source state, and the value is
// the set of states it may transition to. Transitions not present in this
// map are rejected by [ValidTransition].
//
// Transition matrix:
//
//	Inactive     → Activating, Destroyed
//	Activating   → Active, Inactive (rollback), Destroyed
//	Active       → Deactivating, Migrating, Destroyed
//	Deactivating → Inactive, Destroyed
//	Migrating    → Active (resume), Inactive (failed, policy), Destroyed (committed)
//	Destroyed    → (none)
var validTransitions = map[State][]State{
	StateInactive:     {StateActivating, StateDestroyed},
	StateActivating:   {StateActive, StateInactive, StateDestroyed},
	StateActive:       {StateDeactivating, StateMigrating, StateDestroyed},
	StateDeactivating: {StateInactive, StateDestroyed},
	StateMigrating:    {StateActive, StateInactive, StateDestroyed},
	StateDestroyed:    {},
}

// ValidTransition reports whether transitioning from state from to state
// to is allowed by the lifecycle state machine. Both states must be
// valid, and the transition must be present in the [validTransitions]
// matrix. Same-state transitions (from == to) are always rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
