package domain

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a trigger record.
type State string

const (
	StateNone      State = "NONE"
	StateWaiting   State = "WAITING"
	StateAcquired  State = "ACQUIRED"
	StateExecuting State = "EXECUTING"
	StateComplete  State = "COMPLETE"
	StateError     State = "ERROR"
	StateBlocked   State = "BLOCKED"
	StatePaused    State = "PAUSED"
)

// AllStates lists every state in bit order of StateSet.
var AllStates = []State{
	StateNone,
	StateWaiting,
	StateAcquired,
	StateExecuting,
	StateComplete,
	StateError,
	StateBlocked,
	StatePaused,
}

// IsActive reports whether the state requires an owner.
func (s State) IsActive() bool {
	return s == StateAcquired || s == StateExecuting
}

func (s State) Valid() bool {
	return s.bit() != 0
}

func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown trigger state %q", s)
	}
	return st, nil
}

func (s State) bit() StateSet {
	for i, st := range AllStates {
		if st == s {
			return 1 << uint(i)
		}
	}
	return 0
}

// StateSet is a bitset of states. It is comparable, so values containing it
// keep deterministic equality.
type StateSet uint16

// ActiveStates is the set of states that carry an owner.
var ActiveStates = NewStateSet(StateAcquired, StateExecuting)

func NewStateSet(states ...State) StateSet {
	var set StateSet
	for _, s := range states {
		set |= s.bit()
	}
	return set
}

func (set StateSet) Has(s State) bool {
	b := s.bit()
	return b != 0 && set&b != 0
}

// States returns the members in canonical order.
func (set StateSet) States() []State {
	var out []State
	for _, s := range AllStates {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (set StateSet) String() string {
	parts := make([]string, 0, len(AllStates))
	for _, s := range set.States() {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, "|")
}
