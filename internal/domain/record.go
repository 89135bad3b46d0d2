package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvariant         = errors.New("record invariant violated")
)

// Record is the value stored per TriggerKey in the shared map.
// Every write goes through a conditional operation keyed on the previous
// (Version, State, Owner).
type Record struct {
	Trigger    Trigger   `json:"trigger"`
	State      State     `json:"state"`
	Owner      string    `json:"owner,omitempty"`
	FireID     string    `json:"fire_id,omitempty"` // set while ACQUIRED or EXECUTING
	LastUpdate time.Time `json:"last_update"`
	Version    int64     `json:"version"`
	LastError  string    `json:"last_error,omitempty"`
}

func (r Record) Key() TriggerKey {
	return r.Trigger.Key
}

func (r Record) JobKey() JobKey {
	return r.Trigger.JobKey
}

// NewRecord returns the initial WAITING record of a freshly scheduled trigger.
func NewRecord(t Trigger, now time.Time) Record {
	return Record{
		Trigger:    t,
		State:      StateWaiting,
		LastUpdate: now,
		Version:    1,
	}
}

// Validate checks the owner invariant: Owner is set iff the state is
// ACQUIRED or EXECUTING.
func (r Record) Validate() error {
	if !r.State.Valid() || r.State == StateNone {
		return fmt.Errorf("%w: %s has state %q", ErrInvariant, r.Key(), r.State)
	}
	if r.State.IsActive() && r.Owner == "" {
		return fmt.Errorf("%w: %s is %s without owner", ErrInvariant, r.Key(), r.State)
	}
	if !r.State.IsActive() && r.Owner != "" {
		return fmt.Errorf("%w: %s is %s but owned by %s", ErrInvariant, r.Key(), r.State, r.Owner)
	}
	return nil
}

var transitions = map[State]StateSet{
	StateWaiting:   NewStateSet(StateAcquired, StatePaused, StateError, StateWaiting),
	StateAcquired:  NewStateSet(StateExecuting, StateBlocked, StateWaiting),
	StateBlocked:   NewStateSet(StateAcquired, StatePaused, StateWaiting),
	StateExecuting: NewStateSet(StateWaiting, StateComplete, StateError),
	StateComplete:  NewStateSet(StateWaiting),
	StateError:     NewStateSet(StateWaiting, StatePaused),
	StatePaused:    NewStateSet(StateWaiting),
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to State) bool {
	return transitions[from].Has(to)
}

// Transition returns the successor of r in state to, stamped with owner.
// The owner is kept only for active states, FireID is cleared when leaving
// them, and Version is bumped. EXECUTING requires the same owner that holds
// the ACQUIRED record.
func (r Record) Transition(to State, owner string, now time.Time) (Record, error) {
	if !CanTransition(r.State, to) {
		return Record{}, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, r.Key(), r.State, to)
	}
	if to == StateExecuting && (r.Owner == "" || r.Owner != owner) {
		return Record{}, fmt.Errorf("%w: %s executing by %q but acquired by %q", ErrIllegalTransition, r.Key(), owner, r.Owner)
	}
	if to.IsActive() && owner == "" {
		return Record{}, fmt.Errorf("%w: %s -> %s requires an owner", ErrIllegalTransition, r.Key(), to)
	}
	return r.next(to, owner, now), nil
}

// Reset forces any record back to WAITING with no owner. It is the repair
// path for orphaned or inconsistent records.
func (r Record) Reset(now time.Time) Record {
	return r.next(StateWaiting, "", now)
}

func (r Record) next(to State, owner string, now time.Time) Record {
	n := r
	n.State = to
	n.Version = r.Version + 1
	n.LastUpdate = now
	if to.IsActive() {
		n.Owner = owner
	} else {
		n.Owner = ""
		n.FireID = ""
	}
	return n
}

// SameRevision reports whether two records describe the same stored revision.
func (r Record) SameRevision(other Record) bool {
	return r.Version == other.Version && r.State == other.State && r.Owner == other.Owner
}
