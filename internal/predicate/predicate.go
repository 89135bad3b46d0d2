// Package predicate defines the filters a node ships to the shared map.
//
// Predicates are small value types that carry only primitive identity
// fields. They are comparable with ==, so two predicates built from the same
// inputs are equal regardless of how or where they are evaluated. Backends
// evaluate them server side: the memory map under its lock, Redis in Lua over
// index sets, Postgres as a compiled WHERE clause.
package predicate

import (
	"time"

	"github.com/djlord-it/clustercron/internal/domain"
)

type Kind string

const (
	KindAll            Kind = "all"
	KindOwnedAndActive Kind = "owned_and_active"
	KindSiblingsOfJob  Kind = "siblings_of_job"
	KindInStates       Kind = "in_states"
	KindDueWaiting     Kind = "due_waiting"
)

// Predicate is a pure, side-effect-free test over one map entry.
type Predicate interface {
	Kind() Kind
	Match(r domain.Record) bool
}

// All matches every entry.
type All struct{}

func (All) Kind() Kind               { return KindAll }
func (All) Match(domain.Record) bool { return true }

// OwnedAndActive matches records owned by Node in ACQUIRED or EXECUTING.
type OwnedAndActive struct {
	Node string
}

func (OwnedAndActive) Kind() Kind { return KindOwnedAndActive }

func (p OwnedAndActive) Match(r domain.Record) bool {
	return r.Owner == p.Node && r.State.IsActive()
}

// SiblingsOfJob matches every trigger of Job other than Exclude.
type SiblingsOfJob struct {
	Job     domain.JobKey
	Exclude domain.TriggerKey
}

func (SiblingsOfJob) Kind() Kind { return KindSiblingsOfJob }

func (p SiblingsOfJob) Match(r domain.Record) bool {
	return r.JobKey() == p.Job && r.Key() != p.Exclude
}

// InStates matches records whose state is in States.
type InStates struct {
	States domain.StateSet
}

func NewInStates(states ...domain.State) InStates {
	return InStates{States: domain.NewStateSet(states...)}
}

func (InStates) Kind() Kind { return KindInStates }

func (p InStates) Match(r domain.Record) bool {
	return p.States.Has(r.State)
}

// DueWaiting matches WAITING records whose next fire time is at or before
// BeforeMillis (unix milliseconds).
type DueWaiting struct {
	BeforeMillis int64
}

func DueBefore(t time.Time) DueWaiting {
	return DueWaiting{BeforeMillis: t.UnixMilli()}
}

func (DueWaiting) Kind() Kind { return KindDueWaiting }

func (p DueWaiting) Match(r domain.Record) bool {
	if r.State != domain.StateWaiting || r.Trigger.NextFireTime.IsZero() {
		return false
	}
	return r.Trigger.NextFireTime.UnixMilli() <= p.BeforeMillis
}

func (p DueWaiting) Before() time.Time {
	return time.UnixMilli(p.BeforeMillis)
}

// Filter applies p to records in order. It is the reference evaluation used
// by in-process backends.
func Filter(p Predicate, records []domain.Record) []domain.Record {
	var out []domain.Record
	for _, r := range records {
		if p.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
