package predicate

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/djlord-it/clustercron/internal/domain"
)

var ErrUnknownKind = errors.New("unknown predicate kind")

// envelope is the wire form: {"kind": ..., <fields of that kind>}.
type envelope struct {
	Kind         Kind               `json:"kind"`
	Node         string             `json:"node,omitempty"`
	Job          *domain.JobKey     `json:"job,omitempty"`
	Exclude      *domain.TriggerKey `json:"exclude,omitempty"`
	States       []domain.State     `json:"states,omitempty"`
	BeforeMillis int64              `json:"before_millis,omitempty"`
}

func Marshal(p Predicate) ([]byte, error) {
	var env envelope
	switch v := p.(type) {
	case All:
		env.Kind = KindAll
	case OwnedAndActive:
		env = envelope{Kind: KindOwnedAndActive, Node: v.Node}
	case SiblingsOfJob:
		job, exclude := v.Job, v.Exclude
		env = envelope{Kind: KindSiblingsOfJob, Job: &job, Exclude: &exclude}
	case InStates:
		env = envelope{Kind: KindInStates, States: v.States.States()}
	case DueWaiting:
		env = envelope{Kind: KindDueWaiting, BeforeMillis: v.BeforeMillis}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
	return json.Marshal(env)
}

func Unmarshal(data []byte) (Predicate, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	switch env.Kind {
	case KindAll:
		return All{}, nil
	case KindOwnedAndActive:
		if env.Node == "" {
			return nil, fmt.Errorf("predicate %s: node is required", env.Kind)
		}
		return OwnedAndActive{Node: env.Node}, nil
	case KindSiblingsOfJob:
		if env.Job == nil {
			return nil, fmt.Errorf("predicate %s: job is required", env.Kind)
		}
		p := SiblingsOfJob{Job: *env.Job}
		if env.Exclude != nil {
			p.Exclude = *env.Exclude
		}
		return p, nil
	case KindInStates:
		var set domain.StateSet
		for _, s := range env.States {
			if !s.Valid() {
				return nil, fmt.Errorf("predicate %s: unknown state %q", env.Kind, s)
			}
			set |= domain.NewStateSet(s)
		}
		return InStates{States: set}, nil
	case KindDueWaiting:
		return DueWaiting{BeforeMillis: env.BeforeMillis}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
