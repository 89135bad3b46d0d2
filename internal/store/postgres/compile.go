package postgres

import (
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
)

// compile turns a predicate into a parameterized WHERE fragment over the
// indexed mirror columns. Values are never interpolated.
func compile(p predicate.Predicate) (string, []any, error) {
	switch q := p.(type) {
	case predicate.All:
		return "TRUE", nil, nil
	case predicate.OwnedAndActive:
		return "owner = $1 AND state IN ($2, $3)",
			[]any{q.Node, string(domain.StateAcquired), string(domain.StateExecuting)}, nil
	case predicate.SiblingsOfJob:
		return "job_group = $1 AND job_name = $2 AND NOT (trigger_group = $3 AND trigger_name = $4)",
			[]any{q.Job.Group, q.Job.Name, q.Exclude.Group, q.Exclude.Name}, nil
	case predicate.InStates:
		states := make([]string, 0, len(domain.AllStates))
		for _, s := range q.States.States() {
			states = append(states, string(s))
		}
		return "state = ANY($1)", []any{pq.Array(states)}, nil
	case predicate.DueWaiting:
		// next_fire_at keeps microseconds; the whole cutoff millisecond is due,
		// as in Match.
		return "state = $1 AND next_fire_at IS NOT NULL AND next_fire_at < $2",
			[]any{string(domain.StateWaiting), time.UnixMilli(q.BeforeMillis + 1).UTC()}, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", predicate.ErrUnknownKind, p)
	}
}
