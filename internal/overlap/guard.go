// Package overlap decides whether a trigger may fire while other triggers of
// the same job are running.
//
// The guard reads sibling states through the map's predicate query. The read
// is not part of the acquisition write, so two siblings acquired at the same
// instant on different nodes can both pass: the guard gives best-effort
// avoidance, not strict per-job mutual exclusion. Among siblings that are
// both ACQUIRED, the one with the smaller trigger key wins and the other
// defers, so concurrent guards converge instead of deferring each other
// forever.
package overlap

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/predicate"
)

type Decision int

const (
	Fire Decision = iota
	Defer
)

func (d Decision) String() string {
	if d == Defer {
		return "defer"
	}
	return "fire"
}

// Querier is the read side of the trigger map.
type Querier interface {
	Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error)
}

// PolicySource resolves a job's concurrency policy.
type PolicySource interface {
	Concurrency(job domain.JobKey) (domain.ConcurrencyPolicy, bool)
}

// MetricsSink defines the interface for recording guard metrics.
type MetricsSink interface {
	OverlapDecision(decision string, cached bool)
}

type Config struct {
	// MaxStaleness is how long a sibling snapshot may be reused.
	// 0 queries the map on every decision.
	MaxStaleness time.Duration
	// DefaultConcurrency applies to jobs the policy source does not know.
	DefaultConcurrency domain.ConcurrencyPolicy
}

type Guard struct {
	querier  Querier
	policies PolicySource
	config   Config
	cache    *cache.Cache
	logger   *zap.SugaredLogger
	metrics  MetricsSink
}

func New(querier Querier, policies PolicySource, config Config) *Guard {
	if config.DefaultConcurrency == "" {
		config.DefaultConcurrency = domain.ConcurrencyAllow
	}
	g := &Guard{
		querier:  querier,
		policies: policies,
		config:   config,
		logger:   logging.Nop(),
	}
	if config.MaxStaleness > 0 {
		g.cache = cache.New(config.MaxStaleness, 2*config.MaxStaleness)
	}
	return g
}

func (g *Guard) WithLogger(logger *zap.SugaredLogger) *Guard {
	g.logger = logging.OrNop(logger).Named("overlap")
	return g
}

// WithMetrics attaches a metrics sink to the guard.
func (g *Guard) WithMetrics(sink MetricsSink) *Guard {
	g.metrics = sink
	return g
}

func (g *Guard) policy(job domain.JobKey) domain.ConcurrencyPolicy {
	if g.policies != nil {
		if p, ok := g.policies.Concurrency(job); ok && p != "" {
			return p
		}
	}
	return g.config.DefaultConcurrency
}

// Allow reports whether trigger may move to EXECUTING now.
func (g *Guard) Allow(ctx context.Context, trigger domain.TriggerKey, job domain.JobKey) (Decision, error) {
	if g.policy(job) != domain.ConcurrencyForbid {
		return Fire, nil
	}

	siblings, cached, err := g.siblings(ctx, trigger, job)
	if err != nil {
		return Fire, fmt.Errorf("query siblings of %s: %w", trigger, err)
	}

	decision := Fire
	for _, s := range siblings {
		if s.Key() == trigger {
			continue
		}
		if s.State == domain.StateExecuting || (s.State == domain.StateAcquired && s.Key().Less(trigger)) {
			g.logger.Debugw("deferring trigger",
				"trigger", trigger.String(), "job", job.String(),
				"sibling", s.Key().String(), "sibling_state", s.State, "sibling_owner", s.Owner)
			decision = Defer
			break
		}
	}

	if g.metrics != nil {
		g.metrics.OverlapDecision(decision.String(), cached)
	}
	return decision, nil
}

func (g *Guard) siblings(ctx context.Context, trigger domain.TriggerKey, job domain.JobKey) ([]domain.Record, bool, error) {
	if g.cache == nil {
		records, err := g.querier.Query(ctx, predicate.SiblingsOfJob{Job: job, Exclude: trigger})
		return records, false, err
	}

	// Cached snapshots hold every trigger of the job; the caller's own
	// trigger is skipped by Allow.
	if v, ok := g.cache.Get(job.String()); ok {
		return v.([]domain.Record), true, nil
	}
	records, err := g.querier.Query(ctx, predicate.SiblingsOfJob{Job: job})
	if err != nil {
		return nil, false, err
	}
	g.cache.SetDefault(job.String(), records)
	return records, false, nil
}

// Invalidate drops the cached snapshot of job. The coordinator calls it after
// changing the state of one of the job's triggers.
func (g *Guard) Invalidate(job domain.JobKey) {
	if g.cache != nil {
		g.cache.Delete(job.String())
	}
}
