// Package sweeper reclaims triggers orphaned by nodes that left the cluster.
//
// A trigger is orphaned when it is ACQUIRED or EXECUTING and its owner is no
// longer in the membership view. The sweeper writes it back to WAITING with
// the owner cleared, conditioned on the revision it read, so several
// sweepers may run at once: only one reclaim of a given revision succeeds
// and the others are dropped. The fire time is left as is, so a reclaimed
// trigger fires again on the next coordinator pass.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

// Map defines the subset of the trigger map the sweeper uses.
type Map interface {
	CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error)
	Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error)
}

// Membership supplies the current cluster membership snapshot.
type Membership interface {
	Members(ctx context.Context) ([]string, error)
}

// MetricsSink defines the interface for recording sweeper metrics.
type MetricsSink interface {
	SweepCompleted(duration time.Duration, reclaimed int, err error)
	InvariantViolation()
	ClusterMembers(count int)
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often the sweeper runs.
	// Default: 10 seconds.
	Interval time.Duration

	// StaleThreshold reclaims ACQUIRED records older than this even when
	// the owner is still a member. An ACQUIRED record is normally moved on
	// within one pass, so an old one means the owner lost track of it.
	// Default: 0 (disabled).
	StaleThreshold time.Duration

	// OpTimeout bounds each map or membership round trip.
	// Default: 2 seconds.
	OpTimeout time.Duration
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		OpTimeout: 2 * time.Second,
	}
}

// Reason explains why a record was reclaimed.
type Reason string

const (
	ReasonOrphaned Reason = "owner_left"
	ReasonNoOwner  Reason = "no_owner"
	ReasonStale    Reason = "stale_acquired"
	reasonKeep     Reason = ""
)

var activeStates = predicate.NewInStates(domain.StateAcquired, domain.StateExecuting)

// Sweeper reclaims orphaned triggers.
type Sweeper struct {
	config     Config
	m          Map
	membership Membership
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
	metrics    MetricsSink
}

// New creates a new Sweeper.
func New(config Config, m Map, membership Membership) *Sweeper {
	if config.OpTimeout <= 0 {
		config.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Sweeper{
		config:     config,
		m:          m,
		membership: membership,
		clock:      clockwork.NewRealClock(),
		logger:     logging.Nop(),
	}
}

func (s *Sweeper) WithClock(clock clockwork.Clock) *Sweeper {
	s.clock = clock
	return s
}

func (s *Sweeper) WithLogger(logger *zap.SugaredLogger) *Sweeper {
	s.logger = logging.OrNop(logger).Named("sweeper")
	return s
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Infow("sweeper started", "interval", s.config.Interval, "stale_threshold", s.config.StaleThreshold)

	// Run immediately on startup, then on ticker
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warnw("sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("sweeper stopped")
			return
		case <-ticker.Chan():
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warnw("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce executes one sweep cycle and returns the number of records
// reclaimed. A query or membership failure aborts the cycle.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := s.clock.Now()
	reclaimed, err := s.sweep(ctx)
	if s.metrics != nil {
		s.metrics.SweepCompleted(s.clock.Since(start), reclaimed, err)
	}
	return reclaimed, err
}

func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	records, err := s.m.Query(opCtx, activeStates)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("query active triggers: %w", err)
	}
	if len(records) == 0 {
		// Nothing to do. Silent success.
		return 0, nil
	}

	// Membership is read after the records: a node that joined and
	// acquired in between is then always seen as a member.
	opCtx, cancel = context.WithTimeout(ctx, s.config.OpTimeout)
	nodes, err := s.membership.Members(opCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("membership snapshot: %w", err)
	}
	members := store.NewMemberSet(nodes)
	if s.metrics != nil {
		s.metrics.ClusterMembers(len(members))
	}

	now := s.clock.Now().UTC()
	var (
		reclaimed int
		errs      error
	)
	for _, rec := range records {
		// Check context before each write to allow graceful shutdown
		if ctx.Err() != nil {
			return reclaimed, multierr.Append(errs, ctx.Err())
		}

		reason := s.classify(rec, members, now)
		if reason == reasonKeep {
			continue
		}

		ok, err := s.reclaim(ctx, rec, now)
		if err != nil {
			s.logger.Warnw("reclaim failed", "trigger", rec.Key().String(), "owner", rec.Owner, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("reclaim %s: %w", rec.Key(), err))
			continue
		}
		if !ok {
			s.logger.Debugw("reclaim lost, record changed", "trigger", rec.Key().String())
			continue
		}
		reclaimed++
		s.logger.Infow("reclaimed trigger",
			"trigger", rec.Key().String(), "job", rec.JobKey().String(), "state", rec.State,
			"owner", rec.Owner, "reason", reason, "age", now.Sub(rec.LastUpdate).Round(time.Second))
	}

	if reclaimed > 0 {
		s.logger.Infow("sweep complete", "reclaimed", reclaimed, "members", len(members))
	}
	return reclaimed, errs
}

func (s *Sweeper) classify(rec domain.Record, members store.MemberSet, now time.Time) Reason {
	switch {
	case rec.Owner == "":
		if s.metrics != nil {
			s.metrics.InvariantViolation()
		}
		s.logger.Errorw("invariant violation: active trigger without owner",
			"trigger", rec.Key().String(), "state", rec.State, "version", rec.Version)
		return ReasonNoOwner
	case !members.Has(rec.Owner):
		return ReasonOrphaned
	case s.config.StaleThreshold > 0 && rec.State == domain.StateAcquired &&
		now.Sub(rec.LastUpdate) > s.config.StaleThreshold:
		return ReasonStale
	}
	return reasonKeep
}

func (s *Sweeper) reclaim(ctx context.Context, rec domain.Record, now time.Time) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	return s.m.CompareAndSwap(opCtx, rec, rec.Reset(now))
}
