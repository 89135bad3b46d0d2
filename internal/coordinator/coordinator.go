// Package coordinator claims due triggers for this node and drives them
// through their lifecycle.
//
// Every pass runs three phases:
//
//   - recover: records the map says this node owns but that are not in
//     flight locally are released to WAITING (restart or unknown outcome);
//   - finalize: COMPLETE and ERROR records are rescheduled or deleted;
//   - acquire: due WAITING and BLOCKED triggers are claimed with a
//     conditional write, checked by the overlap guard and emitted.
//
// Every mutation is a compare-and-swap on the previous revision, so passes
// on different nodes may run at the same time. Losing a race is not an
// error. A write whose outcome is unknown is resolved by re-reading the
// record; anything left ambiguous is released by the next recover phase.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/overlap"
	"github.com/djlord-it/clustercron/internal/predicate"
)

// ErrNotMember is returned by a pass while the node is outside the cluster.
var ErrNotMember = errors.New("node is not a cluster member")

// Map is the subset of the trigger map the coordinator uses.
type Map interface {
	Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error)
	CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error)
	CompareAndDelete(ctx context.Context, expected domain.Record) (bool, error)
	Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error)
}

type Calculator interface {
	NextFireTime(t domain.Trigger, after time.Time) (time.Time, bool)
}

type Guard interface {
	Allow(ctx context.Context, trigger domain.TriggerKey, job domain.JobKey) (overlap.Decision, error)
	Invalidate(job domain.JobKey)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// Liveness reports whether this node is currently a cluster member.
type Liveness interface {
	Alive() bool
}

// MetricsSink defines the interface for recording coordinator metrics.
type MetricsSink interface {
	PassStarted()
	PassCompleted(duration time.Duration, fired int, err error)
	TickDrift(drift time.Duration)
	AcquisitionLost()
	TransientError(op string)
	TriggerFired(latency time.Duration)
	TriggerBlocked()
	TriggerMisfired(policy string)
	TriggerFinished(outcome string)
	OwnedRecovered(count int)
	CoordinatorHealth(healthy bool)
}

type Config struct {
	TickInterval time.Duration
	// BatchSize caps the triggers attempted per pass.
	BatchSize int
	// AcquireWorkers bounds concurrent acquisitions within a pass.
	AcquireWorkers int
	// MapOpTimeout bounds every map round trip.
	MapOpTimeout time.Duration
	// MisfireThreshold is how late a fire may be before the misfire policy
	// applies. 0 disables misfire handling.
	MisfireThreshold time.Duration
	// RetryBudget is the number of consecutive failed passes tolerated
	// before Healthy reports an error.
	RetryBudget int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		BatchSize:        100,
		AcquireWorkers:   8,
		MapOpTimeout:     2 * time.Second,
		MisfireThreshold: time.Minute,
		RetryBudget:      5,
	}
}

type Coordinator struct {
	id       string
	config   Config
	m        Map
	calc     Calculator
	guard    Guard
	emitter  EventEmitter
	liveness Liveness
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
	metrics  MetricsSink

	passMu sync.Mutex

	mu       sync.Mutex
	inflight map[domain.TriggerKey]string // trigger -> fire id
	failures int
	lastErr  error
}

// New creates a coordinator for node id. guard may be nil, in which case
// every acquired trigger fires.
func New(id string, config Config, m Map, calc Calculator, guard Guard, emitter EventEmitter) *Coordinator {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.AcquireWorkers <= 0 {
		config.AcquireWorkers = 1
	}
	if config.MapOpTimeout <= 0 {
		config.MapOpTimeout = DefaultConfig().MapOpTimeout
	}
	return &Coordinator{
		id:       id,
		config:   config,
		m:        m,
		calc:     calc,
		guard:    guard,
		emitter:  emitter,
		clock:    clockwork.NewRealClock(),
		logger:   logging.Nop(),
		inflight: make(map[domain.TriggerKey]string),
	}
}

func (c *Coordinator) WithClock(clock clockwork.Clock) *Coordinator {
	c.clock = clock
	return c
}

func (c *Coordinator) WithLogger(logger *zap.SugaredLogger) *Coordinator {
	c.logger = logging.OrNop(logger).Named("coordinator")
	return c
}

// WithMetrics attaches a metrics sink to the coordinator.
func (c *Coordinator) WithMetrics(sink MetricsSink) *Coordinator {
	c.metrics = sink
	return c
}

// WithLiveness makes passes a no-op while l reports the node is not a member.
func (c *Coordinator) WithLiveness(l Liveness) *Coordinator {
	c.liveness = l
	return c
}

func (c *Coordinator) ID() string {
	return c.id
}

// Run executes a pass every TickInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.logger.Infow("coordinator started",
		"tick", c.config.TickInterval, "batch", c.config.BatchSize, "workers", c.config.AcquireWorkers)
	last := c.clock.Now()

	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("coordinator stopped", "in_flight", c.InFlight())
			return ctx.Err()
		case <-ticker.Chan():
			now := c.clock.Now()
			if c.metrics != nil {
				c.metrics.TickDrift(now.Sub(last) - c.config.TickInterval)
			}
			last = now
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warnw("pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one pass and returns the number of triggers fired.
// Passes of one coordinator never overlap.
func (c *Coordinator) RunOnce(ctx context.Context) (int, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	start := c.clock.Now()
	if c.metrics != nil {
		c.metrics.PassStarted()
	}

	fired, err := c.pass(ctx)
	if ctx.Err() == nil {
		c.recordPass(err)
	}

	if c.metrics != nil {
		c.metrics.PassCompleted(c.clock.Since(start), fired, err)
	}
	return fired, err
}

func (c *Coordinator) pass(ctx context.Context) (int, error) {
	if c.liveness != nil && !c.liveness.Alive() {
		c.logger.Debugw("not a cluster member, skipping pass")
		return 0, ErrNotMember
	}

	var errs error
	errs = multierr.Append(errs, c.recoverOwned(ctx))
	errs = multierr.Append(errs, c.finalize(ctx))
	fired, err := c.acquireDue(ctx)
	errs = multierr.Append(errs, err)
	return fired, errs
}

func (c *Coordinator) recordPass(err error) {
	c.mu.Lock()
	wasHealthy := c.failures <= c.config.RetryBudget
	if err != nil {
		c.failures++
		c.lastErr = err
	} else {
		c.failures = 0
		c.lastErr = nil
	}
	healthy := c.failures <= c.config.RetryBudget
	failures := c.failures
	c.mu.Unlock()

	if healthy == wasHealthy {
		return
	}
	if healthy {
		c.logger.Infow("coordinator recovered")
	} else {
		c.logger.Errorw("coordinator unhealthy", "consecutive_failures", failures, "error", err)
	}
	if c.metrics != nil {
		c.metrics.CoordinatorHealth(healthy)
	}
}

// Healthy returns an error once more than RetryBudget consecutive passes
// have failed.
func (c *Coordinator) Healthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > c.config.RetryBudget {
		return fmt.Errorf("coordinator: %d consecutive failed passes: %w", c.failures, c.lastErr)
	}
	return nil
}

// InFlight returns the number of triggers this node is currently executing.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) track(key domain.TriggerKey, fireID string) {
	c.mu.Lock()
	c.inflight[key] = fireID
	c.mu.Unlock()
}

func (c *Coordinator) untrack(key domain.TriggerKey, fireID string) {
	c.mu.Lock()
	if c.inflight[key] == fireID {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) tracked(key domain.TriggerKey, fireID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.inflight[key]
	return ok && id == fireID
}

func (c *Coordinator) invalidate(job domain.JobKey) {
	if c.guard != nil {
		c.guard.Invalidate(job)
	}
}

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.MapOpTimeout)
}

// transient records an infrastructure failure of op and returns it wrapped.
func (c *Coordinator) transient(op string, key domain.TriggerKey, err error) error {
	if c.metrics != nil {
		c.metrics.TransientError(op)
	}
	if key.IsZero() {
		c.logger.Warnw("map operation failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Warnw("map operation failed", "op", op, "trigger", key.String(), "error", err)
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func (c *Coordinator) lost(key domain.TriggerKey, step string) {
	if c.metrics != nil {
		c.metrics.AcquisitionLost()
	}
	c.logger.Debugw("lost race", "trigger", key.String(), "step", step)
}

func (c *Coordinator) query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.m.Query(opCtx, p)
}

func (c *Coordinator) get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.m.Get(opCtx, key)
}

func (c *Coordinator) swap(ctx context.Context, expected, next domain.Record) (bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.m.CompareAndSwap(opCtx, expected, next)
}

func (c *Coordinator) remove(ctx context.Context, expected domain.Record) (bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.m.CompareAndDelete(opCtx, expected)
}
