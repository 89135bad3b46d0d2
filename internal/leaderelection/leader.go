// Package leaderelection picks the one node that runs the failure sweeper
// when SWEEP_MODE=leader.
//
// The leader is whichever node holds a session-scoped Postgres advisory lock
// on a dedicated connection. onElected starts the node's sweeper and onDemoted
// stops it; acquisition is never gated. The lock has no TTL: Postgres drops
// it when the session ends, so the heartbeat only pings the connection to
// notice a dead session locally and stop sweeping early.
//
// Two nodes that briefly both believe they lead are harmless. Every reclaim
// is a compare-and-swap on the record version, so each orphan is returned to
// WAITING exactly once whichever sweeper gets there first.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/logging"
)

// Reasons reported to LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	clock             clockwork.Clock
	logger            *zap.SugaredLogger
	metrics           MetricsSink // optional, nil = disabled

	leader atomic.Bool
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (the sweeper) and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		clock:             clockwork.NewRealClock(),
		logger:            logging.Nop(),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(logger *zap.SugaredLogger) *Elector {
	e.logger = logging.OrNop(logger).Named("leader")
	return e
}

func (e *Elector) WithClock(clock clockwork.Clock) *Elector {
	e.clock = clock
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Infow("starting election loop",
		"lock_key", e.lockKey, "retry", e.retryInterval, "heartbeat", e.heartbeatInterval)

	for {
		if ctx.Err() != nil {
			e.logger.Infow("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.logger.Infow("election loop stopped")
			return
		}

		if reason != "" {
			e.logger.Warnw("lost leadership, will retry", "reason", reason, "retry", e.retryInterval)
		}

		select {
		case <-ctx.Done():
			e.logger.Infow("election loop stopped")
			return
		case <-e.clock.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Warnw("failed to acquire dedicated connection", "error", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		e.logger.Warnw("advisory lock query failed", "error", err)
		return ""
	}
	if !acquired {
		e.logger.Debugw("lock held by another instance", "lock_key", e.lockKey)
		return ""
	}

	e.logger.Infow("acquired advisory lock", "lock_key", e.lockKey)
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	// Ping detects local connection death; it does NOT renew the lock (no TTL).
	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()
	e.leader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.logger.Infow("released advisory lock", "lock_key", e.lockKey, "reason", reason)
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := e.clock.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.Chan():
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Errorw("dedicated connection ping failed", "error", err)
				return ReasonConnLost
			}
		}
	}
}
