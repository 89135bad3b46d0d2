// Package node keeps this process registered in the cluster membership view.
//
// The keeper joins with a TTL and renews every HeartbeatInterval. It tracks
// a local estimate of when its membership expires, measured from the start
// of the last successful renewal, and reports Alive only before that instant.
// The coordinator stops acquiring triggers as soon as Alive turns false, so a
// partitioned node does not keep firing triggers the sweepers of other nodes
// are about to reclaim.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/store"
)

var ErrNotMember = errors.New("node is not a cluster member")

// MetricsSink defines the interface for recording membership metrics.
type MetricsSink interface {
	HeartbeatFailed()
	MembershipStatusChanged(member bool)
}

type Config struct {
	// TTL is how long a membership lasts without renewal.
	TTL time.Duration
	// HeartbeatInterval is how often membership is renewed. Must be < TTL.
	HeartbeatInterval time.Duration
	// OpTimeout bounds each membership round trip.
	OpTimeout time.Duration
	// MaxRetries bounds the retries of one renewal.
	MaxRetries uint64
	// RetryInitialInterval is the first backoff delay between retries.
	RetryInitialInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:                  15 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		OpTimeout:            2 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 100 * time.Millisecond,
	}
}

type Keeper struct {
	id         string
	membership store.Membership
	config     Config
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
	metrics    MetricsSink

	mu         sync.RWMutex
	aliveUntil time.Time
	member     bool
}

func New(id string, membership store.Membership, config Config) *Keeper {
	return &Keeper{
		id:         id,
		membership: membership,
		config:     config,
		clock:      clockwork.NewRealClock(),
		logger:     logging.Nop(),
	}
}

func (k *Keeper) WithClock(clock clockwork.Clock) *Keeper {
	k.clock = clock
	return k
}

func (k *Keeper) WithLogger(logger *zap.SugaredLogger) *Keeper {
	k.logger = logging.OrNop(logger).Named("membership")
	return k
}

// WithMetrics attaches a metrics sink to the keeper.
func (k *Keeper) WithMetrics(sink MetricsSink) *Keeper {
	k.metrics = sink
	return k
}

func (k *Keeper) ID() string {
	return k.id
}

// Alive reports whether this node's membership is believed to be current.
func (k *Keeper) Alive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.member && k.clock.Now().Before(k.aliveUntil)
}

// Join registers the node, retrying with backoff. It is the first heartbeat.
func (k *Keeper) Join(ctx context.Context) error {
	if err := k.Heartbeat(ctx); err != nil {
		return fmt.Errorf("join cluster as %s: %w", k.id, err)
	}
	k.logger.Infow("joined cluster", "ttl", k.config.TTL)
	return nil
}

// Heartbeat renews membership once, retrying transient failures.
func (k *Keeper) Heartbeat(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.config.RetryInitialInterval
	b.MaxInterval = k.config.HeartbeatInterval
	b.MaxElapsedTime = 0
	b.Clock = k.clock
	policy := backoff.WithContext(backoff.WithMaxRetries(b, k.config.MaxRetries), ctx)

	op := func() error {
		started := k.clock.Now()
		opCtx, cancel := context.WithTimeout(ctx, k.config.OpTimeout)
		defer cancel()
		if err := k.membership.Join(opCtx, k.id, k.config.TTL); err != nil {
			return err
		}
		k.renewed(started)
		return nil
	}
	notify := func(err error, delay time.Duration) {
		if k.metrics != nil {
			k.metrics.HeartbeatFailed()
		}
		k.logger.Warnw("membership renewal failed, retrying", "error", err, "delay", delay)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (k *Keeper) renewed(started time.Time) {
	k.mu.Lock()
	changed := !k.member
	k.member = true
	k.aliveUntil = started.Add(k.config.TTL)
	k.mu.Unlock()
	if changed && k.metrics != nil {
		k.metrics.MembershipStatusChanged(true)
	}
}

// Run renews membership every HeartbeatInterval until ctx is cancelled.
// Renewal failures are logged; Alive turns false once the TTL lapses.
func (k *Keeper) Run(ctx context.Context) {
	ticker := k.clock.NewTicker(k.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := k.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				if k.metrics != nil {
					k.metrics.HeartbeatFailed()
				}
				k.logger.Errorw("membership renewal exhausted retries", "error", err, "alive", k.Alive())
			}
		}
	}
}

// Leave deregisters the node. After Leave, Alive reports false.
func (k *Keeper) Leave(ctx context.Context) error {
	k.mu.Lock()
	wasMember := k.member
	k.member = false
	k.aliveUntil = time.Time{}
	k.mu.Unlock()
	if wasMember && k.metrics != nil {
		k.metrics.MembershipStatusChanged(false)
	}

	opCtx, cancel := context.WithTimeout(ctx, k.config.OpTimeout)
	defer cancel()
	if err := k.membership.Leave(opCtx, k.id); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	k.logger.Infow("left cluster")
	return nil
}
