// Package cluster assembles one clustercron node from its components and
// runs them with an ordered shutdown.
//
// A node joins the membership view, acquires due triggers from the shared
// map, delivers them through the dispatcher and sweeps orphans of departed
// peers. Any number of nodes may share one map; none of them is special,
// except that in leader sweep mode only the elected node runs the sweeper.
package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/api"
	"github.com/djlord-it/clustercron/internal/circuitbreaker"
	"github.com/djlord-it/clustercron/internal/config"
	"github.com/djlord-it/clustercron/internal/coordinator"
	"github.com/djlord-it/clustercron/internal/cron"
	"github.com/djlord-it/clustercron/internal/dispatcher"
	"github.com/djlord-it/clustercron/internal/jobs"
	"github.com/djlord-it/clustercron/internal/leaderelection"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/metrics"
	"github.com/djlord-it/clustercron/internal/node"
	"github.com/djlord-it/clustercron/internal/overlap"
	"github.com/djlord-it/clustercron/internal/registry"
	"github.com/djlord-it/clustercron/internal/store"
	"github.com/djlord-it/clustercron/internal/sweeper"
	"github.com/djlord-it/clustercron/internal/transport/channel"
)

// Deps are the resolved dependencies of a node. Map and Membership are
// required; the rest have defaults.
type Deps struct {
	Map        store.Map
	Membership store.Membership
	Catalog    *jobs.Catalog

	// DB backs leader election when SweepMode is leader.
	DB        *sql.DB
	Sender    dispatcher.WebhookSender // nil: HTTP sender
	Analytics dispatcher.AnalyticsSink // optional
	Metrics   metrics.Sink             // nil: no metrics
	Clock     clockwork.Clock          // nil: real clock
	Logger    *zap.SugaredLogger       // nil: no logging
}

type Node struct {
	id     string
	config config.Config
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	m           store.Map
	catalog     *jobs.Catalog
	keeper      *node.Keeper
	guard       *overlap.Guard
	bus         *channel.EventBus
	coordinator *coordinator.Coordinator
	dispatcher  *dispatcher.Dispatcher
	sweeper     *sweeper.Sweeper
	elector     *leaderelection.Elector // nil unless sweeping is leader-only
	registry    *registry.Registry
	api         *api.Handler

	sweepMu   sync.Mutex
	stopSweep context.CancelFunc
	sweepWg   sync.WaitGroup
}

// NodeID returns configured, or a hostname-based id unique to this process.
func NodeID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewNode wires the components of node id.
func NewNode(id string, cfg config.Config, deps Deps) (*Node, error) {
	if id == "" {
		return nil, errors.New("node id is required")
	}
	if deps.Map == nil || deps.Membership == nil {
		return nil, errors.New("map and membership are required")
	}
	if deps.Catalog == nil {
		deps.Catalog = jobs.NewCatalog()
	}
	if deps.Sender == nil {
		deps.Sender = dispatcher.NewHTTPWebhookSender()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopSink()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	logger := logging.OrNop(deps.Logger)
	sink := deps.Metrics

	n := &Node{
		id:      id,
		config:  cfg,
		clock:   deps.Clock,
		logger:  logger.Named("node"),
		m:       deps.Map,
		catalog: deps.Catalog,
	}

	keeperCfg := node.DefaultConfig()
	keeperCfg.TTL = cfg.MembershipTTL
	keeperCfg.HeartbeatInterval = cfg.HeartbeatInterval
	keeperCfg.OpTimeout = cfg.MapOpTimeout
	n.keeper = node.New(id, deps.Membership, keeperCfg).
		WithClock(deps.Clock).
		WithLogger(logger).
		WithMetrics(sink)

	n.guard = overlap.New(deps.Map, deps.Catalog, overlap.Config{MaxStaleness: cfg.OverlapStaleness}).
		WithLogger(logger).
		WithMetrics(sink)

	n.bus = channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	calc := cron.NewCalculator(nil)
	n.coordinator = coordinator.New(id, coordinator.Config{
		TickInterval:     cfg.TickInterval,
		BatchSize:        cfg.AcquireBatchSize,
		AcquireWorkers:   cfg.AcquireWorkers,
		MapOpTimeout:     cfg.MapOpTimeout,
		MisfireThreshold: cfg.MisfireThreshold,
		RetryBudget:      cfg.RetryBudget,
	}, deps.Map, calc, n.guard, n.bus).
		WithClock(deps.Clock).
		WithLogger(logger).
		WithMetrics(sink).
		WithLiveness(n.keeper)

	executor := dispatcher.NewWebhookExecutor(deps.Catalog, deps.Sender).
		WithMetrics(sink).
		WithLogger(logger).
		WithClock(deps.Clock)
	if cfg.CircuitBreakerThreshold > 0 {
		executor = executor.WithCircuitBreaker(
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).WithClock(deps.Clock))
	}
	if deps.Analytics != nil {
		executor = executor.WithAnalytics(deps.Analytics)
	}

	n.dispatcher = dispatcher.New(dispatcher.Config{
		Workers:         cfg.DispatcherWorkers,
		ExecuteTimeout:  cfg.ExecuteTimeout,
		CompleteTimeout: 5 * cfg.MapOpTimeout,
		DrainTimeout:    cfg.DispatcherDrainTimeout,
	}, executor, n.coordinator).
		WithClock(deps.Clock).
		WithLogger(logger).
		WithMetrics(sink)

	n.sweeper = sweeper.New(sweeper.Config{
		Interval:       cfg.SweepInterval,
		StaleThreshold: cfg.SweepStaleThreshold,
		OpTimeout:      cfg.MapOpTimeout,
	}, deps.Map, deps.Membership).
		WithClock(deps.Clock).
		WithLogger(logger).
		WithMetrics(sink)

	if cfg.SweepEnabled && cfg.SweepMode == config.SweepModeLeader {
		if deps.DB == nil {
			return nil, errors.New("leader sweep mode requires a database")
		}
		n.elector = leaderelection.New(deps.DB, cfg.LeaderLockKey,
			cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
			n.startSweeper, n.stopSweeper).
			WithClock(deps.Clock).
			WithLogger(logger).
			WithMetrics(sink)
	}

	n.registry = registry.New(deps.Map, calc).
		WithClock(deps.Clock).
		WithLogger(logger).
		WithInvalidator(n.guard).
		WithOpTimeout(cfg.MapOpTimeout)

	n.api = api.NewHandler(n.registry, deps.Catalog).
		WithLogger(logger).
		WithLivenessCheck("coordinator", func(context.Context) error {
			return n.coordinator.Healthy()
		}).
		WithReadinessCheck("map", deps.Map.Ping).
		WithReadinessCheck("membership", func(context.Context) error {
			if !n.keeper.Alive() {
				return node.ErrNotMember
			}
			return nil
		})

	return n, nil
}

func (n *Node) ID() string                            { return n.id }
func (n *Node) Registry() *registry.Registry          { return n.registry }
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coordinator }
func (n *Node) Sweeper() *sweeper.Sweeper             { return n.sweeper }
func (n *Node) Keeper() *node.Keeper                  { return n.keeper }
func (n *Node) Handler() http.Handler                 { return n.api }

// Join registers the node and schedules the catalog's triggers that are not
// in the map yet. It returns the number of triggers scheduled.
func (n *Node) Join(ctx context.Context) (int, error) {
	if err := n.keeper.Join(ctx); err != nil {
		return 0, err
	}
	return n.seed(ctx), nil
}

func (n *Node) seed(ctx context.Context) int {
	scheduled := 0
	for _, t := range n.catalog.Triggers() {
		_, err := n.registry.Schedule(ctx, t)
		switch {
		case err == nil:
			scheduled++
		case errors.Is(err, registry.ErrAlreadyExists):
		default:
			n.logger.Warnw("catalog trigger not scheduled", "trigger", t.Key.String(), "error", err)
		}
	}
	return scheduled
}

// Step runs one coordinator pass and dispatches what it fired inline.
// Simulations use it to drive nodes without their loops.
func (n *Node) Step(ctx context.Context) (int, error) {
	fired, err := n.coordinator.RunOnce(ctx)
	n.Drain(ctx)
	return fired, err
}

// Drain dispatches the fired triggers buffered on the bus.
func (n *Node) Drain(ctx context.Context) int {
	count := 0
	for {
		select {
		case event := <-n.bus.Channel():
			n.dispatcher.Dispatch(ctx, event)
			count++
		default:
			return count
		}
	}
}

// Run joins the cluster and runs the node until ctx is cancelled. Shutdown
// stops acquisition first, then sweeping, then drains the dispatcher so
// in-flight outcomes are recorded, and leaves the cluster last.
func (n *Node) Run(ctx context.Context) error {
	if _, err := n.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	keeperCtx, cancelKeeper := context.WithCancel(context.Background())
	coordinatorCtx, cancelCoordinator := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	electorCtx, cancelElector := context.WithCancel(context.Background())
	defer cancelKeeper()
	defer cancelCoordinator()
	defer cancelDispatcher()
	defer cancelElector()

	var keeperWg, coordinatorWg, dispatcherWg, electorWg sync.WaitGroup

	keeperWg.Add(1)
	go func() {
		defer keeperWg.Done()
		n.keeper.Run(keeperCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		n.dispatcher.Run(dispatcherCtx, n.bus.Channel())
	}()

	coordinatorWg.Add(1)
	go func() {
		defer coordinatorWg.Done()
		_ = n.coordinator.Run(coordinatorCtx)
	}()

	switch {
	case n.elector != nil:
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			n.elector.Run(electorCtx)
		}()
	case n.config.SweepEnabled:
		n.startSweeper(context.Background())
	default:
		n.logger.Infow("sweeper disabled")
	}

	n.logger.Infow("node started",
		"tick", n.config.TickInterval, "sweep", n.config.SweepEnabled, "sweep_mode", n.config.SweepMode)

	<-ctx.Done()
	n.logger.Infow("shutting down")

	// Phase 1: no new acquisitions.
	cancelCoordinator()
	coordinatorWg.Wait()

	// Phase 2: no new reclaims.
	cancelElector()
	electorWg.Wait()
	n.stopSweeper()

	// Phase 3: drain buffered fires; their outcomes are still written.
	cancelDispatcher()
	dispatcherWg.Wait()

	// Phase 4: leave so peers reclaim whatever is left without waiting for the TTL.
	cancelKeeper()
	keeperWg.Wait()
	leaveCtx, cancel := context.WithTimeout(context.Background(), n.config.MapOpTimeout)
	defer cancel()
	if err := n.keeper.Leave(leaveCtx); err != nil {
		return err
	}
	n.logger.Infow("node stopped")
	return nil
}

func (n *Node) startSweeper(ctx context.Context) {
	n.sweepMu.Lock()
	defer n.sweepMu.Unlock()
	if n.stopSweep != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	n.stopSweep = cancel
	n.sweepWg.Add(1)
	go func() {
		defer n.sweepWg.Done()
		n.sweeper.Run(sweepCtx)
	}()
}

// stopSweeper blocks until the sweeper has stopped. It is idempotent.
func (n *Node) stopSweeper() {
	n.sweepMu.Lock()
	if n.stopSweep != nil {
		n.stopSweep()
		n.stopSweep = nil
	}
	n.sweepMu.Unlock()
	n.sweepWg.Wait()
}
