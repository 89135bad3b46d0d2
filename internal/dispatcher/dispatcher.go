// Package dispatcher executes fired triggers and reports their outcome.
//
// A fixed pool of workers consumes FireEvents from the bus, runs each one
// through the Executor under ExecuteTimeout, and hands the result to the
// Completer, which writes the trigger's next state to the map. On shutdown
// the workers drain what is already buffered, bounded by DrainTimeout.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
)

// Executor runs the job of a fired trigger. It must tolerate duplicate
// fires of the same FireID.
type Executor interface {
	Execute(ctx context.Context, event domain.FireEvent) error
}

// Completer records the outcome of an execution.
type Completer interface {
	Complete(ctx context.Context, event domain.FireEvent, execErr error) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, event domain.FireEvent) error

func (f ExecutorFunc) Execute(ctx context.Context, event domain.FireEvent) error {
	return f(ctx, event)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Config struct {
	Workers int
	// ExecuteTimeout bounds one execution, retries included.
	ExecuteTimeout time.Duration
	// CompleteTimeout bounds recording the outcome.
	CompleteTimeout time.Duration
	// DrainTimeout is the maximum time to work off buffered events during shutdown.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		ExecuteTimeout:  time.Minute,
		CompleteTimeout: 10 * time.Second,
		DrainTimeout:    30 * time.Second,
	}
}

type Dispatcher struct {
	config    Config
	executor  Executor
	completer Completer
	clock     clockwork.Clock
	logger    *zap.SugaredLogger
	metrics   MetricsSink // optional, nil = disabled
}

func New(config Config, executor Executor, completer Completer) *Dispatcher {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.ExecuteTimeout <= 0 {
		config.ExecuteTimeout = def.ExecuteTimeout
	}
	if config.CompleteTimeout <= 0 {
		config.CompleteTimeout = def.CompleteTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &Dispatcher{
		config:    config,
		executor:  executor,
		completer: completer,
		clock:     clockwork.NewRealClock(),
		logger:    logging.Nop(),
	}
}

func (d *Dispatcher) WithLogger(logger *zap.SugaredLogger) *Dispatcher {
	d.logger = logging.OrNop(logger).Named("dispatcher")
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithClock(clock clockwork.Clock) *Dispatcher {
	d.clock = clock
	return d
}

// Run processes events from ch with Workers goroutines until ctx is
// cancelled, then drains buffered events. It returns when all workers have
// stopped.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.FireEvent) {
	d.logger.Infow("dispatcher started", "workers", d.config.Workers, "execute_timeout", d.config.ExecuteTimeout)

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()
	d.logger.Infow("dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.FireEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ctx, event)
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.FireEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warnw("drain timeout", "processed", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				d.logger.Infow("drain complete, bus closed", "processed", count)
				return
			}
			d.Dispatch(drainCtx, event)
			count++
		default:
			// No more buffered events
			if count > 0 {
				d.logger.Infow("drain complete", "processed", count)
			}
			return
		}
	}
}

// Dispatch executes one event and records its outcome. Execution errors are
// routed to the completer, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.FireEvent) {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	execCtx, cancel := context.WithTimeout(ctx, d.config.ExecuteTimeout)
	start := d.clock.Now()
	execErr := d.executor.Execute(execCtx, event)
	cancel()

	if execErr != nil {
		d.logger.Warnw("execution failed",
			"trigger", event.TriggerKey.String(), "job", event.JobKey.String(),
			"fire_id", event.FireID, "duration", d.clock.Since(start), "error", execErr)
	}

	// The outcome is recorded even when ctx was cancelled mid-execution.
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CompleteTimeout)
	defer cancel()
	if err := d.completer.Complete(completeCtx, event, execErr); err != nil {
		d.logger.Errorw("recording outcome failed",
			"trigger", event.TriggerKey.String(), "fire_id", event.FireID, "error", err)
	}
}
