// Package channel is the in-process bus between the coordinator and the
// dispatcher. Emit never blocks longer than the emit timeout, so a saturated
// dispatcher cannot stall a coordinator pass; the coordinator releases a
// trigger it could not emit.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/clustercron/internal/domain"
)

// ErrBufferFull is returned when the buffer stays full for the emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink defines the interface for recording bus metrics.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

type EventBus struct {
	ch          chan domain.FireEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.FireEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *EventBus) Emit(ctx context.Context, event domain.FireEvent) error {
	// Fast path when there is room.
	select {
	case b.ch <- event:
		b.updateSize()
		return nil
	default:
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.updateSize()
		return nil
	case <-ctx.Done():
		b.emitError()
		return ctx.Err()
	case <-timer.C:
		b.emitError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.FireEvent {
	return b.ch
}

// Len returns the number of buffered events.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) updateSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

func (b *EventBus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
