// Package registry is the write path for trigger definitions: it creates,
// removes, pauses and resumes records in the shared map.
//
// Every write is conditional. Create only succeeds for an absent key; pause,
// resume and unschedule re-read the record and retry a lost race a bounded
// number of times.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

var (
	ErrAlreadyExists = errors.New("trigger already exists")
	ErrNeverFires    = errors.New("trigger will never fire")
	ErrNotFound      = errors.New("trigger not found")
	// ErrBusy is returned when a trigger cannot change state while it is
	// acquired or executing.
	ErrBusy = errors.New("trigger is acquired or executing")
	// ErrContended is returned when every attempt of a write lost its race.
	ErrContended = errors.New("trigger is contended")
)

const casAttempts = 5

type Calculator interface {
	Validate(t domain.Trigger) error
	FirstFireTime(t domain.Trigger) (time.Time, bool)
}

// Invalidator is told when a job's triggers change, so cached sibling
// views can be dropped.
type Invalidator interface {
	Invalidate(job domain.JobKey)
}

type Registry struct {
	m           store.Map
	calc        Calculator
	invalidator Invalidator // optional
	clock       clockwork.Clock
	logger      *zap.SugaredLogger
	opTimeout   time.Duration
}

func New(m store.Map, calc Calculator) *Registry {
	return &Registry{
		m:         m,
		calc:      calc,
		clock:     clockwork.NewRealClock(),
		logger:    logging.Nop(),
		opTimeout: 2 * time.Second,
	}
}

func (r *Registry) WithClock(clock clockwork.Clock) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) WithLogger(logger *zap.SugaredLogger) *Registry {
	r.logger = logging.OrNop(logger).Named("registry")
	return r
}

func (r *Registry) WithInvalidator(inv Invalidator) *Registry {
	r.invalidator = inv
	return r
}

// WithOpTimeout bounds each map round trip.
func (r *Registry) WithOpTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.opTimeout = d
	}
	return r
}

// Schedule stores a new WAITING record for t with its first fire time.
// A zero StartAt means now.
func (r *Registry) Schedule(ctx context.Context, t domain.Trigger) (domain.Record, error) {
	now := r.clock.Now()
	if t.StartAt.IsZero() {
		t.StartAt = now
	}
	t.NextFireTime, t.PrevFireTime, t.TimesFired = time.Time{}, time.Time{}, 0

	if err := r.calc.Validate(t); err != nil {
		return domain.Record{}, fmt.Errorf("schedule %s: %w", t.Key, err)
	}
	first, ok := r.calc.FirstFireTime(t)
	if !ok {
		return domain.Record{}, fmt.Errorf("schedule %s: %w", t.Key, ErrNeverFires)
	}
	t.NextFireTime = first

	rec := domain.NewRecord(t, now)
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	created, err := r.m.Create(opCtx, rec)
	if err != nil {
		return domain.Record{}, fmt.Errorf("schedule %s: %w", t.Key, err)
	}
	if !created {
		return domain.Record{}, fmt.Errorf("schedule %s: %w", t.Key, ErrAlreadyExists)
	}
	r.invalidate(t.JobKey)
	r.logger.Infow("trigger scheduled", "trigger", t.Key.String(), "job", t.JobKey.String(), "next_fire", first)
	return rec, nil
}

// Unschedule removes the record of key. It reports whether a record was
// removed; removing a missing key is not an error.
func (r *Registry) Unschedule(ctx context.Context, key domain.TriggerKey) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := r.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("unschedule %s: %w", key, err)
		}

		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		deleted, err := r.m.CompareAndDelete(opCtx, rec)
		cancel()
		if err != nil {
			return false, fmt.Errorf("unschedule %s: %w", key, err)
		}
		if deleted {
			r.invalidate(rec.JobKey())
			r.logger.Infow("trigger unscheduled", "trigger", key.String(), "state", rec.State)
			return true, nil
		}
	}
	return false, fmt.Errorf("unschedule %s: %w", key, ErrContended)
}

// Pause moves a WAITING, BLOCKED or ERROR trigger to PAUSED. Pausing a
// paused trigger is a no-op.
func (r *Registry) Pause(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	return r.update(ctx, "pause", key, func(rec domain.Record, now time.Time) (domain.Record, bool, error) {
		switch {
		case rec.State == domain.StatePaused:
			return rec, false, nil
		case rec.State.IsActive():
			return domain.Record{}, false, ErrBusy
		}
		next, err := rec.Transition(domain.StatePaused, "", now)
		return next, true, err
	})
}

// Resume moves a PAUSED trigger back to WAITING. Its fire time is kept, so a
// trigger paused across its fire time is handled by its misfire policy.
func (r *Registry) Resume(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	return r.update(ctx, "resume", key, func(rec domain.Record, now time.Time) (domain.Record, bool, error) {
		if rec.State != domain.StatePaused {
			return rec, false, nil
		}
		next, err := rec.Transition(domain.StateWaiting, "", now)
		return next, true, err
	})
}

// State returns the state of key, or NONE when it has no record.
func (r *Registry) State(ctx context.Context, key domain.TriggerKey) (domain.State, error) {
	rec, err := r.get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.StateNone, nil
	}
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (r *Registry) Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	rec, err := r.get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return rec, err
}

// List returns the records matching p, ordered by key.
func (r *Registry) List(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	if p == nil {
		p = predicate.All{}
	}
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.m.Query(opCtx, p)
}

type mutation func(rec domain.Record, now time.Time) (next domain.Record, write bool, err error)

func (r *Registry) update(ctx context.Context, op string, key domain.TriggerKey, mutate mutation) (domain.Record, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := r.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
		}
		if err != nil {
			return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, err)
		}

		next, write, err := mutate(rec, r.clock.Now())
		if err != nil {
			return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, err)
		}
		if !write {
			return rec, nil
		}

		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		swapped, err := r.m.CompareAndSwap(opCtx, rec, next)
		cancel()
		if err != nil {
			return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, err)
		}
		if swapped {
			r.invalidate(rec.JobKey())
			r.logger.Infow("trigger updated", "op", op, "trigger", key.String(), "from", rec.State, "to", next.State)
			return next, nil
		}
		r.logger.Debugw("lost race, retrying", "op", op, "trigger", key.String(), "attempt", attempt+1)
	}
	return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, ErrContended)
}

func (r *Registry) get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.m.Get(opCtx, key)
}

func (r *Registry) invalidate(job domain.JobKey) {
	if r.invalidator != nil {
		r.invalidator.Invalidate(job)
	}
}
