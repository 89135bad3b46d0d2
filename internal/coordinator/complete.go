package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/metrics"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

const completeRetries = 5

var finishedStates = predicate.NewInStates(domain.StateComplete, domain.StateError)

// Complete records the outcome of a fired trigger. On success, or on failure
// under a non-error misfire policy, the trigger goes back to WAITING with its
// next fire time, or to COMPLETE when it will not fire again. A failure
// under the error policy moves it to ERROR.
//
// The write is conditioned on the EXECUTING revision in event. If the
// trigger was reclaimed or unscheduled meanwhile the outcome is dropped.
// Transient map failures are retried with backoff.
func (c *Coordinator) Complete(ctx context.Context, event domain.FireEvent, execErr error) error {
	key := event.TriggerKey
	defer c.untrack(key, event.FireID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = c.config.MapOpTimeout
	b.MaxElapsedTime = 3 * c.config.MapOpTimeout
	b.Clock = c.clock
	policy := backoff.WithContext(backoff.WithMaxRetries(b, completeRetries), ctx)

	outcome := metrics.FinishedDropped
	op := func() error {
		cur, err := c.get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.FireID != event.FireID || !cur.SameRevision(event.Record) {
			return nil
		}

		next, finished, err := c.finished(cur, event, execErr)
		if err != nil {
			return backoff.Permanent(err)
		}
		ok, err := c.swap(ctx, cur, next)
		if err != nil {
			return err
		}
		if ok {
			outcome = finished
		}
		return nil
	}
	notify := func(err error, delay time.Duration) {
		if c.metrics != nil {
			c.metrics.TransientError("complete")
		}
		c.logger.Warnw("completion write failed, retrying",
			"trigger", key.String(), "fire_id", event.FireID, "error", err, "delay", delay)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		c.logger.Errorw("completion not recorded",
			"trigger", key.String(), "fire_id", event.FireID, "error", err)
		return err
	}

	if c.metrics != nil {
		c.metrics.TriggerFinished(outcome)
	}
	c.invalidate(event.JobKey)
	if outcome == metrics.FinishedDropped {
		c.logger.Infow("completion dropped, trigger changed while executing",
			"trigger", key.String(), "fire_id", event.FireID)
		return nil
	}
	c.logger.Debugw("trigger finished",
		"trigger", key.String(), "fire_id", event.FireID, "outcome", outcome, "exec_error", execErr)
	return nil
}

// finished computes the successor of an EXECUTING record.
func (c *Coordinator) finished(cur domain.Record, event domain.FireEvent, execErr error) (domain.Record, string, error) {
	t := cur.Trigger
	t.TimesFired++
	t.PrevFireTime = event.ScheduledAt
	at, more := c.calc.NextFireTime(t, event.FiredAt)
	if !more {
		at = time.Time{}
	}
	t.NextFireTime = at

	to, outcome := domain.StateWaiting, metrics.FinishedWaiting
	switch {
	case execErr != nil && t.Misfire() == domain.MisfireError:
		to, outcome = domain.StateError, metrics.FinishedError
	case !more:
		to, outcome = domain.StateComplete, metrics.FinishedComplete
	}

	next, err := cur.Transition(to, "", c.clock.Now().UTC())
	if err != nil {
		return domain.Record{}, "", err
	}
	next.Trigger = t
	next.LastError = ""
	if execErr != nil {
		next.LastError = execErr.Error()
	}
	return next, outcome, nil
}

// recoverOwned releases records the map says this node holds but which are
// not in flight here.
func (c *Coordinator) recoverOwned(ctx context.Context) error {
	records, err := c.query(ctx, predicate.OwnedAndActive{Node: c.id})
	if err != nil {
		return c.transient("query_owned", domain.TriggerKey{}, err)
	}

	now := c.clock.Now().UTC()
	var (
		errs      error
		recovered int
	)
	for _, rec := range records {
		if c.tracked(rec.Key(), rec.FireID) {
			continue
		}
		next, err := rec.Transition(domain.StateWaiting, "", now)
		if err != nil {
			c.logger.Errorw("cannot recover trigger", "trigger", rec.Key().String(), "error", err)
			continue
		}
		ok, err := c.swap(ctx, rec, next)
		if err != nil {
			errs = multierr.Append(errs, c.transient("recover", rec.Key(), err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		c.invalidate(rec.JobKey())
		c.logger.Infow("released trigger not in flight on this node",
			"trigger", rec.Key().String(), "state", rec.State, "fire_id", rec.FireID)
	}
	if recovered > 0 && c.metrics != nil {
		c.metrics.OwnedRecovered(recovered)
	}
	return errs
}

// finalize reschedules COMPLETE and ERROR records that have a next fire time
// and deletes the exhausted ones.
func (c *Coordinator) finalize(ctx context.Context) error {
	records, err := c.query(ctx, finishedStates)
	if err != nil {
		return c.transient("query_finished", domain.TriggerKey{}, err)
	}

	now := c.clock.Now().UTC()
	var errs error
	for _, rec := range records {
		at, more := c.calc.NextFireTime(rec.Trigger, now)
		if !more {
			ok, err := c.remove(ctx, rec)
			if err != nil {
				errs = multierr.Append(errs, c.transient("delete", rec.Key(), err))
			} else if ok {
				c.logger.Infow("trigger exhausted, removed", "trigger", rec.Key().String(), "times_fired", rec.Trigger.TimesFired)
			}
			continue
		}

		next, err := rec.Transition(domain.StateWaiting, "", now)
		if err != nil {
			c.logger.Errorw("cannot reschedule trigger", "trigger", rec.Key().String(), "error", err)
			continue
		}
		next.Trigger.NextFireTime = at
		if _, err := c.swap(ctx, rec, next); err != nil {
			errs = multierr.Append(errs, c.transient("reschedule", rec.Key(), err))
		}
	}
	return errs
}
