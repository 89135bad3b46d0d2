package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/overlap"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

var blockedStates = predicate.NewInStates(domain.StateBlocked)

func (c *Coordinator) acquireDue(ctx context.Context) (int, error) {
	now := c.clock.Now().UTC()

	due, err := c.query(ctx, predicate.DueBefore(now))
	if err != nil {
		return 0, c.transient("query_due", domain.TriggerKey{}, err)
	}
	var errs error
	blocked, err := c.query(ctx, blockedStates)
	if err != nil {
		errs = multierr.Append(errs, c.transient("query_blocked", domain.TriggerKey{}, err))
	}

	candidates := batch(due, blocked, c.config.BatchSize)
	if len(candidates) == 0 {
		return 0, errs
	}

	var (
		mu    sync.Mutex
		fired int
		g     errgroup.Group
	)
	g.SetLimit(c.config.AcquireWorkers)
	for _, rec := range candidates {
		rec := rec
		g.Go(func() error {
			ok, err := c.fire(ctx, rec, now)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				fired++
			}
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()
	return fired, errs
}

// batch picks at most size candidates. BLOCKED records may take only half of
// the batch while due triggers are waiting, so a backlog of blocked triggers
// cannot starve newly due ones.
func batch(due, blocked []domain.Record, size int) []domain.Record {
	sortCandidates(due)
	sortCandidates(blocked)
	if quota := max(size/2, size-len(due)); len(blocked) > quota {
		blocked = blocked[:quota]
	}
	candidates := append(due, blocked...)
	sortCandidates(candidates)
	if len(candidates) > size {
		candidates = candidates[:size]
	}
	return candidates
}

// sortCandidates orders by next fire time, then priority (higher first).
func sortCandidates(records []domain.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Trigger, records[j].Trigger
		if !a.NextFireTime.Equal(b.NextFireTime) {
			return a.NextFireTime.Before(b.NextFireTime)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Key.Less(b.Key)
	})
}

// fire runs one trigger from its queried revision to EXECUTING and emits it.
// It reports whether the trigger was emitted.
func (c *Coordinator) fire(ctx context.Context, seen domain.Record, now time.Time) (bool, error) {
	key := seen.Key()

	cur, err := c.get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, c.transient("get", key, err)
	}

	switch cur.State {
	case domain.StateWaiting:
		if !cur.Trigger.IsDue(now) {
			c.lost(key, "due")
			return false, nil
		}
		if c.misfired(cur, now) {
			proceed, err := c.handleMisfire(ctx, cur, now)
			if err != nil || !proceed {
				return false, err
			}
		}
	case domain.StateBlocked:
	default:
		c.lost(key, "state")
		return false, nil
	}

	acquired, ok, err := c.acquire(ctx, cur, now)
	if err != nil || !ok {
		return false, err
	}

	decision := overlap.Fire
	if c.guard != nil {
		gctx, cancel := c.opContext(ctx)
		decision, err = c.guard.Allow(gctx, key, acquired.JobKey())
		cancel()
		if err != nil {
			c.release(ctx, acquired, now)
			return false, c.transient("overlap", key, err)
		}
	}
	if decision == overlap.Defer {
		return false, c.block(ctx, acquired, now)
	}
	return c.execute(ctx, acquired, now)
}

func (c *Coordinator) misfired(rec domain.Record, now time.Time) bool {
	return c.config.MisfireThreshold > 0 && now.Sub(rec.Trigger.NextFireTime) > c.config.MisfireThreshold
}

// handleMisfire applies the trigger's misfire policy. It reports whether the
// trigger should still fire now.
func (c *Coordinator) handleMisfire(ctx context.Context, cur domain.Record, now time.Time) (bool, error) {
	policy := cur.Trigger.Misfire()
	if c.metrics != nil {
		c.metrics.TriggerMisfired(string(policy))
	}
	c.logger.Infow("trigger misfired",
		"trigger", cur.Key().String(), "policy", policy,
		"scheduled_at", cur.Trigger.NextFireTime, "late", now.Sub(cur.Trigger.NextFireTime))

	var (
		next domain.Record
		err  error
	)
	switch policy {
	case domain.MisfireFireNow:
		return true, nil

	case domain.MisfireSkip:
		at, more := c.calc.NextFireTime(cur.Trigger, now)
		if !more {
			ok, err := c.remove(ctx, cur)
			if err != nil {
				return false, c.transient("delete", cur.Key(), err)
			}
			if !ok {
				c.lost(cur.Key(), "misfire")
			}
			return false, nil
		}
		next, err = cur.Transition(domain.StateWaiting, "", now)
		next.Trigger.NextFireTime = at

	default:
		next, err = cur.Transition(domain.StateError, "", now)
		next.LastError = fmt.Sprintf("misfired: scheduled at %s, %s late",
			cur.Trigger.NextFireTime.Format(time.RFC3339), now.Sub(cur.Trigger.NextFireTime).Round(time.Second))
	}
	if err != nil {
		return false, err
	}

	ok, err := c.swap(ctx, cur, next)
	if err != nil {
		return false, c.transient("misfire", cur.Key(), err)
	}
	if !ok {
		c.lost(cur.Key(), "misfire")
	}
	return false, nil
}

// acquire claims cur for this node with a fresh fire id.
func (c *Coordinator) acquire(ctx context.Context, cur domain.Record, now time.Time) (domain.Record, bool, error) {
	key := cur.Key()
	next, err := cur.Transition(domain.StateAcquired, c.id, now)
	if err != nil {
		return domain.Record{}, false, err
	}
	next.FireID = uuid.NewString()

	ok, err := c.swap(ctx, cur, next)
	if err != nil {
		actual, confirmed := c.confirm(ctx, key, domain.StateAcquired, next.FireID)
		if !confirmed {
			return domain.Record{}, false, c.transient("acquire", key, err)
		}
		next, ok = actual, true
	}
	if !ok {
		c.lost(key, "acquire")
		return domain.Record{}, false, nil
	}

	c.track(key, next.FireID)
	c.invalidate(next.JobKey())
	return next, true, nil
}

// confirm re-reads key after a write with an unknown outcome and reports
// whether the map shows this node holding it in state with fireID.
func (c *Coordinator) confirm(ctx context.Context, key domain.TriggerKey, state domain.State, fireID string) (domain.Record, bool) {
	actual, err := c.get(ctx, key)
	if err != nil {
		return domain.Record{}, false
	}
	if actual.State != state || actual.Owner != c.id || actual.FireID != fireID {
		return domain.Record{}, false
	}
	c.logger.Debugw("unknown write outcome confirmed by re-read", "trigger", key.String(), "state", state)
	return actual, true
}

// block parks an acquired trigger in BLOCKED until a later pass re-checks it.
func (c *Coordinator) block(ctx context.Context, acquired domain.Record, now time.Time) error {
	key := acquired.Key()
	defer c.untrack(key, acquired.FireID)

	next, err := acquired.Transition(domain.StateBlocked, "", now)
	if err != nil {
		return err
	}
	ok, err := c.swap(ctx, acquired, next)
	if err != nil {
		return c.transient("block", key, err)
	}
	if !ok {
		c.lost(key, "block")
		return nil
	}
	c.invalidate(acquired.JobKey())
	if c.metrics != nil {
		c.metrics.TriggerBlocked()
	}
	c.logger.Debugw("trigger blocked by running sibling", "trigger", key.String(), "job", acquired.JobKey().String())
	return nil
}

func (c *Coordinator) execute(ctx context.Context, acquired domain.Record, now time.Time) (bool, error) {
	key := acquired.Key()

	next, err := acquired.Transition(domain.StateExecuting, c.id, now)
	if err != nil {
		c.untrack(key, acquired.FireID)
		return false, err
	}
	ok, err := c.swap(ctx, acquired, next)
	if err != nil {
		actual, confirmed := c.confirm(ctx, key, domain.StateExecuting, acquired.FireID)
		if !confirmed {
			c.untrack(key, acquired.FireID)
			return false, c.transient("execute", key, err)
		}
		next, ok = actual, true
	}
	if !ok {
		c.untrack(key, acquired.FireID)
		c.lost(key, "execute")
		return false, nil
	}
	c.invalidate(next.JobKey())

	event := domain.FireEvent{
		FireID:      next.FireID,
		TriggerKey:  key,
		JobKey:      next.JobKey(),
		Owner:       c.id,
		ScheduledAt: next.Trigger.NextFireTime,
		FiredAt:     now,
		Record:      next,
	}
	if err := c.emitter.Emit(ctx, event); err != nil {
		c.logger.Warnw("emit failed, releasing trigger", "trigger", key.String(), "fire_id", event.FireID, "error", err)
		c.release(ctx, next, now)
		return false, fmt.Errorf("emit %s: %w", key, err)
	}

	if c.metrics != nil {
		c.metrics.TriggerFired(now.Sub(event.ScheduledAt))
	}
	c.logger.Debugw("trigger fired",
		"trigger", key.String(), "job", event.JobKey.String(), "fire_id", event.FireID,
		"scheduled_at", event.ScheduledAt)
	return true, nil
}

// release returns a trigger this node holds to WAITING with its fire time
// unchanged, so it is picked up again on the next pass.
func (c *Coordinator) release(ctx context.Context, held domain.Record, now time.Time) {
	key := held.Key()
	defer c.untrack(key, held.FireID)

	next, err := held.Transition(domain.StateWaiting, "", now)
	if err != nil {
		c.logger.Errorw("cannot release trigger", "trigger", key.String(), "error", err)
		return
	}
	ok, err := c.swap(ctx, held, next)
	switch {
	case err != nil:
		// Left to the recover phase of the next pass.
		_ = c.transient("release", key, err)
	case !ok:
		c.lost(key, "release")
	default:
		c.invalidate(held.JobKey())
	}
}
