// Package storetest holds the behavioural checks every store.Map and
// store.Membership backend must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Record builds a WAITING record for trigger name of job job, due at next.
func Record(name, job string, next time.Time) domain.Record {
	return domain.NewRecord(domain.Trigger{
		Key:          domain.NewTriggerKey(name, "test"),
		JobKey:       domain.NewJobKey(job, "test"),
		Schedule:     domain.Schedule{Interval: time.Minute, RepeatCount: domain.RepeatForever},
		StartAt:      base,
		NextFireTime: next,
	}, base)
}

func mustTransition(t *testing.T, r domain.Record, to domain.State, owner string) domain.Record {
	t.Helper()
	n, err := r.Transition(to, owner, base)
	require.NoError(t, err)
	return n
}

func keys(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key().Name)
	}
	return out
}

// RunMapTests exercises m, which must start empty.
func RunMapTests(t *testing.T, newMap func(t *testing.T) store.Map) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		m := newMap(t)
		_, err := m.Get(ctx, domain.NewTriggerKey("nope", "test"))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreateIsPutIfAbsent", func(t *testing.T) {
		m := newMap(t)
		r := Record("t1", "j", base)
		ok, err := m.Create(ctx, r)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.Create(ctx, r)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := m.Get(ctx, r.Key())
		require.NoError(t, err)
		assert.Equal(t, r.Key(), got.Key())
		assert.Equal(t, domain.StateWaiting, got.State)
		assert.Equal(t, r.Version, got.Version)
		assert.True(t, r.Trigger.NextFireTime.Equal(got.Trigger.NextFireTime))
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		m := newMap(t)
		r := Record("t1", "j", base)
		_, err := m.Create(ctx, r)
		require.NoError(t, err)

		acq := mustTransition(t, r, domain.StateAcquired, "node-a")
		ok, err := m.CompareAndSwap(ctx, r, acq)
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale expectation loses.
		other := mustTransition(t, r, domain.StateAcquired, "node-b")
		ok, err = m.CompareAndSwap(ctx, r, other)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := m.Get(ctx, r.Key())
		require.NoError(t, err)
		assert.Equal(t, "node-a", got.Owner)
		assert.Equal(t, domain.StateAcquired, got.State)
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		m := newMap(t)
		r := Record("ghost", "j", base)
		ok, err := m.CompareAndSwap(ctx, r, mustTransition(t, r, domain.StatePaused, ""))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompareAndSwapRejectsInvalid", func(t *testing.T) {
		m := newMap(t)
		r := Record("t1", "j", base)
		_, err := m.Create(ctx, r)
		require.NoError(t, err)

		bad := r
		bad.State = domain.StateExecuting
		_, err = m.CompareAndSwap(ctx, r, bad)
		assert.ErrorIs(t, err, store.ErrInvalidWrite)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		m := newMap(t)
		r := Record("t1", "j", base)
		_, err := m.Create(ctx, r)
		require.NoError(t, err)

		paused := mustTransition(t, r, domain.StatePaused, "")
		ok, err := m.CompareAndSwap(ctx, r, paused)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.CompareAndDelete(ctx, r)
		require.NoError(t, err)
		assert.False(t, ok, "stale revision must not delete")

		ok, err = m.CompareAndDelete(ctx, paused)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.CompareAndDelete(ctx, paused)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = m.Get(ctx, r.Key())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Query", func(t *testing.T) {
		m := newMap(t)
		t1 := Record("t1", "j1", base)
		t2 := Record("t2", "j1", base.Add(time.Hour))
		t3 := Record("t3", "j2", base.Add(-time.Hour))
		for _, r := range []domain.Record{t3, t1, t2} {
			_, err := m.Create(ctx, r)
			require.NoError(t, err)
		}
		acq := mustTransition(t, t1, domain.StateAcquired, "node-a")
		ok, err := m.CompareAndSwap(ctx, t1, acq)
		require.NoError(t, err)
		require.True(t, ok)
		exec := mustTransition(t, acq, domain.StateExecuting, "node-a")
		ok, err = m.CompareAndSwap(ctx, acq, exec)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := m.Query(ctx, predicate.All{})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, keys(got))

		got, err = m.Query(ctx, predicate.OwnedAndActive{Node: "node-a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, keys(got))
		assert.Equal(t, domain.StateExecuting, got[0].State)

		got, err = m.Query(ctx, predicate.OwnedAndActive{Node: "node-b"})
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = m.Query(ctx, predicate.SiblingsOfJob{Job: t1.JobKey(), Exclude: t1.Key()})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, keys(got))

		got, err = m.Query(ctx, predicate.NewInStates(domain.StateWaiting))
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t3"}, keys(got))

		got, err = m.Query(ctx, predicate.DueBefore(base))
		require.NoError(t, err)
		assert.Equal(t, []string{"t3"}, keys(got), "t1 is executing, t2 is not due")

		got, err = m.Query(ctx, predicate.DueBefore(base.Add(2*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t3"}, keys(got))
	})

	t.Run("ConcurrentAcquireHasOneWinner", func(t *testing.T) {
		m := newMap(t)
		r := Record("contended", "j", base)
		_, err := m.Create(ctx, r)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(node string) {
				defer wg.Done()
				cur, err := m.Get(ctx, r.Key())
				if err != nil || cur.State != domain.StateWaiting {
					return
				}
				next, err := cur.Transition(domain.StateAcquired, node, base)
				if err != nil {
					return
				}
				if ok, err := m.CompareAndSwap(ctx, cur, next); err == nil && ok {
					wins.Add(1)
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// RunMembershipTests exercises a membership backend. expire moves the
// backend's notion of time forward by d.
func RunMembershipTests(t *testing.T, newMembership func(t *testing.T) (store.Membership, func(d time.Duration))) {
	ctx := context.Background()

	t.Run("JoinLeave", func(t *testing.T) {
		ms, _ := newMembership(t)
		require.NoError(t, ms.Join(ctx, "node-b", time.Minute))
		require.NoError(t, ms.Join(ctx, "node-a", time.Minute))

		got, err := ms.Members(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"node-a", "node-b"}, got)

		require.NoError(t, ms.Leave(ctx, "node-a"))
		got, err = ms.Members(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"node-b"}, got)

		require.NoError(t, ms.Leave(ctx, "node-a"), "leave is idempotent")
	})

	t.Run("Expiry", func(t *testing.T) {
		ms, advance := newMembership(t)
		require.NoError(t, ms.Join(ctx, "short", 10*time.Second))
		require.NoError(t, ms.Join(ctx, "long", time.Minute))

		advance(30 * time.Second)
		got, err := ms.Members(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"long"}, got)

		// Heartbeat renews.
		require.NoError(t, ms.Join(ctx, "long", time.Minute))
		advance(45 * time.Second)
		got, err = ms.Members(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"long"}, got)
	})
}
