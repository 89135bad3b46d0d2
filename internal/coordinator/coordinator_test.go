package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/clustercron/internal/cron"
	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/overlap"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
	"github.com/djlord-it/clustercron/internal/store/memory"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.FireEvent
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, event domain.FireEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) all() []domain.FireEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.FireEvent(nil), e.events...)
}

// flakyMap fails writes and queries on demand.
type flakyMap struct {
	*memory.Map

	mu       sync.Mutex
	swapHook func(expected, next domain.Record) (apply bool, err error)
	queryErr error
}

func (f *flakyMap) setSwapHook(h func(expected, next domain.Record) (bool, error)) {
	f.mu.Lock()
	f.swapHook = h
	f.mu.Unlock()
}

func (f *flakyMap) CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error) {
	f.mu.Lock()
	hook := f.swapHook
	f.mu.Unlock()
	if hook != nil {
		if apply, err := hook(expected, next); err != nil {
			if apply {
				_, _ = f.Map.CompareAndSwap(ctx, expected, next)
			}
			return false, err
		}
	}
	return f.Map.CompareAndSwap(ctx, expected, next)
}

func (f *flakyMap) Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	f.mu.Lock()
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Map.Query(ctx, p)
}

// failOnce fails the first swap into state, applying it when apply is set.
func failOnce(state domain.State, apply bool) func(expected, next domain.Record) (bool, error) {
	var once sync.Once
	return func(expected, next domain.Record) (bool, error) {
		var err error
		if next.State == state {
			once.Do(func() { err = errors.New("i/o timeout") })
		}
		return apply, err
	}
}

type policies map[domain.JobKey]domain.ConcurrencyPolicy

func (p policies) Concurrency(job domain.JobKey) (domain.ConcurrencyPolicy, bool) {
	v, ok := p[job]
	return v, ok
}

type harness struct {
	clock   *clockwork.FakeClock
	m       *flakyMap
	emitter *recordingEmitter
	calc    *cron.Calculator
}

func newHarness() *harness {
	return &harness{
		clock:   clockwork.NewFakeClockAt(base),
		m:       &flakyMap{Map: memory.NewMap()},
		emitter: &recordingEmitter{},
		calc:    cron.NewCalculator(nil),
	}
}

func (h *harness) coordinator(id string, guard Guard) *Coordinator {
	return New(id, DefaultConfig(), h.m, h.calc, guard, h.emitter).WithClock(h.clock)
}

func (h *harness) forbidGuard(jobs ...string) *overlap.Guard {
	p := policies{}
	for _, j := range jobs {
		p[domain.NewJobKey(j, "test")] = domain.ConcurrencyForbid
	}
	return overlap.New(h.m.Map, p, overlap.Config{})
}

func hourly(name, job string, next time.Time) domain.Record {
	return domain.NewRecord(domain.Trigger{
		Key:          domain.NewTriggerKey(name, "test"),
		JobKey:       domain.NewJobKey(job, "test"),
		Schedule:     domain.Schedule{Interval: time.Hour, RepeatCount: domain.RepeatForever},
		StartAt:      base,
		NextFireTime: next,
	}, base)
}

func (h *harness) put(t *testing.T, rec domain.Record) {
	t.Helper()
	ok, err := h.m.Create(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) get(t *testing.T, name string) domain.Record {
	t.Helper()
	rec, err := h.m.Get(context.Background(), domain.NewTriggerKey(name, "test"))
	require.NoError(t, err)
	return rec
}

func TestCoordinator_FiresDueTrigger(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	rec := h.get(t, "t1")
	assert.Equal(t, domain.StateExecuting, rec.State)
	assert.Equal(t, "node-a", rec.Owner)
	assert.NotEmpty(t, rec.FireID)
	assert.Equal(t, 1, c.InFlight())

	events := h.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, rec.FireID, events[0].FireID)
	assert.Equal(t, base, events[0].ScheduledAt)
	assert.Equal(t, domain.NewJobKey("job", "test"), events[0].JobKey)

	require.NoError(t, c.Complete(context.Background(), events[0], nil))

	rec = h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, rec.State)
	assert.Empty(t, rec.Owner)
	assert.Empty(t, rec.FireID)
	assert.Equal(t, base.Add(time.Hour), rec.Trigger.NextFireTime)
	assert.Equal(t, base, rec.Trigger.PrevFireTime)
	assert.Equal(t, 1, rec.Trigger.TimesFired)
	assert.Equal(t, 0, c.InFlight())
}

func TestCoordinator_SkipsTriggersNotDue(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base.Add(time.Minute)))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, domain.StateWaiting, h.get(t, "t1").State)
}

func TestCoordinator_ConcurrentNodesAcquireOnce(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))

	const nodes = 8
	coordinators := make([]*Coordinator, nodes)
	for i := range coordinators {
		coordinators[i] = h.coordinator(fmt.Sprintf("node-%d", i), nil)
	}

	var (
		mu    sync.Mutex
		total int
		g     errgroup.Group
	)
	for _, c := range coordinators {
		c := c
		g.Go(func() error {
			fired, err := c.RunOnce(context.Background())
			mu.Lock()
			total += fired
			mu.Unlock()
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, total)
	require.Len(t, h.emitter.all(), 1)
	owner := h.get(t, "t1").Owner
	for _, c := range coordinators {
		if c.ID() == owner {
			assert.Equal(t, 1, c.InFlight())
		} else {
			assert.Zero(t, c.InFlight())
		}
	}
}

func TestCoordinator_HundredTriggersFiveNodes(t *testing.T) {
	h := newHarness()
	for i := 0; i < 100; i++ {
		h.put(t, hourly(fmt.Sprintf("t%03d", i), fmt.Sprintf("job%03d", i), base))
	}

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		c := h.coordinator(fmt.Sprintf("node-%d", i), nil)
		g.Go(func() error {
			_, err := c.RunOnce(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	events := h.emitter.all()
	assert.Len(t, events, 100)
	seen := make(map[domain.TriggerKey]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.TriggerKey], "fired twice: %s", ev.TriggerKey)
		seen[ev.TriggerKey] = true
	}
}

func TestCoordinator_BlocksWhileSiblingExecutes(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.put(t, hourly("t2", "job", base.Add(time.Minute)))
	c := h.coordinator("node-a", h.forbidGuard("job"))

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	require.Equal(t, domain.StateExecuting, h.get(t, "t1").State)

	h.clock.Advance(time.Minute)
	fired, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	blocked := h.get(t, "t2")
	assert.Equal(t, domain.StateBlocked, blocked.State)
	assert.Empty(t, blocked.Owner)

	// Still blocked while t1 runs.
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateBlocked, h.get(t, "t2").State)

	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], nil))
	fired, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	events := h.emitter.all()
	require.Len(t, events, 2)
	assert.Equal(t, "t2", events[1].TriggerKey.Name)
	assert.Equal(t, base.Add(time.Minute), events[1].ScheduledAt)
}

func TestCoordinator_AllowPolicyFiresSiblings(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.put(t, hourly("t2", "job", base))
	c := h.coordinator("node-a", h.forbidGuard())

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
}

func TestCoordinator_EmitFailureReleases(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.emitter.err = errors.New("buffer full")
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, fired)

	rec := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, rec.State)
	assert.Empty(t, rec.Owner)
	assert.Equal(t, base, rec.Trigger.NextFireTime, "fire time unchanged")
	assert.Zero(t, c.InFlight())

	h.emitter.err = nil
	fired, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestCoordinator_RecoversUntrackedOwnedRecords(t *testing.T) {
	h := newHarness()
	rec := hourly("t1", "job", base.Add(time.Hour))
	h.put(t, rec)
	acquired, err := rec.Transition(domain.StateAcquired, "node-a", base)
	require.NoError(t, err)
	acquired.FireID = "stale"
	ok, err := h.m.CompareAndSwap(context.Background(), rec, acquired)
	require.NoError(t, err)
	require.True(t, ok)

	c := h.coordinator("node-a", nil)
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, got.State)
	assert.Empty(t, got.Owner)
	assert.Empty(t, got.FireID)
}

func TestCoordinator_KeepsTrackedOwnedRecords(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StateExecuting, h.get(t, "t1").State)
	assert.Len(t, h.emitter.all(), 1)
}

func TestCoordinator_UnknownAcquireOutcomeConfirmed(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.m.setSwapHook(failOnce(domain.StateAcquired, true))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, domain.StateExecuting, h.get(t, "t1").State)
}

func TestCoordinator_UnknownAcquireOutcomeNotApplied(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.m.setSwapHook(failOnce(domain.StateAcquired, false))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, fired)

	rec := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, rec.State)
	assert.Empty(t, rec.Owner)
	assert.Zero(t, c.InFlight())
}

func TestCoordinator_UnknownExecuteOutcomeRecoveredNextPass(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	h.m.setSwapHook(failOnce(domain.StateExecuting, false))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, domain.StateAcquired, h.get(t, "t1").State)
	assert.Zero(t, c.InFlight())

	fired, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, domain.StateExecuting, h.get(t, "t1").State)
}

func TestCoordinator_MisfireSkip(t *testing.T) {
	h := newHarness()
	rec := hourly("t1", "job", base.Add(-10*time.Minute))
	rec.Trigger.MisfirePolicy = domain.MisfireSkip
	h.put(t, rec)
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	got := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, got.State)
	assert.Equal(t, base.Add(time.Hour), got.Trigger.NextFireTime)
	assert.Empty(t, h.emitter.all())
}

func TestCoordinator_MisfireError(t *testing.T) {
	h := newHarness()
	rec := hourly("t1", "job", base.Add(-10*time.Minute))
	rec.Trigger.MisfirePolicy = domain.MisfireError
	h.put(t, rec)
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	got := h.get(t, "t1")
	assert.Equal(t, domain.StateError, got.State)
	assert.Contains(t, got.LastError, "misfired")

	// The next pass reschedules it.
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	got = h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, got.State)
	assert.Equal(t, base.Add(time.Hour), got.Trigger.NextFireTime)
}

func TestCoordinator_MisfireFireNow(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base.Add(-10*time.Minute)))
	c := h.coordinator("node-a", nil)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], nil))
	assert.Equal(t, base.Add(time.Hour), h.get(t, "t1").Trigger.NextFireTime, "no catch-up storm")
}

func TestCoordinator_FailureUnderErrorPolicy(t *testing.T) {
	h := newHarness()
	rec := hourly("t1", "job", base)
	rec.Trigger.MisfirePolicy = domain.MisfireError
	h.put(t, rec)
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], errors.New("boom")))

	got := h.get(t, "t1")
	assert.Equal(t, domain.StateError, got.State)
	assert.Equal(t, "boom", got.LastError)
	assert.Empty(t, got.Owner)
}

func TestCoordinator_FailureReschedulesByDefault(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], errors.New("boom")))

	got := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, got.State)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, base.Add(time.Hour), got.Trigger.NextFireTime)
}

func TestCoordinator_OneShotCompletesAndIsRemoved(t *testing.T) {
	h := newHarness()
	h.put(t, domain.NewRecord(domain.Trigger{
		Key:          domain.NewTriggerKey("once", "test"),
		JobKey:       domain.NewJobKey("job", "test"),
		StartAt:      base,
		NextFireTime: base,
	}, base))
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], nil))
	assert.Equal(t, domain.StateComplete, h.get(t, "once").State)

	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = h.m.Get(context.Background(), domain.NewTriggerKey("once", "test"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_CompletionDroppedAfterReclaim(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	executing := h.get(t, "t1")
	reclaimed := executing.Reset(base)
	ok, err := h.m.CompareAndSwap(context.Background(), executing, reclaimed)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], nil))
	got := h.get(t, "t1")
	assert.Equal(t, reclaimed.Version, got.Version)
	assert.Zero(t, got.Trigger.TimesFired)
	assert.Zero(t, c.InFlight())
}

func TestCoordinator_CompletionRetriesTransientErrors(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	h.m.setSwapHook(failOnce(domain.StateWaiting, false))
	require.NoError(t, c.Complete(context.Background(), h.emitter.all()[0], nil))
	assert.Equal(t, domain.StateWaiting, h.get(t, "t1").State)
}

func TestCoordinator_HealthAfterRetryBudget(t *testing.T) {
	h := newHarness()
	h.m.queryErr = errors.New("connection refused")
	cfg := DefaultConfig()
	cfg.RetryBudget = 2
	c := New("node-a", cfg, h.m, h.calc, nil, h.emitter).WithClock(h.clock)

	for i := 0; i < 2; i++ {
		_, err := c.RunOnce(context.Background())
		require.Error(t, err)
		assert.NoError(t, c.Healthy())
	}
	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.Error(t, c.Healthy())

	h.m.mu.Lock()
	h.m.queryErr = nil
	h.m.mu.Unlock()
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NoError(t, c.Healthy())
}

type liveness bool

func (l liveness) Alive() bool { return bool(l) }

func TestCoordinator_NoPassWhenNotMember(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	c := h.coordinator("node-a", nil).WithLiveness(liveness(false))

	fired, err := c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Zero(t, fired)
	assert.Equal(t, domain.StateWaiting, h.get(t, "t1").State)
}

func TestCoordinator_RunTicks(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base.Add(time.Second)))
	c := h.coordinator("node-a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(h.emitter.all()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// hangingQuerier never answers until its context ends.
type hangingQuerier struct{}

func (hangingQuerier) Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCoordinator_OverlapQueryBoundedByMapOpTimeout(t *testing.T) {
	h := newHarness()
	h.put(t, hourly("t1", "job", base))
	guard := overlap.New(hangingQuerier{},
		policies{domain.NewJobKey("job", "test"): domain.ConcurrencyForbid}, overlap.Config{})

	config := DefaultConfig()
	config.MapOpTimeout = 50 * time.Millisecond
	c := New("node-a", config, h.m, h.calc, guard, h.emitter).WithClock(h.clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("pass still blocked on the sibling query")
	}

	rec := h.get(t, "t1")
	assert.Equal(t, domain.StateWaiting, rec.State, "released for the next pass")
	assert.Empty(t, rec.Owner)
	assert.Empty(t, h.emitter.all())
	assert.Zero(t, c.InFlight())
}

func TestCoordinator_BlockedBacklogLeavesRoomForDueTriggers(t *testing.T) {
	h := newHarness()
	for i := 0; i < 3; i++ {
		rec := hourly(fmt.Sprintf("blocked-%d", i), "other", base.Add(-time.Duration(i+1)*time.Minute))
		rec.State = domain.StateBlocked
		h.put(t, rec)
	}
	h.put(t, hourly("due", "job", base))

	config := DefaultConfig()
	config.BatchSize = 2
	c := New("node-a", config, h.m, h.calc, nil, h.emitter).WithClock(h.clock)

	fired, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
	assert.Equal(t, domain.StateExecuting, h.get(t, "due").State)
	assert.Equal(t, domain.StateExecuting, h.get(t, "blocked-2").State, "oldest blocked trigger takes the other slot")
	assert.Equal(t, domain.StateBlocked, h.get(t, "blocked-0").State)
	assert.Equal(t, domain.StateBlocked, h.get(t, "blocked-1").State)
}

func TestBatch(t *testing.T) {
	rec := func(name string, state domain.State, at time.Duration) domain.Record {
		r := hourly(name, "job", base.Add(at))
		r.State = state
		return r
	}
	names := func(records []domain.Record) []string {
		var out []string
		for _, r := range records {
			out = append(out, r.Key().Name)
		}
		return out
	}
	blocked := []domain.Record{
		rec("b1", domain.StateBlocked, -3*time.Minute),
		rec("b2", domain.StateBlocked, -2*time.Minute),
		rec("b3", domain.StateBlocked, -time.Minute),
	}

	assert.Equal(t, []string{"b1", "b2", "b3"}, names(batch(nil, blocked, 4)), "no due triggers, blocked may fill the batch")
	due := []domain.Record{rec("d1", domain.StateWaiting, 0), rec("d2", domain.StateWaiting, time.Second)}
	assert.Equal(t, []string{"b1", "b2", "d1", "d2"}, names(batch(due, blocked, 4)))
	assert.Equal(t, []string{"b1", "d1"}, names(batch(due, blocked, 2)))
}
