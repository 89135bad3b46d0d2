package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/clustercron/internal/store/memory"
)

// flakyMembership fails the first failures calls to Join.
type flakyMembership struct {
	*memory.Membership

	mu       sync.Mutex
	failures int
	joins    int
}

func (f *flakyMembership) Join(ctx context.Context, node string, ttl time.Duration) error {
	f.mu.Lock()
	f.joins++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Membership.Join(ctx, node, ttl)
}

type recordingMetrics struct {
	mu       sync.Mutex
	failures int
	statuses []bool
}

func (m *recordingMetrics) HeartbeatFailed() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *recordingMetrics) MembershipStatusChanged(member bool) {
	m.mu.Lock()
	m.statuses = append(m.statuses, member)
	m.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitialInterval = time.Millisecond
	return cfg
}

func TestKeeper_AliveFollowsTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ms := memory.NewMembership(clock)
	k := New("node-a", ms, testConfig()).WithClock(clock)

	assert.False(t, k.Alive(), "not a member before joining")
	require.NoError(t, k.Join(context.Background()))
	assert.True(t, k.Alive())

	members, err := ms.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, members)

	clock.Advance(testConfig().TTL)
	assert.False(t, k.Alive(), "membership lapsed without renewal")

	require.NoError(t, k.Heartbeat(context.Background()))
	assert.True(t, k.Alive())
}

func TestKeeper_RetriesTransientFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ms := &flakyMembership{Membership: memory.NewMembership(clock), failures: 2}
	metrics := &recordingMetrics{}
	k := New("node-a", ms, testConfig()).WithClock(clock).WithMetrics(metrics)

	require.NoError(t, k.Join(context.Background()))
	assert.True(t, k.Alive())
	assert.Equal(t, 3, ms.joins)
	assert.Equal(t, 2, metrics.failures)
	assert.Equal(t, []bool{true}, metrics.statuses)
}

func TestKeeper_GivesUpAfterMaxRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ms := &flakyMembership{Membership: memory.NewMembership(clock), failures: 100}
	k := New("node-a", ms, testConfig()).WithClock(clock)

	err := k.Join(context.Background())
	require.Error(t, err)
	assert.False(t, k.Alive())
	assert.Equal(t, int(testConfig().MaxRetries)+1, ms.joins)
}

func TestKeeper_Leave(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ms := memory.NewMembership(clock)
	metrics := &recordingMetrics{}
	k := New("node-a", ms, testConfig()).WithClock(clock).WithMetrics(metrics)

	require.NoError(t, k.Join(context.Background()))
	require.NoError(t, k.Leave(context.Background()))
	assert.False(t, k.Alive())

	members, err := ms.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Equal(t, []bool{true, false}, metrics.statuses)
}

func TestKeeper_RunRenews(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ms := &flakyMembership{Membership: memory.NewMembership(clock)}
	cfg := testConfig()
	k := New("node-a", ms, cfg).WithClock(clock)
	require.NoError(t, k.Join(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	joins := func() int {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.joins
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(cfg.HeartbeatInterval)
		want := i + 2
		require.Eventually(t, func() bool { return joins() == want }, time.Second, time.Millisecond)
	}
	// Five intervals exceed the TTL, so only renewals keep the node alive.
	assert.True(t, k.Alive())

	cancel()
	<-done
}
