package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/djlord-it/clustercron/internal/store"
)

// Membership tracks members by expiry on an injectable clock.
type Membership struct {
	clock clockwork.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMembership(clock clockwork.Clock) *Membership {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Membership{clock: clock, expires: make(map[string]time.Time)}
}

func (m *Membership) Join(ctx context.Context, node string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[node] = m.clock.Now().Add(ttl)
	return nil
}

func (m *Membership) Leave(ctx context.Context, node string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, node)
	return nil
}

// Kill removes a node without a graceful leave, as a crash would.
func (m *Membership) Kill(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, node)
}

func (m *Membership) Members(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.expires))
	for node, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, node)
			continue
		}
		out = append(out, node)
	}
	sort.Strings(out)
	return out, nil
}

var _ store.Membership = (*Membership)(nil)
