package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/clustercron/internal/store"
)

// Membership keeps members in a sorted set scored by expiry (unix ms).
// Expired members are pruned on read.
type Membership struct {
	client redis.UniversalClient
	key    string
	clock  clockwork.Clock
}

func NewMembership(client redis.UniversalClient, prefix string, clock clockwork.Clock) *Membership {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Membership{client: client, key: prefix + ":members", clock: clock}
}

func (m *Membership) Join(ctx context.Context, node string, ttl time.Duration) error {
	expires := m.clock.Now().Add(ttl).UnixMilli()
	if err := m.client.ZAdd(ctx, m.key, redis.Z{Score: float64(expires), Member: node}).Err(); err != nil {
		return fmt.Errorf("redis join %s: %w", node, err)
	}
	return nil
}

func (m *Membership) Leave(ctx context.Context, node string) error {
	if err := m.client.ZRem(ctx, m.key, node).Err(); err != nil {
		return fmt.Errorf("redis leave %s: %w", node, err)
	}
	return nil
}

func (m *Membership) Members(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(m.clock.Now().UnixMilli(), 10)

	pipe := m.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, m.key, "-inf", now)
	members := pipe.ZRange(ctx, m.key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	return members.Val(), nil
}

var _ store.Membership = (*Membership)(nil)
