// Package etcd implements the cluster membership view with lease-bound keys.
// A member is a key under the prefix attached to the node's lease; when the
// node stops renewing, etcd revokes the lease and the key disappears.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/djlord-it/clustercron/internal/store"
)

const DefaultPrefix = "/clustercron/members/"

type Membership struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

func New(client *clientv3.Client, prefix string) *Membership {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Membership{client: client, prefix: prefix, leases: make(map[string]clientv3.LeaseID)}
}

func (m *Membership) key(node string) string {
	return m.prefix + node
}

// ttlSeconds rounds up, etcd leases have second granularity.
func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Join registers node on first call and renews its lease afterwards. If the
// lease already expired, a new one is granted and the key is re-created.
func (m *Membership) Join(ctx context.Context, node string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.leases[node]; ok {
		_, err := m.client.KeepAliveOnce(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("etcd renew %s: %w", node, err)
		}
		delete(m.leases, node)
	}

	lease, err := m.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("etcd grant %s: %w", node, err)
	}
	if _, err := m.client.Put(ctx, m.key(node), node, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd register %s: %w", node, err)
	}
	m.leases[node] = lease.ID
	return nil
}

// Leave revokes the lease, which deletes the key. Unknown nodes are deleted
// directly.
func (m *Membership) Leave(ctx context.Context, node string) error {
	m.mu.Lock()
	id, ok := m.leases[node]
	delete(m.leases, node)
	m.mu.Unlock()

	if ok {
		if _, err := m.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("etcd revoke %s: %w", node, err)
		}
		return nil
	}
	if _, err := m.client.Delete(ctx, m.key(node)); err != nil {
		return fmt.Errorf("etcd unregister %s: %w", node, err)
	}
	return nil
}

func (m *Membership) Members(ctx context.Context) ([]string, error) {
	resp, err := m.client.Get(ctx, m.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd members: %w", err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, string(kv.Value))
	}
	sort.Strings(out)
	return out, nil
}

var _ store.Membership = (*Membership)(nil)
