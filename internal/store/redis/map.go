// Package redis stores the trigger map and the membership view in Redis.
// Conditional writes and predicate queries run as Lua scripts, so matching
// and compare-and-swap happen on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

// DefaultPrefix carries a hash tag so every key lands in one cluster slot.
const DefaultPrefix = "{clustercron}"

const metaSeparator = "\x1f"

type Map struct {
	client redis.UniversalClient
	prefix string
}

func NewMap(client redis.UniversalClient, prefix string) *Map {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Map{client: client, prefix: prefix}
}

func (m *Map) dataKey() string                { return m.prefix + ":data" }
func (m *Map) metaKey() string                { return m.prefix + ":meta" }
func (m *Map) dueKey() string                 { return m.prefix + ":due" }
func (m *Map) stateKey(s domain.State) string { return m.prefix + ":state:" + string(s) }
func (m *Map) ownerKey(node string) string    { return m.prefix + ":owner:" + node }
func (m *Map) jobKey(k domain.JobKey) string  { return m.prefix + ":job:" + k.String() }

func meta(r domain.Record) string {
	return strconv.FormatInt(r.Version, 10) + metaSeparator + string(r.State) + metaSeparator + r.Owner
}

// dueScore is the due index score of r, or "" when r must not be in it.
func dueScore(r domain.Record) string {
	if r.State != domain.StateWaiting || r.Trigger.NextFireTime.IsZero() {
		return ""
	}
	return strconv.FormatInt(r.Trigger.NextFireTime.UnixMilli(), 10)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (m *Map) Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	data, err := m.client.HGet(ctx, m.dataKey(), key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decode(data)
}

func (m *Map) Create(ctx context.Context, rec domain.Record) (bool, error) {
	if err := store.CheckCreate(rec); err != nil {
		return false, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	keys := []string{
		m.dataKey(), m.metaKey(), m.dueKey(),
		m.stateKey(rec.State), m.jobKey(rec.JobKey()), m.ownerKey(rec.Owner),
	}
	n, err := scriptCreate.Run(ctx, m.client, keys,
		rec.Key().String(), data, meta(rec), dueScore(rec), flag(rec.Owner != ""),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis create %s: %w", rec.Key(), err)
	}
	return n == 1, nil
}

func (m *Map) CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error) {
	if err := store.CheckSwap(expected, next); err != nil {
		return false, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	keys := []string{
		m.dataKey(), m.metaKey(), m.dueKey(),
		m.stateKey(expected.State), m.stateKey(next.State),
		m.ownerKey(expected.Owner), m.ownerKey(next.Owner),
	}
	n, err := scriptSwap.Run(ctx, m.client, keys,
		next.Key().String(), meta(expected), data, meta(next), dueScore(next),
		flag(expected.Owner != ""), flag(next.Owner != ""),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis swap %s: %w", next.Key(), err)
	}
	return n == 1, nil
}

func (m *Map) CompareAndDelete(ctx context.Context, expected domain.Record) (bool, error) {
	keys := []string{
		m.dataKey(), m.metaKey(), m.dueKey(),
		m.stateKey(expected.State), m.jobKey(expected.JobKey()), m.ownerKey(expected.Owner),
	}
	n, err := scriptDelete.Run(ctx, m.client, keys,
		expected.Key().String(), meta(expected), flag(expected.Owner != ""),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", expected.Key(), err)
	}
	return n == 1, nil
}

func (m *Map) Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	var (
		raw []string
		err error
	)
	switch q := p.(type) {
	case predicate.All:
		raw, err = m.client.HVals(ctx, m.dataKey()).Result()
	case predicate.OwnedAndActive:
		raw, err = scriptQueryIntersect.Run(ctx, m.client, []string{
			m.dataKey(), m.ownerKey(q.Node),
			m.stateKey(domain.StateAcquired), m.stateKey(domain.StateExecuting),
		}).StringSlice()
	case predicate.SiblingsOfJob:
		raw, err = scriptQuerySets.Run(ctx, m.client,
			[]string{m.dataKey(), m.jobKey(q.Job)}, q.Exclude.String(),
		).StringSlice()
	case predicate.InStates:
		keys := []string{m.dataKey()}
		for _, s := range q.States.States() {
			keys = append(keys, m.stateKey(s))
		}
		if len(keys) == 1 {
			return nil, nil
		}
		raw, err = scriptQuerySets.Run(ctx, m.client, keys, "").StringSlice()
	case predicate.DueWaiting:
		raw, err = scriptQueryDue.Run(ctx, m.client,
			[]string{m.dataKey(), m.dueKey()}, strconv.FormatInt(q.BeforeMillis, 10),
		).StringSlice()
	default:
		return nil, fmt.Errorf("%w: %T", predicate.ErrUnknownKind, p)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis query %s: %w", p.Kind(), err)
	}

	out := make([]domain.Record, 0, len(raw))
	for _, s := range raw {
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	store.SortByKey(out)
	return out, nil
}

func (m *Map) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func decode(data []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

var _ store.Map = (*Map)(nil)
