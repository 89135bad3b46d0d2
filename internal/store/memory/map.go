// Package memory is an in-process implementation of the trigger map and the
// membership view. Predicates are evaluated under the map lock, which gives
// the same guarantees as server-side evaluation in a distributed backend.
package memory

import (
	"context"
	"sync"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

type Map struct {
	mu      sync.RWMutex
	records map[domain.TriggerKey]domain.Record
}

func NewMap() *Map {
	return &Map{records: make(map[domain.TriggerKey]domain.Record)}
}

func (m *Map) Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return domain.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *Map) Create(ctx context.Context, rec domain.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := store.CheckCreate(rec); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.Key()]; exists {
		return false, nil
	}
	m.records[rec.Key()] = rec
	return true, nil
}

func (m *Map) CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := store.CheckSwap(expected, next); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[expected.Key()]
	if !ok || !cur.SameRevision(expected) {
		return false, nil
	}
	m.records[next.Key()] = next
	return true, nil
}

func (m *Map) CompareAndDelete(ctx context.Context, expected domain.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[expected.Key()]
	if !ok || !cur.SameRevision(expected) {
		return false, nil
	}
	delete(m.records, expected.Key())
	return true, nil
}

func (m *Map) Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []domain.Record
	for _, rec := range m.records {
		if p.Match(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	store.SortByKey(out)
	return out, nil
}

func (m *Map) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of records.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ store.Map = (*Map)(nil)
