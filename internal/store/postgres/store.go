// Package postgres stores the trigger map in a PostgreSQL table. Conditional
// writes are guarded UPDATE/DELETE statements checked by RowsAffected, and
// predicates compile to WHERE clauses over indexed columns.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/store"
)

// Store implements store.Map and store.Membership using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, queryGetRecord, key.Group, key.Name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return decode(data)
}

// Create passes the record as text; lib/pq would send []byte as bytea.
func (s *Store) Create(ctx context.Context, rec domain.Record) (bool, error) {
	if err := store.CheckCreate(rec); err != nil {
		return false, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	result, err := s.db.ExecContext(ctx, queryCreateRecord,
		rec.Key().Group,
		rec.Key().Name,
		rec.JobKey().Group,
		rec.JobKey().Name,
		string(rec.State),
		rec.Owner,
		nextFireAt(rec),
		rec.LastUpdate,
		rec.Version,
		string(data),
	)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", rec.Key(), err)
	}
	return affected(result)
}

// CompareAndSwap relies on PostgreSQL taking the row lock before evaluating
// the WHERE guard, which serializes concurrent swaps of one key.
func (s *Store) CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error) {
	if err := store.CheckSwap(expected, next); err != nil {
		return false, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	result, err := s.db.ExecContext(ctx, querySwapRecord,
		next.Key().Group,
		next.Key().Name,
		string(next.State),
		next.Owner,
		nextFireAt(next),
		next.LastUpdate,
		next.Version,
		string(data),
		expected.Version,
		string(expected.State),
		expected.Owner,
	)
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", next.Key(), err)
	}
	return affected(result)
}

func (s *Store) CompareAndDelete(ctx context.Context, expected domain.Record) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryDeleteRecord,
		expected.Key().Group,
		expected.Key().Name,
		expected.Version,
		string(expected.State),
		expected.Owner,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", expected.Key(), err)
	}
	return affected(result)
}

func (s *Store) Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error) {
	where, args, err := compile(p)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, querySelectRecords+where+queryOrderByKey, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.Kind(), err)
	}
	defer rows.Close()

	var result []domain.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nextFireAt(r domain.Record) sql.NullTime {
	if r.Trigger.NextFireTime.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: r.Trigger.NextFireTime.UTC(), Valid: true}
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decode(data []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Compile-time interface assertions
var (
	_ store.Map        = (*Store)(nil)
	_ store.Membership = (*Store)(nil)
)
