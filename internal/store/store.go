// Package store defines the contract of the shared trigger map and the
// cluster membership view it is paired with.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/predicate"
)

var (
	// ErrNotFound is returned by Get for a key with no record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidWrite is returned when a write would break a record invariant.
	ErrInvalidWrite = errors.New("invalid write")
)

// Map is the distributed trigger map. All mutation is conditional: Create
// only succeeds for an absent key, CompareAndSwap and CompareAndDelete only
// when the stored (Version, State, Owner) still equals expected.
//
// A false result with a nil error means the condition did not hold (another
// writer won). A non-nil error means the outcome is unknown.
type Map interface {
	Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error)
	Create(ctx context.Context, rec domain.Record) (bool, error)
	CompareAndSwap(ctx context.Context, expected, next domain.Record) (bool, error)
	CompareAndDelete(ctx context.Context, expected domain.Record) (bool, error)

	// Query returns the records matching p, evaluated by the map itself,
	// ordered by trigger key.
	Query(ctx context.Context, p predicate.Predicate) ([]domain.Record, error)

	Ping(ctx context.Context) error
}

// Membership is the cluster membership view. Join doubles as the heartbeat:
// a member that does not re-join within ttl drops out of Members.
type Membership interface {
	Join(ctx context.Context, node string, ttl time.Duration) error
	Leave(ctx context.Context, node string) error
	Members(ctx context.Context) ([]string, error)
}

// CheckCreate validates the initial record of a key.
func CheckCreate(rec domain.Record) error {
	if err := rec.Key().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWrite, err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWrite, err)
	}
	return nil
}

// CheckSwap validates that next is a direct successor of expected.
func CheckSwap(expected, next domain.Record) error {
	switch {
	case expected.Key() != next.Key():
		return fmt.Errorf("%w: key changed from %s to %s", ErrInvalidWrite, expected.Key(), next.Key())
	case expected.JobKey() != next.JobKey():
		return fmt.Errorf("%w: %s job changed", ErrInvalidWrite, expected.Key())
	case next.Version != expected.Version+1:
		return fmt.Errorf("%w: %s version %d does not follow %d", ErrInvalidWrite, next.Key(), next.Version, expected.Version)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWrite, err)
	}
	return nil
}

// SortByKey orders records by trigger key.
func SortByKey(records []domain.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key().Less(records[j].Key())
	})
}

// MemberSet indexes a membership snapshot.
type MemberSet map[string]struct{}

func NewMemberSet(nodes []string) MemberSet {
	set := make(MemberSet, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}

func (s MemberSet) Has(node string) bool {
	_, ok := s[node]
	return ok
}
