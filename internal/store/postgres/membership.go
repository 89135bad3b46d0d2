package postgres

import (
	"context"
	"fmt"
	"time"
)

// Membership expiry is computed with the database clock, so nodes with
// skewed clocks agree on who is alive.

func (s *Store) Join(ctx context.Context, node string, ttl time.Duration) error {
	if _, err := s.db.ExecContext(ctx, queryJoinMember, node, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("join %s: %w", node, err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, node string) error {
	if _, err := s.db.ExecContext(ctx, queryLeaveMember, node); err != nil {
		return fmt.Errorf("leave %s: %w", node, err)
	}
	return nil
}

func (s *Store) Members(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListMembers)
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, err
		}
		result = append(result, node)
	}
	return result, rows.Err()
}
