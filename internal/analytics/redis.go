// Package analytics counts trigger fires per job in time buckets.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
)

const keyPrefix = "cc"

type RedisSink struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client, logger: logging.Nop()}
}

func (s *RedisSink) WithLogger(logger *zap.SugaredLogger) *RedisSink {
	s.logger = logging.OrNop(logger).Named("analytics")
	return s
}

// Record counts one fire. Failures are logged and otherwise ignored.
func (s *RedisSink) Record(ctx context.Context, event domain.FireEvent, config domain.AnalyticsConfig) {
	if err := s.Write(ctx, event, config); err != nil {
		s.logger.Warnw("analytics write failed", "job", event.JobKey.String(), "fire_id", event.FireID, "error", err)
	}
}

// Write increments the job's fire counter for the bucket containing the
// scheduled time, and the per-node breakdown of that bucket.
func (s *RedisSink) Write(ctx context.Context, event domain.FireEvent, config domain.AnalyticsConfig) error {
	if !config.Enabled {
		return nil
	}

	key := buildKey(event.JobKey, event.ScheduledAt, config.Window)
	nodes := key + ":nodes"

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, config.Retention)
	if event.Owner != "" {
		pipe.HIncrBy(ctx, nodes, event.Owner, 1)
		pipe.Expire(ctx, nodes, config.Retention)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the number of fires of job in the bucket containing t.
func (s *RedisSink) Count(ctx context.Context, job domain.JobKey, t time.Time, window time.Duration) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(job, t, window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read fire count: %w", err)
	}
	return n, nil
}

// ByNode returns the fires of job in the bucket containing t, per node.
func (s *RedisSink) ByNode(ctx context.Context, job domain.JobKey, t time.Time, window time.Duration) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, buildKey(job, t, window)+":nodes").Result()
	if err != nil {
		return nil, fmt.Errorf("read node breakdown: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for node, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, fmt.Errorf("node %s count %q: %w", node, v, err)
		}
		out[node] = n
	}
	return out, nil
}

func buildKey(job domain.JobKey, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("%s:j:%s:%s:fires:%s", keyPrefix, job.Group, job.Name, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
