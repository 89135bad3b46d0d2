package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/circuitbreaker"
	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/metrics"
)

// maxAttempts is the first delivery plus its retries.
const maxAttempts = 4

// defaultBackOff spaces retries roughly 1s, 4s and 16s apart, with jitter.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 4
	b.MaxInterval = 16 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrNoWebhookURL = errors.New("no webhook URL configured")
)

// JobLookup resolves job definitions.
type JobLookup interface {
	Job(key domain.JobKey) (domain.Job, bool)
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.FireEvent, config domain.AnalyticsConfig)
}

// DeliveryMetrics defines the interface for recording webhook delivery metrics.
type DeliveryMetrics interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
}

type WebhookRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   WebhookPayload
	AttemptID string
}

type WebhookPayload struct {
	Job         string `json:"job"`
	Trigger     string `json:"trigger"`
	FireID      string `json:"fire_id"`
	Node        string `json:"node,omitempty"`
	ScheduledAt string `json:"scheduled_at"`
	FiredAt     string `json:"fired_at"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

// WebhookExecutor runs a fired job by POSTing it to the job's webhook.
// Failed deliveries are retried within the execution deadline; endpoints
// that keep failing are skipped by the circuit breaker.
type WebhookExecutor struct {
	jobs      JobLookup
	sender    WebhookSender
	breaker   *circuitbreaker.CircuitBreaker // optional, nil = disabled
	analytics AnalyticsSink                  // optional, nil = disabled
	metrics   DeliveryMetrics                // optional, nil = disabled
	logger    *zap.SugaredLogger
	clock     clockwork.Clock
	backOff   func() backoff.BackOff
}

func NewWebhookExecutor(jobs JobLookup, sender WebhookSender) *WebhookExecutor {
	return &WebhookExecutor{
		jobs:    jobs,
		sender:  sender,
		logger:  logging.Nop(),
		clock:   clockwork.NewRealClock(),
		backOff: defaultBackOff,
	}
}

func (e *WebhookExecutor) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *WebhookExecutor {
	e.breaker = cb
	return e
}

func (e *WebhookExecutor) WithAnalytics(sink AnalyticsSink) *WebhookExecutor {
	e.analytics = sink
	return e
}

// WithMetrics attaches a metrics sink to the executor.
func (e *WebhookExecutor) WithMetrics(sink DeliveryMetrics) *WebhookExecutor {
	e.metrics = sink
	return e
}

func (e *WebhookExecutor) WithLogger(logger *zap.SugaredLogger) *WebhookExecutor {
	e.logger = logging.OrNop(logger).Named("webhook")
	return e
}

func (e *WebhookExecutor) WithClock(clock clockwork.Clock) *WebhookExecutor {
	e.clock = clock
	return e
}

// WithBackOff replaces the retry policy. newPolicy is called once per
// execution; backoff.Stop from it ends the retries.
func (e *WebhookExecutor) WithBackOff(newPolicy func() backoff.BackOff) *WebhookExecutor {
	if newPolicy != nil {
		e.backOff = newPolicy
	}
	return e
}

func (e *WebhookExecutor) Execute(ctx context.Context, event domain.FireEvent) error {
	job, ok := e.jobs.Job(event.JobKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, event.JobKey)
	}

	// Analytics count fires, not successful deliveries.
	e.writeAnalytics(ctx, event, job)

	if job.Delivery.Type == domain.DeliveryTypeNone {
		return nil
	}
	url := job.Delivery.WebhookURL
	if url == "" {
		return fmt.Errorf("job %s: %w", job.Key, ErrNoWebhookURL)
	}

	if e.breaker != nil {
		if err := e.breaker.Allow(url); err != nil {
			e.outcome(metrics.OutcomeAbandoned)
			e.logger.Warnw("circuit open, skipping delivery", "job", job.Key.String(), "fire_id", event.FireID, "url", url)
			return fmt.Errorf("job %s: %w", job.Key, err)
		}
	}

	req := WebhookRequest{
		URL:     url,
		Secret:  job.Delivery.Secret,
		Timeout: job.Delivery.Timeout,
		Payload: WebhookPayload{
			Job:         event.JobKey.String(),
			Trigger:     event.TriggerKey.String(),
			FireID:      event.FireID,
			Node:        event.Owner,
			ScheduledAt: event.ScheduledAt.UTC().Format(time.RFC3339),
			FiredAt:     event.FiredAt.UTC().Format(time.RFC3339),
		},
	}

	policy := e.backOff()
	policy.Reset()

	var lastResult WebhookResult
	for attempt := 1; ; attempt++ {
		req.AttemptID = uuid.NewString()
		result := e.sender.Send(ctx, req)
		lastResult = result

		if e.metrics != nil {
			e.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			if e.breaker != nil {
				e.breaker.RecordSuccess(url)
			}
			e.outcome(metrics.OutcomeSuccess)
			e.logger.Debugw("delivered", "job", job.Key.String(), "fire_id", event.FireID, "attempt", attempt)
			return nil
		}

		if !result.IsRetryable() {
			e.logger.Warnw("non-retryable status", "job", job.Key.String(), "fire_id", event.FireID, "status", result.StatusCode)
			break
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		e.logger.Infow("delivery attempt failed",
			"job", job.Key.String(), "fire_id", event.FireID, "attempt", attempt,
			"status", result.StatusCode, "error", result.Error, "retry_in", delay)

		if e.metrics != nil {
			e.metrics.RetryAttempt(true)
		}
		if err := e.wait(ctx, delay); err != nil {
			e.fail(url)
			e.outcome(metrics.OutcomeAbandoned)
			return fmt.Errorf("job %s: %w", job.Key, err)
		}
	}

	e.fail(url)
	e.outcome(metrics.OutcomeFailed)
	if lastResult.Error != nil {
		return fmt.Errorf("job %s: delivery failed: %w", job.Key, lastResult.Error)
	}
	return fmt.Errorf("job %s: delivery failed with status %d", job.Key, lastResult.StatusCode)
}

func (e *WebhookExecutor) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := e.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (e *WebhookExecutor) fail(url string) {
	if e.breaker != nil {
		e.breaker.RecordFailure(url)
	}
}

func (e *WebhookExecutor) outcome(o string) {
	if e.metrics != nil {
		e.metrics.DeliveryOutcome(o)
	}
}

// writeAnalytics records the fire as a best-effort side-effect.
// The sink handles errors internally; analytics never affects execution.
func (e *WebhookExecutor) writeAnalytics(ctx context.Context, event domain.FireEvent, job domain.Job) {
	if !job.Analytics.Enabled {
		return
	}
	if e.analytics == nil {
		e.logger.Debugw("analytics enabled but no sink configured", "job", job.Key.String())
		return
	}
	e.analytics.Record(ctx, event, job.Analytics)
}
