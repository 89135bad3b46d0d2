package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// Components declare the subset they use as their own MetricsSink interface.
type Sink interface {
	// Coordinator metrics
	PassStarted()
	PassCompleted(duration time.Duration, fired int, err error)
	TickDrift(drift time.Duration)
	AcquisitionLost()
	TransientError(op string)
	TriggerFired(latency time.Duration)
	TriggerBlocked()
	TriggerMisfired(policy string)
	TriggerFinished(outcome string)
	OwnedRecovered(count int)
	CoordinatorHealth(healthy bool)

	// Overlap guard metrics
	OverlapDecision(decision string, cached bool)

	// Sweeper metrics
	SweepCompleted(duration time.Duration, reclaimed int, err error)
	InvariantViolation()
	ClusterMembers(count int)

	// Membership keeper metrics
	HeartbeatFailed()
	MembershipStatusChanged(member bool)

	// Dispatcher metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Outcome constants for TriggerFinished metric: the state a trigger is left
// in after its execution.
const (
	FinishedWaiting  = "waiting"
	FinishedComplete = "complete"
	FinishedError    = "error"
	FinishedDropped  = "dropped"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
// Typed errors are checked first; the message match covers transports that
// flatten their errors into strings.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		var opErr *net.OpError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
			return StatusClassTimeout
		case errors.As(err, &opErr):
			return StatusClassConnectionError
		}

		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
