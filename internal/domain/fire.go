package domain

import "time"

// FireEvent is emitted when a trigger enters EXECUTING. FireID identifies the
// firing instance so receivers can deduplicate.
type FireEvent struct {
	FireID      string
	TriggerKey  TriggerKey
	JobKey      JobKey
	Owner       string
	ScheduledAt time.Time
	FiredAt     time.Time

	// Record is the EXECUTING revision the completion is conditioned on.
	Record Record
}

// ExecutionResult is the outcome of one delivery attempt series.
type ExecutionResult struct {
	FireID     string
	JobKey     JobKey
	Attempts   int
	StatusCode int
	Duration   time.Duration
	Err        error
}
