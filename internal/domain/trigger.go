package domain

import (
	"fmt"
	"time"
)

// MisfirePolicy governs a trigger whose fire time passed without being fired
// in time, and where a failed execution is routed.
type MisfirePolicy string

const (
	// MisfireFireNow fires a late trigger once immediately; failed executions
	// are rescheduled to the next fire time.
	MisfireFireNow MisfirePolicy = "fire_now"
	// MisfireSkip drops missed fire times and waits for the next future one;
	// failed executions are rescheduled.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireError moves late triggers and failed executions to ERROR.
	MisfireError MisfirePolicy = "error"
)

func (p MisfirePolicy) Valid() bool {
	switch p {
	case MisfireFireNow, MisfireSkip, MisfireError:
		return true
	}
	return false
}

// Trigger is a scheduled firing rule bound to a job. The coordination core
// reads only JobKey and the scheduling fields.
type Trigger struct {
	Key         TriggerKey `json:"key"`
	JobKey      JobKey     `json:"job_key"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority,omitempty"`

	Schedule      Schedule      `json:"schedule"`
	MisfirePolicy MisfirePolicy `json:"misfire_policy,omitempty"`

	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at,omitempty"` // zero = unbounded

	NextFireTime time.Time `json:"next_fire_time,omitempty"` // zero = no further fire
	PrevFireTime time.Time `json:"prev_fire_time,omitempty"`
	TimesFired   int       `json:"times_fired,omitempty"`
}

// Misfire returns the effective misfire policy.
func (t Trigger) Misfire() MisfirePolicy {
	if t.MisfirePolicy == "" {
		return MisfireFireNow
	}
	return t.MisfirePolicy
}

// IsDue reports whether the next fire time is at or before now.
func (t Trigger) IsDue(now time.Time) bool {
	return !t.NextFireTime.IsZero() && !t.NextFireTime.After(now)
}

func (t Trigger) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return fmt.Errorf("trigger key: %w", err)
	}
	if err := t.JobKey.Validate(); err != nil {
		return fmt.Errorf("job key: %w", err)
	}
	if t.Schedule.IsCron() && t.Schedule.IsInterval() {
		return fmt.Errorf("trigger %s: cron and interval are mutually exclusive", t.Key)
	}
	if t.Schedule.Interval < 0 {
		return fmt.Errorf("trigger %s: interval must be positive", t.Key)
	}
	if t.Schedule.RepeatCount < RepeatForever {
		return fmt.Errorf("trigger %s: repeat_count must be >= %d", t.Key, RepeatForever)
	}
	if t.Schedule.IsOneShot() && t.StartAt.IsZero() {
		return fmt.Errorf("trigger %s: one-shot trigger requires start_at", t.Key)
	}
	if !t.EndAt.IsZero() && !t.StartAt.IsZero() && t.EndAt.Before(t.StartAt) {
		return fmt.Errorf("trigger %s: end_at before start_at", t.Key)
	}
	if t.MisfirePolicy != "" && !t.MisfirePolicy.Valid() {
		return fmt.Errorf("trigger %s: unknown misfire policy %q", t.Key, t.MisfirePolicy)
	}
	return nil
}
