package domain

import "time"

// RepeatForever is the RepeatCount of an interval trigger without a limit.
const RepeatForever = -1

// Schedule describes when a trigger fires. Exactly one of Cron or Interval
// is set for recurring triggers; when both are empty the trigger fires once
// at StartAt.
type Schedule struct {
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA timezone, defaults to UTC

	Interval    time.Duration `json:"interval,omitempty"`
	RepeatCount int           `json:"repeat_count,omitempty"` // repeats after the first fire, RepeatForever = unbounded
}

func (s Schedule) IsCron() bool {
	return s.Cron != ""
}

func (s Schedule) IsInterval() bool {
	return s.Interval > 0
}

func (s Schedule) IsOneShot() bool {
	return !s.IsCron() && !s.IsInterval()
}
