package api

import "time"

type CreateTriggerRequest struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Job         string `json:"job"` // "group:name"
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`

	CronExpression  string `json:"cron_expression,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	RepeatCount     *int   `json:"repeat_count,omitempty"` // interval repeats, default forever

	StartAt       string `json:"start_at,omitempty"` // RFC3339, default now
	EndAt         string `json:"end_at,omitempty"`   // RFC3339
	MisfirePolicy string `json:"misfire_policy,omitempty"`
}

type TriggerResponse struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Group           string `json:"group"`
	Job             string `json:"job"`
	Description     string `json:"description,omitempty"`
	Priority        int    `json:"priority,omitempty"`
	CronExpression  string `json:"cron_expression,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	MisfirePolicy   string `json:"misfire_policy"`

	State        string `json:"state"`
	Owner        string `json:"owner,omitempty"`
	FireID       string `json:"fire_id,omitempty"`
	NextFireTime string `json:"next_fire_time,omitempty"`
	PrevFireTime string `json:"prev_fire_time,omitempty"`
	TimesFired   int    `json:"times_fired"`
	LastError    string `json:"last_error,omitempty"`
	Version      int64  `json:"version"`
	UpdatedAt    string `json:"updated_at"`
}

type StateResponse struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

type JobResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Group       string `json:"group"`
	Description string `json:"description,omitempty"`
	Concurrency string `json:"concurrency"`
	Delivery    string `json:"delivery"`
	WebhookURL  string `json:"webhook_url,omitempty"`
	Analytics   bool   `json:"analytics"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
