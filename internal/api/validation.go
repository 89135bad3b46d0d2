package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/clustercron/internal/cron"
	"github.com/djlord-it/clustercron/internal/domain"
)

var parser = cron.NewParser()

// buildTrigger validates req and converts it to a trigger definition.
func buildTrigger(req CreateTriggerRequest) (domain.Trigger, error) {
	if req.Name == "" {
		return domain.Trigger{}, fmt.Errorf("name is required")
	}
	if req.Job == "" {
		return domain.Trigger{}, fmt.Errorf("job is required")
	}
	jobKey, err := domain.ParseJobKey(req.Job)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("invalid job: %w", err)
	}
	key := domain.NewTriggerKey(req.Name, req.Group)
	if err := key.Validate(); err != nil {
		return domain.Trigger{}, fmt.Errorf("invalid trigger key: %w", err)
	}

	if req.CronExpression != "" && req.IntervalSeconds != 0 {
		return domain.Trigger{}, fmt.Errorf("cron_expression and interval_seconds are mutually exclusive")
	}
	if req.IntervalSeconds < 0 {
		return domain.Trigger{}, fmt.Errorf("interval_seconds must be positive")
	}
	if req.CronExpression != "" {
		if err := validateCron(req.CronExpression, req.Timezone); err != nil {
			return domain.Trigger{}, fmt.Errorf("invalid cron_expression: %w", err)
		}
	}

	t := domain.Trigger{
		Key:           key,
		JobKey:        jobKey,
		Description:   req.Description,
		Priority:      req.Priority,
		MisfirePolicy: domain.MisfirePolicy(strings.ToLower(req.MisfirePolicy)),
		Schedule: domain.Schedule{
			Cron:     req.CronExpression,
			Timezone: req.Timezone,
			Interval: time.Duration(req.IntervalSeconds) * time.Second,
		},
	}
	if t.Schedule.IsInterval() {
		t.Schedule.RepeatCount = domain.RepeatForever
		if req.RepeatCount != nil {
			t.Schedule.RepeatCount = *req.RepeatCount
		}
	}
	if t.StartAt, err = parseTime("start_at", req.StartAt); err != nil {
		return domain.Trigger{}, err
	}
	if t.EndAt, err = parseTime("end_at", req.EndAt); err != nil {
		return domain.Trigger{}, err
	}
	if t.Schedule.IsOneShot() && t.StartAt.IsZero() {
		return domain.Trigger{}, fmt.Errorf("start_at is required without cron_expression or interval_seconds")
	}
	if err := t.Validate(); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

func validateCron(expr, tz string) error {
	_, err := parser.Parse(expr, tz)
	return err
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return t.UTC(), nil
}
