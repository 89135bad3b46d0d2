package cron

import (
	"time"

	"github.com/djlord-it/clustercron/internal/domain"
)

// Calculator answers nextFireTime(trigger, after) for cron, interval and
// one-shot triggers, bounded by the trigger's EndAt and repeat count.
type Calculator struct {
	parser *Parser
}

func NewCalculator(parser *Parser) *Calculator {
	if parser == nil {
		parser = NewParser()
	}
	return &Calculator{parser: parser}
}

// Validate checks that the schedule of t can be computed.
func (c *Calculator) Validate(t domain.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Schedule.IsCron() {
		_, err := c.parser.Parse(t.Schedule.Cron, t.Schedule.Timezone)
		return err
	}
	return nil
}

// FirstFireTime returns the first fire time at or after StartAt. A past
// StartAt is returned as is; the coordinator treats it as a misfire.
func (c *Calculator) FirstFireTime(t domain.Trigger) (time.Time, bool) {
	var first time.Time
	switch {
	case t.Schedule.IsCron():
		sched, err := c.parser.Parse(t.Schedule.Cron, t.Schedule.Timezone)
		if err != nil {
			return time.Time{}, false
		}
		first = sched.Next(t.StartAt.Add(-time.Nanosecond))
	default:
		first = t.StartAt
	}
	return bounded(t, first)
}

// NextFireTime returns the first fire time strictly after after, or false
// when the trigger will not fire again. TimesFired counts fires already done.
func (c *Calculator) NextFireTime(t domain.Trigger, after time.Time) (time.Time, bool) {
	if !t.StartAt.IsZero() && after.Before(t.StartAt) {
		after = t.StartAt.Add(-time.Nanosecond)
	}

	switch {
	case t.Schedule.IsCron():
		sched, err := c.parser.Parse(t.Schedule.Cron, t.Schedule.Timezone)
		if err != nil {
			return time.Time{}, false
		}
		return bounded(t, sched.Next(after))

	case t.Schedule.IsInterval():
		if rc := t.Schedule.RepeatCount; rc != domain.RepeatForever && t.TimesFired > rc {
			return time.Time{}, false
		}
		if t.StartAt.IsZero() {
			return bounded(t, after.Add(t.Schedule.Interval))
		}
		if after.Before(t.StartAt) {
			return bounded(t, t.StartAt)
		}
		// Align to the StartAt grid.
		n := after.Sub(t.StartAt)/t.Schedule.Interval + 1
		return bounded(t, t.StartAt.Add(n*t.Schedule.Interval))

	default:
		if t.TimesFired > 0 || !t.StartAt.After(after) {
			return time.Time{}, false
		}
		return bounded(t, t.StartAt)
	}
}

func bounded(t domain.Trigger, next time.Time) (time.Time, bool) {
	if next.IsZero() {
		return time.Time{}, false
	}
	if !t.EndAt.IsZero() && next.After(t.EndAt) {
		return time.Time{}, false
	}
	return next.UTC(), true
}
