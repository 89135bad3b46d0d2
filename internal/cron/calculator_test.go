package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/clustercron/internal/domain"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func trigger(s domain.Schedule) domain.Trigger {
	return domain.Trigger{
		Key:      domain.NewTriggerKey("t", "g"),
		JobKey:   domain.NewJobKey("j", "g"),
		Schedule: s,
		StartAt:  start,
	}
}

func TestCalculator_Cron(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{Cron: "0 * * * *"})

	first, ok := c.FirstFireTime(tr)
	require.True(t, ok)
	assert.Equal(t, start, first, "start on an activation fires at start")

	next, ok := c.NextFireTime(tr, start.Add(10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), next)

	// Queries before StartAt never return earlier activations.
	tr.StartAt = start.Add(90 * time.Minute)
	next, ok = c.NextFireTime(tr, start)
	require.True(t, ok)
	assert.Equal(t, start.Add(2*time.Hour), next)
}

func TestCalculator_CronTimezone(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{Cron: "0 9 * * *", Timezone: "Europe/Paris"})

	next, ok := c.NextFireTime(tr, start)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestCalculator_EndAt(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{Cron: "0 * * * *"})
	tr.EndAt = start.Add(90 * time.Minute)

	next, ok := c.NextFireTime(tr, start)
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), next)

	_, ok = c.NextFireTime(tr, start.Add(time.Hour))
	assert.False(t, ok)
}

func TestCalculator_Interval(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{Interval: 10 * time.Minute, RepeatCount: domain.RepeatForever})

	first, ok := c.FirstFireTime(tr)
	require.True(t, ok)
	assert.Equal(t, start, first)

	next, ok := c.NextFireTime(tr, start)
	require.True(t, ok)
	assert.Equal(t, start.Add(10*time.Minute), next)

	// A late fire realigns to the grid instead of drifting.
	next, ok = c.NextFireTime(tr, start.Add(37*time.Minute))
	require.True(t, ok)
	assert.Equal(t, start.Add(40*time.Minute), next)
}

func TestCalculator_IntervalRepeatCount(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{Interval: time.Minute, RepeatCount: 2})

	tr.TimesFired = 2
	_, ok := c.NextFireTime(tr, start.Add(2*time.Minute))
	assert.True(t, ok, "third fire is the second repeat")

	tr.TimesFired = 3
	_, ok = c.NextFireTime(tr, start.Add(3*time.Minute))
	assert.False(t, ok)
}

func TestCalculator_OneShot(t *testing.T) {
	c := NewCalculator(nil)
	tr := trigger(domain.Schedule{})

	first, ok := c.FirstFireTime(tr)
	require.True(t, ok)
	assert.Equal(t, start, first)

	tr.TimesFired = 1
	_, ok = c.NextFireTime(tr, start)
	assert.False(t, ok)
}

func TestCalculator_Validate(t *testing.T) {
	c := NewCalculator(nil)
	assert.NoError(t, c.Validate(trigger(domain.Schedule{Cron: "*/5 * * * *"})))
	assert.Error(t, c.Validate(trigger(domain.Schedule{Cron: "bogus"})))
	assert.Error(t, c.Validate(trigger(domain.Schedule{Cron: "* * * * *", Timezone: "Mars/Olympus"})))
}
