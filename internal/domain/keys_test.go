package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerKey_RoundTrip(t *testing.T) {
	k := NewTriggerKey("sync:hourly", "")
	assert.Equal(t, DefaultGroup, k.Group)
	assert.Equal(t, "DEFAULT:sync:hourly", k.String())

	parsed, err := ParseTriggerKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "nogroup", ":name", "group:"} {
		_, err := ParseTriggerKey(s)
		assert.ErrorIs(t, err, ErrInvalidKey, s)
		_, err = ParseJobKey(s)
		assert.ErrorIs(t, err, ErrInvalidKey, s)
	}
}

func TestTriggerKey_Less(t *testing.T) {
	a := NewTriggerKey("b", "a")
	b := NewTriggerKey("a", "b")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestStateSet(t *testing.T) {
	set := NewStateSet(StateExecuting, StateAcquired)
	assert.True(t, set.Has(StateAcquired))
	assert.False(t, set.Has(StateWaiting))
	assert.Equal(t, []State{StateAcquired, StateExecuting}, set.States())
	assert.Equal(t, "ACQUIRED|EXECUTING", set.String())
	assert.Equal(t, ActiveStates, set)

	_, err := ParseState("bogus")
	assert.Error(t, err)
	st, err := ParseState(" waiting ")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, st)
}

func TestTrigger_Validate(t *testing.T) {
	base := Trigger{
		Key:      NewTriggerKey("t", "g"),
		JobKey:   NewJobKey("j", "g"),
		Schedule: Schedule{Interval: time.Minute, RepeatCount: RepeatForever},
	}
	require.NoError(t, base.Validate())

	both := base
	both.Schedule.Cron = "* * * * *"
	assert.Error(t, both.Validate())

	oneShot := base
	oneShot.Schedule = Schedule{}
	assert.Error(t, oneShot.Validate(), "one-shot needs start_at")
	oneShot.StartAt = time.Now()
	assert.NoError(t, oneShot.Validate())

	badPolicy := base
	badPolicy.MisfirePolicy = "later"
	assert.Error(t, badPolicy.Validate())

	assert.Equal(t, MisfireFireNow, base.Misfire())
}
