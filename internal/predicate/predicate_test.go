package predicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/clustercron/internal/domain"
)

func rec(name, job string, state domain.State, owner string, next time.Time) domain.Record {
	return domain.Record{
		Trigger: domain.Trigger{
			Key:          domain.NewTriggerKey(name, "g"),
			JobKey:       domain.NewJobKey(job, "g"),
			NextFireTime: next,
		},
		State: state,
		Owner: owner,
	}
}

func TestOwnedAndActive(t *testing.T) {
	p := OwnedAndActive{Node: "a"}
	assert.True(t, p.Match(rec("t1", "j", domain.StateAcquired, "a", time.Time{})))
	assert.True(t, p.Match(rec("t1", "j", domain.StateExecuting, "a", time.Time{})))
	assert.False(t, p.Match(rec("t1", "j", domain.StateExecuting, "b", time.Time{})))
	assert.False(t, p.Match(rec("t1", "j", domain.StateWaiting, "", time.Time{})))
}

func TestSiblingsOfJob(t *testing.T) {
	p := SiblingsOfJob{Job: domain.NewJobKey("j", "g"), Exclude: domain.NewTriggerKey("t1", "g")}
	assert.False(t, p.Match(rec("t1", "j", domain.StateWaiting, "", time.Time{})), "excluded trigger")
	assert.True(t, p.Match(rec("t2", "j", domain.StateExecuting, "b", time.Time{})))
	assert.False(t, p.Match(rec("t3", "other", domain.StateExecuting, "b", time.Time{})))
}

func TestDueWaiting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DueBefore(now)
	assert.True(t, p.Match(rec("t", "j", domain.StateWaiting, "", now)))
	assert.True(t, p.Match(rec("t", "j", domain.StateWaiting, "", now.Add(-time.Hour))))
	assert.False(t, p.Match(rec("t", "j", domain.StateWaiting, "", now.Add(time.Second))))
	assert.False(t, p.Match(rec("t", "j", domain.StateWaiting, "", time.Time{})), "no further fire")
	assert.False(t, p.Match(rec("t", "j", domain.StateBlocked, "", now)))
	assert.Equal(t, now, p.Before().UTC())
}

func TestFilter(t *testing.T) {
	records := []domain.Record{
		rec("t1", "j", domain.StateWaiting, "", time.Time{}),
		rec("t2", "j", domain.StateError, "", time.Time{}),
		rec("t3", "j", domain.StateComplete, "", time.Time{}),
	}
	got := Filter(NewInStates(domain.StateComplete, domain.StateError), records)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].Key().Name)
	assert.Equal(t, "t3", got[1].Key().Name)
	assert.Len(t, Filter(All{}, records), 3)
}

func TestPredicatesAreComparable(t *testing.T) {
	a := SiblingsOfJob{Job: domain.NewJobKey("j", ""), Exclude: domain.NewTriggerKey("t", "")}
	b := SiblingsOfJob{Job: domain.NewJobKey("j", "DEFAULT"), Exclude: domain.NewTriggerKey("t", "DEFAULT")}
	assert.True(t, a == b)

	var p1, p2 Predicate = NewInStates(domain.StateExecuting, domain.StateAcquired), NewInStates(domain.StateAcquired, domain.StateExecuting)
	assert.True(t, p1 == p2, "state order must not matter")
}

func TestCodecRoundTrip(t *testing.T) {
	preds := []Predicate{
		All{},
		OwnedAndActive{Node: "node-1"},
		SiblingsOfJob{Job: domain.NewJobKey("j", "g"), Exclude: domain.NewTriggerKey("t", "g")},
		NewInStates(domain.StateAcquired, domain.StateExecuting),
		DueWaiting{BeforeMillis: 1767225600000},
	}
	for _, p := range preds {
		t.Run(string(p.Kind()), func(t *testing.T) {
			data, err := Marshal(p)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestCodecEnvelope(t *testing.T) {
	data, err := Marshal(OwnedAndActive{Node: "n"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"owned_and_active","node":"n"}`, string(data))
}

func TestUnmarshalRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		`{"kind":"nope"}`,
		`{"kind":"owned_and_active"}`,
		`{"kind":"siblings_of_job"}`,
		`{"kind":"in_states","states":["SLEEPING"]}`,
		`not json`,
	} {
		_, err := Unmarshal([]byte(in))
		assert.Error(t, err, in)
	}
	_, err := Unmarshal([]byte(`{"kind":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
