package state

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// history builds a dense event sequence from attrs, one second apart.
func buildHistory(attrs ...event.Attributes) []*event.Event {
	events := make([]*event.Event, 0, len(attrs))
	for i, a := range attrs {
		events = append(events, event.New(int64(i+1), base.Add(time.Duration(i)*time.Second), a))
	}
	return events
}

func startAttrs() *event.WorkflowStartedAttrs {
	return &event.WorkflowStartedAttrs{
		WorkflowID:   "wf-1",
		WorkflowType: "order",
		TaskQueue:    "orders",
		Timeouts:     policy.WorkflowTimeouts{Task: 10 * time.Second},
		Attempt:      1,
	}
}

func TestApplyWorkflowLifecycle(t *testing.T) {
	events := buildHistory(
		startAttrs(),
		&event.WorkflowTaskScheduledAttrs{TaskQueue: "orders", StartToClose: 10 * time.Second, Attempt: 1},
		&event.WorkflowTaskStartedAttrs{ScheduledEventID: 2, Identity: "w1"},
		&event.WorkflowTaskCompletedAttrs{ScheduledEventID: 2, StartedEventID: 3, Identity: "w1"},
		&event.WorkflowCompletedAttrs{
			Result:                       cascade.Payload{Encoding: "json/plain", Data: []byte(`42`)},
			WorkflowTaskCompletedEventID: 4,
		},
	)

	ms, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ms.Status)
	assert.Equal(t, int64(6), ms.NextEventID)
	assert.Equal(t, "order", ms.WorkflowType)
	assert.Nil(t, ms.WorkflowTask)
	assert.Equal(t, "w1", ms.StickyIdentity)
	assert.Equal(t, int64(3), ms.LastStartedWorkflowTaskEventID)
	assert.Equal(t, []byte(`42`), ms.CloseResult.Data)
	assert.False(t, ms.Open())
}

func TestApplyActivityRetryCycle(t *testing.T) {
	retry := policy.Retry{InitialInterval: time.Second, BackoffCoefficient: 2.0}
	events := buildHistory(
		startAttrs(),
		&event.WorkflowTaskScheduledAttrs{TaskQueue: "orders", Attempt: 1},
		&event.WorkflowTaskStartedAttrs{ScheduledEventID: 2},
		&event.WorkflowTaskCompletedAttrs{ScheduledEventID: 2, StartedEventID: 3},
		&event.ActivityScheduledAttrs{
			ActivityID: "charge", ActivityType: "Charge", TaskQueue: "orders",
			RetryPolicy: retry, WorkflowTaskCompletedEventID: 4,
		},
		&event.ActivityStartedAttrs{ScheduledEventID: 5, Attempt: 1},
		&event.ActivityFailedAttrs{
			ScheduledEventID: 5, StartedEventID: 6, Attempt: 1,
			Failure:        &cascade.Failure{Message: "card declined", Type: "Declined"},
			RetryScheduled: true,
		},
		&event.TimerStartedAttrs{TimerID: "cascade-retry:5:2", FireAfter: time.Second, Internal: true, ActivityScheduledEventID: 5},
		&event.TimerFiredAttrs{TimerID: "cascade-retry:5:2", StartedEventID: 8},
		&event.ActivityStartedAttrs{ScheduledEventID: 5, Attempt: 2, LastFailure: &cascade.Failure{Message: "card declined", Type: "Declined"}},
		&event.ActivityCompletedAttrs{ScheduledEventID: 5, StartedEventID: 10, Attempt: 2},
	)

	ms, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)
	assert.Empty(t, ms.Activities)
	assert.Empty(t, ms.ActivityIDs)
	assert.Empty(t, ms.Timers)
	assert.False(t, ms.WorkAfterStartedTask)
}

func TestApplyRejectsGapsAndReplays(t *testing.T) {
	ms := New("wf-1", "r1")
	require.NoError(t, ms.Apply(event.New(1, base, startAttrs())))

	// Replay of an already applied id.
	assert.Error(t, ms.Apply(event.New(1, base, &event.SignalReceivedAttrs{Name: "s"})))
	// Gap.
	assert.Error(t, ms.Apply(event.New(3, base, &event.SignalReceivedAttrs{Name: "s"})))
}

func TestRebuildEqualsIncrementalFold(t *testing.T) {
	events := buildHistory(
		startAttrs(),
		&event.WorkflowTaskScheduledAttrs{TaskQueue: "orders", Attempt: 1},
		&event.WorkflowTaskStartedAttrs{ScheduledEventID: 2},
		&event.WorkflowTaskCompletedAttrs{ScheduledEventID: 2, StartedEventID: 3},
		&event.TimerStartedAttrs{TimerID: "wait", FireAfter: time.Minute, WorkflowTaskCompletedEventID: 4},
		&event.SignalReceivedAttrs{Name: "nudge"},
		&event.TimerFiredAttrs{TimerID: "wait", StartedEventID: 5},
	)

	rebuilt, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)

	incremental := New("wf-1", "r1")
	for _, e := range events {
		require.NoError(t, incremental.Apply(e))
	}
	assert.Equal(t, rebuilt, incremental)
}

func TestCloneIsIndependent(t *testing.T) {
	events := buildHistory(
		startAttrs(),
		&event.WorkflowTaskScheduledAttrs{TaskQueue: "orders", Attempt: 1},
		&event.WorkflowTaskStartedAttrs{ScheduledEventID: 2},
		&event.WorkflowTaskCompletedAttrs{ScheduledEventID: 2, StartedEventID: 3},
		&event.TimerStartedAttrs{TimerID: "wait", FireAfter: time.Minute, WorkflowTaskCompletedEventID: 4},
	)
	ms, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)

	clone, err := ms.Clone()
	require.NoError(t, err)

	// Mutating the clone must not leak into the original.
	require.NoError(t, clone.Apply(event.New(6, base.Add(time.Hour), &event.TimerFiredAttrs{TimerID: "wait", StartedEventID: 5})))
	assert.Len(t, ms.Timers, 1)
	assert.Empty(t, clone.Timers)
	assert.Equal(t, int64(6), ms.NextEventID)
	assert.Equal(t, int64(7), clone.NextEventID)
}

func TestCloneOfEmptyStateKeepsMapsUsable(t *testing.T) {
	ms := New("wf-1", "r1")
	require.NoError(t, ms.Apply(event.New(1, base, startAttrs())))

	clone, err := ms.Clone()
	require.NoError(t, err)
	// Empty maps drop out of the JSON form; the clone must still accept
	// writes.
	require.NoError(t, clone.Apply(event.New(2, base, &event.SignalReceivedAttrs{Name: "s", RequestID: "rq-1"})))
	assert.True(t, clone.SignalRequestIDs["rq-1"])
}

func TestSignalDedupTracking(t *testing.T) {
	events := buildHistory(
		startAttrs(),
		&event.SignalReceivedAttrs{Name: "a", RequestID: "rq-1"},
		&event.SignalReceivedAttrs{Name: "b"},
	)
	ms, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)
	assert.True(t, ms.SignalRequestIDs["rq-1"])
	assert.Len(t, ms.SignalRequestIDs, 1)
}

func TestUpdateStateMachine(t *testing.T) {
	events := buildHistory(
		startAttrs(),
		&event.WorkflowTaskScheduledAttrs{TaskQueue: "orders", Attempt: 1},
		&event.WorkflowTaskStartedAttrs{ScheduledEventID: 2},
		&event.WorkflowTaskCompletedAttrs{ScheduledEventID: 2, StartedEventID: 3},
		&event.UpdateAcceptedAttrs{UpdateID: "u1", Name: "raise-limit", WorkflowTaskCompletedEventID: 4},
		&event.UpdateCompletedAttrs{UpdateID: "u1", AcceptedEventID: 5, Result: cascade.Payload{Data: []byte(`"ok"`)}},
		&event.UpdateRejectedAttrs{UpdateID: "u2", Name: "raise-limit", Failure: &cascade.Failure{Message: "too high"}},
	)
	ms, err := Rebuild("wf-1", "r1", events)
	require.NoError(t, err)

	u1 := ms.Updates["u1"]
	require.NotNil(t, u1)
	assert.Equal(t, UpdateCompleted, u1.State)
	assert.Equal(t, int64(5), u1.AcceptedEventID)

	u2 := ms.Updates["u2"]
	require.NotNil(t, u2)
	assert.Equal(t, UpdateRejected, u2.State)
	require.NotNil(t, u2.Failure)
}

// genSignalNames drives the fold property with arbitrary signal sequences.
func TestFoldProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	names := gen.SliceOfN(8, gen.OneConstOf("a", "b", "c", "nudge", "stop"))

	properties.Property("rebuild equals incremental fold", prop.ForAll(
		func(signals []string) bool {
			attrs := []event.Attributes{startAttrs()}
			for _, n := range signals {
				attrs = append(attrs, &event.SignalReceivedAttrs{Name: n})
			}
			events := buildHistory(attrs...)

			rebuilt, err := Rebuild("wf-1", "r1", events)
			if err != nil {
				return false
			}
			incremental := New("wf-1", "r1")
			for _, e := range events {
				if err := incremental.Apply(e); err != nil {
					return false
				}
			}
			clone, err := rebuilt.Clone()
			if err != nil {
				return false
			}
			return rebuilt.NextEventID == incremental.NextEventID &&
				rebuilt.LastEventTime.Equal(incremental.LastEventTime) &&
				clone.NextEventID == rebuilt.NextEventID
		},
		names,
	))

	properties.TestingRun(t)
}
