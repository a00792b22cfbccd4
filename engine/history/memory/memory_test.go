package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/history"
)

func startedEvent(id int64, at time.Time) *event.Event {
	return event.New(id, at, &event.WorkflowStartedAttrs{WorkflowType: "t", TaskQueue: "q", Attempt: 1})
}

func signalEvent(id int64, at time.Time) *event.Event {
	return event.New(id, at, &event.SignalReceivedAttrs{Name: "sig"})
}

func closingEvent(id int64, at time.Time) *event.Event {
	return event.New(id, at, &event.WorkflowCompletedAttrs{})
}

func TestAppendAndRead(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))
	require.NoError(t, s.AppendBatch(ctx, "r1", 2, []*event.Event{
		signalEvent(2, now.Add(time.Second)),
		signalEvent(3, now.Add(2*time.Second)),
	}))

	events, err := s.ReadRange(ctx, "r1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.ID)
	}

	next, err := s.NextEventID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}

func TestReadRangeBounds(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))
	require.NoError(t, s.AppendBatch(ctx, "r1", 2, []*event.Event{
		signalEvent(2, now), signalEvent(3, now), signalEvent(4, now),
	}))

	events, err := s.ReadRange(ctx, "r1", 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)

	// A to past the end is clamped.
	events, err = s.ReadRange(ctx, "r1", 3, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// An empty window is not an error.
	events, err = s.ReadRange(ctx, "r1", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))

	err := s.AppendBatch(ctx, "r1", 1, []*event.Event{signalEvent(1, now)})
	assert.ErrorIs(t, err, history.ErrConflict)

	err = s.AppendBatch(ctx, "r1", 3, []*event.Event{signalEvent(3, now)})
	assert.ErrorIs(t, err, history.ErrConflict)
}

func TestAppendAfterCloseRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))
	require.NoError(t, s.AppendBatch(ctx, "r1", 2, []*event.Event{closingEvent(2, now)}))

	err := s.AppendBatch(ctx, "r1", 3, []*event.Event{signalEvent(3, now)})
	assert.ErrorIs(t, err, history.ErrClosed)
}

func TestBatchValidation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	assert.Error(t, s.AppendBatch(ctx, "r1", 1, nil))
	// Non-dense ids.
	assert.Error(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now), signalEvent(3, now)}))
	// Decreasing times within the batch.
	assert.Error(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{
		startedEvent(1, now), signalEvent(2, now.Add(-time.Minute)),
	}))
	// Closing event must be last.
	assert.Error(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{
		closingEvent(1, now), signalEvent(2, now),
	}))
}

func TestClockStepBackwardsClamped(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))
	require.NoError(t, s.AppendBatch(ctx, "r1", 2, []*event.Event{signalEvent(2, now.Add(-time.Hour))}))

	events, err := s.ReadRange(ctx, "r1", 1, 0)
	require.NoError(t, err)
	assert.False(t, events[1].Time.Before(events[0].Time))
}

func TestClampStoresCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, now)}))

	stale := now.Add(-time.Hour)
	batch := []*event.Event{signalEvent(2, stale)}
	require.NoError(t, s.AppendBatch(ctx, "r1", 2, batch))

	// The caller's event keeps its original time.
	assert.True(t, batch[0].Time.Equal(stale))

	events, err := s.ReadRange(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Time.Equal(now))
}

func TestUnknownRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.ReadRange(ctx, "missing", 1, 0)
	assert.ErrorIs(t, err, history.ErrNotFound)
	_, err = s.NextEventID(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestDeleteRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AppendBatch(ctx, "r1", 1, []*event.Event{startedEvent(1, time.Now())}))

	require.NoError(t, s.DeleteRun(ctx, "r1"))
	_, err := s.ReadRange(ctx, "r1", 1, 0)
	assert.ErrorIs(t, err, history.ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteRun(ctx, "r1"))
}
