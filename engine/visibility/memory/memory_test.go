package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/cascade/engine/visibility"
)

func TestUpsertGetDelete(t *testing.T) {
	s := New()
	rec := visibility.Record{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		Status:     "Running",
		StartTime:  time.Now(),
	}
	require.NoError(t, s.Upsert(context.Background(), rec))

	got, err := s.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "wf-1", got.WorkflowID)

	open, err := s.GetOpenByWorkflowID(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", open.RunID)

	require.NoError(t, s.Delete(context.Background(), "run-1"))
	_, err = s.Get(context.Background(), "run-1")
	require.ErrorIs(t, err, visibility.ErrNotFound)
	_, err = s.GetOpenByWorkflowID(context.Background(), "wf-1")
	require.ErrorIs(t, err, visibility.ErrNotFound)
}

func TestCloseClearsOpenIndex(t *testing.T) {
	s := New()
	rec := visibility.Record{RunID: "run-1", WorkflowID: "wf-1", Status: "Running", StartTime: time.Now()}
	require.NoError(t, s.Upsert(context.Background(), rec))

	rec.Status = "Completed"
	rec.CloseTime = time.Now()
	require.NoError(t, s.Upsert(context.Background(), rec))

	_, err := s.GetOpenByWorkflowID(context.Background(), "wf-1")
	require.ErrorIs(t, err, visibility.ErrNotFound)
}

func TestListOrderAndLimit(t *testing.T) {
	s := New()
	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.Upsert(context.Background(), visibility.Record{
			RunID:      id,
			WorkflowID: "wf-" + id,
			Status:     "Running",
			StartTime:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	recs, err := s.List(context.Background(), visibility.Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "run-c", recs[0].RunID)
	require.Equal(t, "run-a", recs[2].RunID)

	recs, err = s.List(context.Background(), visibility.Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = s.List(context.Background(), visibility.Filter{WorkflowIDPrefix: "wf-run-b"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "run-b", recs[0].RunID)
}
