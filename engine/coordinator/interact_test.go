package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/engine/visibility"
)

func pollWFTQueue(t *testing.T, c *Coordinator, queueName, identity string) *task.WorkflowTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wt, err := c.PollWorkflowTask(ctx, queueName, identity)
	require.NoError(t, err)
	require.NotNil(t, wt, "expected a workflow task on %q", queueName)
	return wt
}

func TestQueryWorkflow(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-query")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt)

	type outcome struct {
		result cascade.Payload
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := c.QueryWorkflow(ctx, "", runID, "status", cascade.Payload{})
		done <- outcome{res, err}
	}()

	qt := pollWFT(t, c, "w1")
	require.Len(t, qt.Queries, 1)
	assert.Equal(t, "status", qt.Queries[0].Name)
	assert.Zero(t, qt.StartedEventID)
	tok := mustToken(t, qt.Token)
	assert.Equal(t, task.KindQuery, tok.Kind)

	err := c.RespondWorkflowTaskCompleted(context.Background(), tok, nil, []task.QueryResult{{
		QueryID: qt.Queries[0].QueryID,
		Result:  cascade.Payload{Encoding: "json/plain", Data: []byte(`"shipping"`)},
	}}, "w1")
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, []byte(`"shipping"`), out.result.Data)
}

func TestQueryClosedRun(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-queryclosed")
	require.NoError(t, c.TerminateWorkflow(context.Background(), "", runID, "done with it", ""))

	events, _, err := c.GetHistory(context.Background(), "", runID, 1, 0)
	require.NoError(t, err)
	before := len(events)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.QueryWorkflow(ctx, "", runID, "status", cascade.Payload{})
		done <- err
	}()

	qt := pollWFT(t, c, "w1")
	require.Len(t, qt.Queries, 1)
	err = c.RespondWorkflowTaskCompleted(context.Background(), mustToken(t, qt.Token), nil, []task.QueryResult{{
		QueryID: qt.Queries[0].QueryID,
		Result:  cascade.Payload{Encoding: "json/plain", Data: []byte(`"terminated"`)},
	}}, "w1")
	require.NoError(t, err)
	require.NoError(t, <-done)

	// Queries ride transient tasks; the closed history is untouched.
	events, _, err = c.GetHistory(context.Background(), "", runID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, before)
}

func TestQueryFailureSurfacesToCaller(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-queryfail")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.QueryWorkflow(ctx, "", runID, "no-such-query", cascade.Payload{})
		done <- err
	}()

	var qt *task.WorkflowTask
	for {
		qt = pollWFT(t, c, "w1")
		if len(qt.Queries) > 0 {
			break
		}
		// The run's first workflow task can arrive ahead of the query task.
		respond(t, c, qt)
	}
	err := c.RespondWorkflowTaskCompleted(context.Background(), mustToken(t, qt.Token), nil, []task.QueryResult{{
		QueryID: qt.Queries[0].QueryID,
		Failure: &cascade.Failure{Message: "unknown query", Type: "UnknownQuery"},
	}}, "w1")
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	assert.Equal(t, cascade.CodeClient, cascade.CodeOf(err))
	assert.Equal(t, "UnknownQuery", cascade.TypeOf(err))
}

func TestUpdateWorkflowCompleted(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-update")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt)

	done := make(chan *UpdateResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := c.UpdateWorkflow(ctx, "", runID, "u1", "raise-limit",
			cascade.Payload{Encoding: "json/plain", Data: []byte(`{"limit":100}`)}, task.UpdateStageCompleted)
		require.NoError(t, err)
		done <- res
	}()

	wt = pollWFT(t, c, "w1")
	require.Len(t, wt.Updates, 1)
	assert.Equal(t, "u1", wt.Updates[0].UpdateID)
	assert.Equal(t, "raise-limit", wt.Updates[0].Name)

	respond(t, c, wt,
		&task.Command{RespondToUpdate: &task.RespondToUpdateCommand{
			UpdateID: "u1", Stage: task.UpdateStageAccepted, Accepted: true,
		}},
		&task.Command{RespondToUpdate: &task.RespondToUpdateCommand{
			UpdateID: "u1", Stage: task.UpdateStageCompleted,
			Result: cascade.Payload{Encoding: "json/plain", Data: []byte(`"raised"`)},
		}},
	)

	res := <-done
	assert.Equal(t, "u1", res.UpdateID)
	assert.Equal(t, state.UpdateCompleted, res.State)
	assert.Equal(t, []byte(`"raised"`), res.Result.Data)

	// A retried update id returns the recorded outcome without a new task.
	again, err := c.UpdateWorkflow(context.Background(), "", runID, "u1", "raise-limit", cascade.Payload{}, task.UpdateStageCompleted)
	require.NoError(t, err)
	assert.Equal(t, state.UpdateCompleted, again.State)
	assert.Equal(t, []byte(`"raised"`), again.Result.Data)
}

func TestUpdateWorkflowRejected(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-updatereject")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt)

	done := make(chan *UpdateResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := c.UpdateWorkflow(ctx, "", runID, "u2", "raise-limit", cascade.Payload{}, task.UpdateStageAccepted)
		require.NoError(t, err)
		done <- res
	}()

	wt = pollWFT(t, c, "w1")
	require.Len(t, wt.Updates, 1)
	respond(t, c, wt, &task.Command{RespondToUpdate: &task.RespondToUpdateCommand{
		UpdateID: "u2", Stage: task.UpdateStageAccepted, Accepted: false,
		Failure: &cascade.Failure{Message: "limit too high", Type: "Validation"},
	}})

	res := <-done
	assert.Equal(t, state.UpdateRejected, res.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "Validation", res.Failure.Type)
}

func TestUpdateClosedRunRejected(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-updateclosed")
	require.NoError(t, c.TerminateWorkflow(context.Background(), "", runID, "", ""))

	_, err := c.UpdateWorkflow(context.Background(), "", runID, "u1", "raise-limit", cascade.Payload{}, "")
	require.Error(t, err)
	assert.Equal(t, cascade.CodePrecondition, cascade.CodeOf(err))
	assert.Equal(t, "WorkflowClosed", cascade.TypeOf(err))
}

func TestContinueAsNewChain(t *testing.T) {
	c := newTestCoordinator(t)
	first := startRun(t, c, "wf-can")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{ContinueAsNew: &task.ContinueAsNewCommand{
		Input: cascade.Payload{Encoding: "json/plain", Data: []byte(`{"round":2}`)},
	}})

	// The successor run schedules its own first task under the same
	// workflow id with fresh history.
	wt = pollWFT(t, c, "w1")
	assert.NotEqual(t, first, wt.RunID)
	started, ok := wt.History[0].Attributes.(*event.WorkflowStartedAttrs)
	require.True(t, ok)
	assert.Equal(t, first, started.ContinuedFromRunID)
	assert.Equal(t, []byte(`{"round":2}`), started.Input.Data)

	desc, err := c.DescribeWorkflow(context.Background(), "", first)
	require.NoError(t, err)
	assert.Equal(t, state.StatusContinuedAsNew, desc.Status)
	assert.Equal(t, wt.RunID, desc.NewRunID)

	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{
		Result: cascade.Payload{Encoding: "json/plain", Data: []byte(`"final"`)},
	}})

	// Waiting on the first run follows the chain to the final result.
	result, err := c.WaitWorkflowResult(context.Background(), "", first)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"final"`), result.Data)
}

func TestChildWorkflow(t *testing.T) {
	c := newTestCoordinator(t)
	parent := startRun(t, c, "wf-parent")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{StartChildWorkflow: &task.StartChildWorkflowCommand{
		WorkflowID:   "wf-child",
		WorkflowType: "fulfil",
		TaskQueue:    "children",
		Input:        cascade.Payload{Encoding: "json/plain", Data: []byte(`{"item":"book"}`)},
	}})

	// The child runs on its own queue.
	ct := pollWFTQueue(t, c, "children", "cw1")
	assert.Equal(t, "wf-child", ct.WorkflowID)
	assert.Equal(t, "fulfil", ct.WorkflowType)
	childStarted, ok := ct.History[0].Attributes.(*event.WorkflowStartedAttrs)
	require.True(t, ok)
	assert.Equal(t, parent, childStarted.ParentRunID)

	// The parent wakes when the child is recorded as started.
	wt = pollWFT(t, c, "w1")
	_, ok = findAttrs[*event.ChildWorkflowStartedAttrs](wt.History)
	require.True(t, ok)
	respond(t, c, wt)

	err := c.RespondWorkflowTaskCompleted(context.Background(), mustToken(t, ct.Token), []*task.Command{
		{CompleteWorkflow: &task.CompleteWorkflowCommand{
			Result: cascade.Payload{Encoding: "json/plain", Data: []byte(`"shipped"`)},
		}},
	}, nil, "cw1")
	require.NoError(t, err)

	// The child's result lands on the parent history.
	wt = pollWFT(t, c, "w1")
	completed, ok := findAttrs[*event.ChildWorkflowCompletedAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, ct.RunID, completed.RunID)
	assert.Equal(t, []byte(`"shipped"`), completed.Result.Data)

	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{Result: completed.Result}})
	result, err := c.WaitWorkflowResult(context.Background(), "", parent)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"shipped"`), result.Data)
}

func TestDescribeWorkflowPendingWork(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-describe")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt,
		scheduleActivityCommand(),
		&task.Command{StartTimer: &task.StartTimerCommand{TimerID: "wait", FireAfter: time.Hour}},
	)

	desc, err := c.DescribeWorkflow(context.Background(), "wf-describe", "")
	require.NoError(t, err)
	assert.Equal(t, runID, desc.RunID)
	assert.Equal(t, state.StatusRunning, desc.Status)
	require.Len(t, desc.PendingActivities, 1)
	assert.Equal(t, "charge", desc.PendingActivities[0].ActivityID)
	assert.False(t, desc.PendingActivities[0].Started)
	require.Len(t, desc.PendingTimers, 1)
	assert.Equal(t, "wait", desc.PendingTimers[0].TimerID)
}

func TestTimerFiresAndWakesWorkflow(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-timer")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{StartTimer: &task.StartTimerCommand{TimerID: "debounce", FireAfter: 30 * time.Millisecond}})

	wt = pollWFT(t, c, "w1")
	fired, ok := findAttrs[*event.TimerFiredAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, "debounce", fired.TimerID)
}

func TestCancelTimer(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-canceltimer")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{StartTimer: &task.StartTimerCommand{TimerID: "wait", FireAfter: time.Hour}})

	require.NoError(t, c.SignalWorkflow(context.Background(), "", runID, "skip", cascade.Payload{}, "", ""))
	wt = pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{CancelTimer: &task.CancelTimerCommand{TimerID: "wait"}})

	desc, err := c.DescribeWorkflow(context.Background(), "", runID)
	require.NoError(t, err)
	assert.Empty(t, desc.PendingTimers)
}

func TestGetHistoryPagination(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-pages")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{}})

	// Full history: started, scheduled, started, completed, wf completed.
	events, next, err := c.GetHistory(context.Background(), "", runID, 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), next)

	events, next, err = c.GetHistory(context.Background(), "", runID, next, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), next)

	events, next, err = c.GetHistory(context.Background(), "", runID, next, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Zero(t, next)
	assert.Equal(t, event.KindWorkflowCompleted, events[0].Kind())
}

func TestListWorkflows(t *testing.T) {
	c := newTestCoordinator(t)
	closedRun := startRun(t, c, "wf-list-closed")
	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{}})
	openRun := startRun(t, c, "wf-list-open")

	// Visibility records are written off the run lock.
	require.Eventually(t, func() bool {
		recs, err := c.ListWorkflows(context.Background(), visibility.Filter{OnlyOpen: true}, 0)
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].RunID == openRun
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := c.ListWorkflows(context.Background(), visibility.Filter{Status: string(state.StatusCompleted)}, 0)
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].RunID == closedRun
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := c.ListWorkflows(context.Background(), visibility.Filter{WorkflowIDPrefix: "wf-list-"}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestResetWorkflow(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-reset")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{StartTimer: &task.StartTimerCommand{TimerID: "wait", FireAfter: time.Hour}})

	// Reset to the first task boundary, dropping the timer.
	newRunID, err := c.ResetWorkflow(context.Background(), "", runID, 4, "bad deploy")
	require.NoError(t, err)
	assert.NotEqual(t, runID, newRunID)

	desc, err := c.DescribeWorkflow(context.Background(), "", runID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusTerminated, desc.Status)

	desc, err = c.DescribeWorkflow(context.Background(), "", newRunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, desc.Status)
	assert.Equal(t, runID, desc.ContinuedFromRunID)
	assert.Empty(t, desc.PendingTimers)

	// The new run schedules a fresh workflow task off the replayed prefix.
	wt = pollWFT(t, c, "w1")
	assert.Equal(t, newRunID, wt.RunID)
	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{}})
	_, err = c.WaitWorkflowResult(context.Background(), "", newRunID)
	require.NoError(t, err)
}

func TestResetRejectsNonBoundaryPoints(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-resetbad")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{StartTimer: &task.StartTimerCommand{TimerID: "wait", FireAfter: time.Hour}})

	// Event 3 is WorkflowTaskStarted; the prefix leaves a task in flight.
	_, err := c.ResetWorkflow(context.Background(), "", runID, 3, "")
	require.Error(t, err)
	assert.Equal(t, cascade.CodePrecondition, cascade.CodeOf(err))

	// Out of range ids are client errors.
	_, err = c.ResetWorkflow(context.Background(), "", runID, 99, "")
	require.Error(t, err)
	assert.Equal(t, cascade.CodeClient, cascade.CodeOf(err))
}

func TestIDReusePolicies(t *testing.T) {
	c := newTestCoordinator(t)
	first := startRun(t, c, "wf-reuse")
	require.NoError(t, c.TerminateWorkflow(context.Background(), "", first, "make room", ""))

	// Wait for the closed record to land in visibility.
	require.Eventually(t, func() bool {
		recs, err := c.ListWorkflows(context.Background(), visibility.Filter{WorkflowIDPrefix: "wf-reuse"}, 0)
		return err == nil && len(recs) == 1 && recs[0].Status == string(state.StatusTerminated)
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.StartWorkflow(context.Background(), StartRequest{
		WorkflowID:    "wf-reuse",
		WorkflowType:  "order",
		TaskQueue:     testQueue,
		IDReusePolicy: ReuseRejectDuplicate,
	})
	require.Error(t, err)
	assert.Equal(t, "IDReusePolicy", cascade.TypeOf(err))

	// The previous run closed abnormally, so failed-only reuse is allowed.
	second, err := c.StartWorkflow(context.Background(), StartRequest{
		WorkflowID:    "wf-reuse",
		WorkflowType:  "order",
		TaskQueue:     testQueue,
		IDReusePolicy: ReuseAllowDuplicateFailedOnly,
	})
	require.NoError(t, err)

	wt := pollWFT(t, c, "w1")
	require.Equal(t, second, wt.RunID)
	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{}})

	require.Eventually(t, func() bool {
		recs, err := c.ListWorkflows(context.Background(), visibility.Filter{Status: string(state.StatusCompleted)}, 0)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Now the latest close is a success and failed-only reuse is rejected.
	_, err = c.StartWorkflow(context.Background(), StartRequest{
		WorkflowID:    "wf-reuse",
		WorkflowType:  "order",
		TaskQueue:     testQueue,
		IDReusePolicy: ReuseAllowDuplicateFailedOnly,
	})
	require.Error(t, err)
	assert.Equal(t, "IDReusePolicy", cascade.TypeOf(err))
}

func TestUpsertSearchAttributes(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-search")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{UpsertSearchAttributes: &task.UpsertSearchAttributesCommand{
		SearchAttributes: map[string]cascade.Payload{
			"customer": {Encoding: "json/plain", Data: []byte(`"acme"`)},
		},
	}})

	desc, err := c.DescribeWorkflow(context.Background(), "", runID)
	require.NoError(t, err)
	require.Contains(t, desc.SearchAttributes, "customer")
	assert.Equal(t, []byte(`"acme"`), desc.SearchAttributes["customer"].Data)

	// Upserts never touch history: just the start and first task cycle.
	events, _, err := c.GetHistory(context.Background(), "", runID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}
