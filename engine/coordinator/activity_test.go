package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/task"
)

func scheduleActivityCommand(mod ...func(*task.ScheduleActivityCommand)) *task.Command {
	cmd := &task.ScheduleActivityCommand{
		ActivityID:   "charge",
		ActivityType: "Charge",
		Input:        cascade.Payload{Encoding: "json/plain", Data: []byte(`{"amount":42}`)},
		RetryPolicy:  policy.Retry{InitialInterval: 10 * time.Millisecond, MaxAttempts: 1},
	}
	for _, m := range mod {
		m(cmd)
	}
	return &task.Command{ScheduleActivity: cmd}
}

func TestActivityRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-act")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand())

	at := pollActivity(t, c, "a1")
	assert.Equal(t, runID, at.RunID)
	assert.Equal(t, "charge", at.ActivityID)
	assert.Equal(t, "Charge", at.ActivityType)
	assert.Equal(t, 1, at.Attempt)
	assert.Equal(t, []byte(`{"amount":42}`), at.Input.Data)
	assert.Nil(t, at.LastFailure)

	err := c.RespondActivityTaskCompleted(context.Background(), mustToken(t, at.Token),
		cascade.Payload{Encoding: "json/plain", Data: []byte(`"paid"`)}, "a1")
	require.NoError(t, err)

	// The completion wakes the workflow.
	wt = pollWFT(t, c, "w1")
	done, ok := findAttrs[*event.ActivityCompletedAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, []byte(`"paid"`), done.Result.Data)

	respond(t, c, wt, &task.Command{CompleteWorkflow: &task.CompleteWorkflowCommand{Result: done.Result}})
	result, err := c.WaitWorkflowResult(context.Background(), "", runID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"paid"`), result.Data)
}

func TestActivityRetryAfterFailure(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-actretry")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.RetryPolicy = policy.Retry{InitialInterval: 10 * time.Millisecond, MaxAttempts: 3}
	}))

	at := pollActivity(t, c, "a1")
	err := c.RespondActivityTaskFailed(context.Background(), mustToken(t, at.Token),
		&cascade.Failure{Message: "card declined", Type: "Declined"}, "a1")
	require.NoError(t, err)

	// The backoff timer fires and the activity is redispatched with the
	// previous failure attached.
	at = pollActivity(t, c, "a1")
	assert.Equal(t, 2, at.Attempt)
	require.NotNil(t, at.LastFailure)
	assert.Equal(t, "Declined", at.LastFailure.Type)

	// A retryable failure does not wake the workflow.
	pollNoWFT(t, c)

	err = c.RespondActivityTaskCompleted(context.Background(), mustToken(t, at.Token), cascade.Payload{}, "a1")
	require.NoError(t, err)

	wt = pollWFT(t, c, "w1")
	done, ok := findAttrs[*event.ActivityCompletedAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, 2, done.Attempt)
}

func TestActivityNonRetryableFailure(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-actfatal")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.RetryPolicy = policy.Retry{InitialInterval: 10 * time.Millisecond, MaxAttempts: 5}
	}))

	at := pollActivity(t, c, "a1")
	err := c.RespondActivityTaskFailed(context.Background(), mustToken(t, at.Token),
		&cascade.Failure{Message: "account closed", Type: "AccountClosed", NonRetryable: true}, "a1")
	require.NoError(t, err)

	wt = pollWFT(t, c, "w1")
	failed, ok := findAttrs[*event.ActivityFailedAttrs](wt.History)
	require.True(t, ok)
	assert.False(t, failed.RetryScheduled)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "AccountClosed", failed.Failure.Type)
}

func TestActivityStartToCloseTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-acttimeout")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.Timeouts = policy.ActivityTimeouts{StartToClose: 40 * time.Millisecond}
	}))

	at := pollActivity(t, c, "a1")

	// The attempt deadline fires unanswered and the workflow is woken.
	wt = pollWFT(t, c, "w1")
	timedOut, ok := findAttrs[*event.ActivityTimedOutAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, policy.TimeoutStartToClose, timedOut.TimeoutKind)
	assert.False(t, timedOut.RetryScheduled)

	// The expired attempt's token no longer matches.
	err := c.RespondActivityTaskCompleted(context.Background(), mustToken(t, at.Token), cascade.Payload{}, "a1")
	require.Error(t, err)
	assert.Equal(t, "TaskTokenExpired", cascade.TypeOf(err))
}

func TestActivityScheduleToStartTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-actqueue")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.Timeouts = policy.ActivityTimeouts{ScheduleToStart: 40 * time.Millisecond}
	}))

	// No worker claims the attempt in time.
	wt = pollWFT(t, c, "w1")
	timedOut, ok := findAttrs[*event.ActivityTimedOutAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, policy.TimeoutScheduleToStart, timedOut.TimeoutKind)
	assert.Zero(t, timedOut.StartedEventID)
}

func TestActivityHeartbeatExtendsDeadline(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-actheartbeat")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.Timeouts = policy.ActivityTimeouts{Heartbeat: 150 * time.Millisecond}
		cmd.RetryPolicy = policy.Retry{InitialInterval: 10 * time.Millisecond, MaxAttempts: 3}
	}))

	at := pollActivity(t, c, "a1")
	tok := mustToken(t, at.Token)

	// Heartbeats past the original deadline keep the attempt alive; the
	// second one would hit TaskTokenExpired had the deadline not moved.
	time.Sleep(100 * time.Millisecond)
	_, err := c.RecordActivityHeartbeat(context.Background(), tok,
		cascade.Payload{Encoding: "json/plain", Data: []byte(`{"progress":40}`)})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = c.RecordActivityHeartbeat(context.Background(), tok,
		cascade.Payload{Encoding: "json/plain", Data: []byte(`{"progress":80}`)})
	require.NoError(t, err)

	// Heartbeats stop; the extended deadline expires and the retry carries
	// the last recorded details.
	at = pollActivity(t, c, "a1")
	assert.Equal(t, 2, at.Attempt)
	assert.Equal(t, []byte(`{"progress":80}`), at.HeartbeatDetails.Data)
	require.NotNil(t, at.LastFailure)
	assert.Equal(t, policy.TimeoutHeartbeat.ErrorType(), at.LastFailure.Type)

	events, _, err := c.GetHistory(context.Background(), "", at.RunID, 1, 0)
	require.NoError(t, err)
	timedOut, ok := findAttrs[*event.ActivityTimedOutAttrs](events)
	require.True(t, ok)
	assert.Equal(t, policy.TimeoutHeartbeat, timedOut.TimeoutKind)
	assert.True(t, timedOut.RetryScheduled)
	assert.Equal(t, []byte(`{"progress":80}`), timedOut.LastHeartbeat.Data)
}

func TestActivityScheduleToCloseOvertakesRetry(t *testing.T) {
	c := newTestCoordinator(t)
	startRun(t, c, "wf-actoverall")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand(func(cmd *task.ScheduleActivityCommand) {
		cmd.Timeouts = policy.ActivityTimeouts{ScheduleToClose: 300 * time.Millisecond}
		// The backoff is far longer than the overall deadline, so the
		// deadline fires while the retry is still waiting.
		cmd.RetryPolicy = policy.Retry{InitialInterval: 10 * time.Second, MaxAttempts: 3}
	}))

	at := pollActivity(t, c, "a1")
	err := c.RespondActivityTaskFailed(context.Background(), mustToken(t, at.Token),
		&cascade.Failure{Message: "card declined", Type: "Declined"}, "a1")
	require.NoError(t, err)

	// The overall deadline cancels the pending backoff and wakes the
	// workflow; schedule-to-close is never retried.
	wt = pollWFT(t, c, "w1")
	backoff, ok := findAttrs[*event.TimerStartedAttrs](wt.History)
	require.True(t, ok)
	assert.True(t, backoff.Internal)
	cancelled, ok := findAttrs[*event.TimerCancelledAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, backoff.TimerID, cancelled.TimerID)
	timedOut, ok := findAttrs[*event.ActivityTimedOutAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, policy.TimeoutScheduleToClose, timedOut.TimeoutKind)
	assert.False(t, timedOut.RetryScheduled)
}

func TestActivityCancelAndHeartbeat(t *testing.T) {
	c := newTestCoordinator(t)
	runID := startRun(t, c, "wf-actcancel")

	wt := pollWFT(t, c, "w1")
	respond(t, c, wt, scheduleActivityCommand())

	at := pollActivity(t, c, "a1")
	tok := mustToken(t, at.Token)

	cancelRequested, err := c.RecordActivityHeartbeat(context.Background(), tok,
		cascade.Payload{Encoding: "json/plain", Data: []byte(`{"progress":10}`)})
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	// Cancelling before a request is recorded is a client error.
	err = c.RespondActivityTaskCancelled(context.Background(), tok, cascade.Payload{}, "a1")
	require.Error(t, err)
	assert.Equal(t, cascade.CodeClient, cascade.CodeOf(err))

	// The workflow requests cancellation on its next task.
	require.NoError(t, c.SignalWorkflow(context.Background(), "", runID, "abort", cascade.Payload{}, "", ""))
	wt = pollWFT(t, c, "w1")
	respond(t, c, wt, &task.Command{RequestActivityCancel: &task.RequestActivityCancelCommand{ActivityID: "charge"}})

	cancelRequested, err = c.RecordActivityHeartbeat(context.Background(), tok, cascade.Payload{})
	require.NoError(t, err)
	assert.True(t, cancelRequested)

	err = c.RespondActivityTaskCancelled(context.Background(), tok,
		cascade.Payload{Encoding: "json/plain", Data: []byte(`"rolled back"`)}, "a1")
	require.NoError(t, err)

	wt = pollWFT(t, c, "w1")
	cancelled, ok := findAttrs[*event.ActivityCancelledAttrs](wt.History)
	require.True(t, ok)
	assert.Equal(t, []byte(`"rolled back"`), cancelled.Details.Data)
}
