// Package task defines the wire-level worker contract: task tokens, the
// workflow and activity task payloads delivered to polling workers, and the
// command set workers return after executing a workflow task. Tokens are
// opaque to workers; every worker-side response must carry the token of the
// task it answers.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
)

// TaskKind discriminates the two dispatchable task kinds plus the transient
// query-only task, which is never persisted to history.
type TaskKind string

const (
	// KindWorkflow marks a workflow task.
	KindWorkflow TaskKind = "workflow"
	// KindActivity marks an activity task.
	KindActivity TaskKind = "activity"
	// KindQuery marks a query-only workflow task. Responding to it appends
	// nothing to history.
	KindQuery TaskKind = "query"
)

type (
	// Token binds a dispatched task to its run, scheduled event and attempt.
	// It is issued by the engine, treated as opaque bytes by workers, and
	// validated on every response.
	Token struct {
		// RunID is the run the task belongs to.
		RunID string `json:"run_id"`
		// WorkflowID is the run's workflow id.
		WorkflowID string `json:"workflow_id"`
		// ScheduledEventID references the scheduling event; for query-only
		// tasks it carries the query dispatch sequence instead.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// Attempt is the 1-based attempt the token was issued for.
		Attempt int `json:"attempt"`
		// Kind is the task kind.
		Kind TaskKind `json:"kind"`
	}

	// WorkflowTask is the unit of work that advances a run. It carries the
	// history suffix the worker has not seen plus any queries and updates
	// attached for this cycle.
	WorkflowTask struct {
		// Token must be echoed on the response.
		Token []byte `json:"task_token"`
		// WorkflowID identifies the workflow.
		WorkflowID string `json:"workflow_id"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// WorkflowType names the workflow definition.
		WorkflowType string `json:"workflow_type"`
		// PreviousStartedEventID is the WorkflowTaskStarted id of the last
		// task this worker completed, zero for full-history deliveries.
		PreviousStartedEventID int64 `json:"previous_started_event_id,omitempty"`
		// StartedEventID is the WorkflowTaskStarted id of this task; zero
		// for query-only tasks.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// History is the event slice the worker needs: the suffix after
		// PreviousStartedEventID for sticky deliveries, the full history
		// otherwise.
		History []*event.Event `json:"history,omitempty"`
		// Queries are read-only requests to answer this cycle.
		Queries []QueryRequest `json:"queries,omitempty"`
		// Updates are two-phase update requests to validate and execute
		// this cycle.
		Updates []UpdateRequest `json:"updates,omitempty"`
		// Attempt is the workflow task schedule attempt.
		Attempt int `json:"attempt"`
		// ScheduledTime is when the task was placed on the queue.
		ScheduledTime time.Time `json:"scheduled_time"`
	}

	// ActivityTask is a single activity attempt handed to a worker.
	ActivityTask struct {
		// Token must be echoed on the response.
		Token []byte `json:"task_token"`
		// WorkflowID identifies the workflow.
		WorkflowID string `json:"workflow_id"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// ActivityID is the caller-assigned activity id.
		ActivityID string `json:"activity_id"`
		// ActivityType names the activity implementation.
		ActivityType string `json:"activity_type"`
		// Input is the opaque activity input.
		Input cascade.Payload `json:"input,omitzero"`
		// Attempt is the 1-based attempt number.
		Attempt int `json:"attempt"`
		// HeartbeatDetails is the last recorded heartbeat of the previous
		// attempt, delivered on retries.
		HeartbeatDetails cascade.Payload `json:"heartbeat_details,omitzero"`
		// LastFailure is the previous attempt's failure, if any.
		LastFailure *cascade.Failure `json:"last_failure,omitempty"`
		// ScheduledTime is the ActivityScheduled event time.
		ScheduledTime time.Time `json:"scheduled_time"`
		// StartedTime is when this attempt was claimed.
		StartedTime time.Time `json:"started_time"`
		// StartToClose is the attempt execution deadline duration.
		StartToClose time.Duration `json:"start_to_close,omitempty"`
		// HeartbeatTimeout is the heartbeat deadline duration.
		HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty"`
	}

	// QueryRequest is a transient read-only request attached to a workflow
	// task. Queries never append events.
	QueryRequest struct {
		// QueryID correlates the answer within the task response.
		QueryID string `json:"query_id"`
		// Name is the query handler name.
		Name string `json:"name"`
		// Args is the opaque query argument payload.
		Args cascade.Payload `json:"args,omitzero"`
	}

	// QueryResult answers one QueryRequest.
	QueryResult struct {
		// QueryID echoes the request.
		QueryID string `json:"query_id"`
		// Result is the opaque answer; unset when Failure is set.
		Result cascade.Payload `json:"result,omitzero"`
		// Failure reports an unknown query name or handler error.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// UpdateRequest is a two-phase update attached to a workflow task.
	UpdateRequest struct {
		// UpdateID is the engine-assigned update id.
		UpdateID string `json:"update_id"`
		// Name is the update handler name.
		Name string `json:"name"`
		// Input is the opaque update argument payload.
		Input cascade.Payload `json:"input,omitzero"`
	}
)

// Encode serializes the token to its opaque wire form.
func (t Token) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeToken parses an opaque token. Malformed tokens report a client
// error.
func DecodeToken(data []byte) (Token, error) {
	var t Token
	if len(data) == 0 {
		return t, cascade.NewError(cascade.CodeClient, "empty task token")
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, cascade.WrapError(cascade.CodeClient, err, "malformed task token")
	}
	if t.RunID == "" {
		return t, cascade.NewError(cascade.CodeClient, "task token missing run id")
	}
	return t, nil
}

type (
	// Command is one worker intent returned from a workflow task. Exactly
	// one of the pointer fields must be set; the coordinator validates and
	// converts each command into events.
	Command struct {
		ScheduleActivity       *ScheduleActivityCommand       `json:"schedule_activity,omitempty"`
		RequestActivityCancel  *RequestActivityCancelCommand  `json:"request_activity_cancel,omitempty"`
		StartTimer             *StartTimerCommand             `json:"start_timer,omitempty"`
		CancelTimer            *CancelTimerCommand            `json:"cancel_timer,omitempty"`
		SignalExternal         *SignalExternalCommand         `json:"signal_external,omitempty"`
		StartChildWorkflow     *StartChildWorkflowCommand     `json:"start_child_workflow,omitempty"`
		RequestChildCancel     *RequestChildCancelCommand     `json:"request_child_cancel,omitempty"`
		CompleteWorkflow       *CompleteWorkflowCommand       `json:"complete_workflow,omitempty"`
		FailWorkflow           *FailWorkflowCommand           `json:"fail_workflow,omitempty"`
		CancelWorkflow         *CancelWorkflowCommand         `json:"cancel_workflow,omitempty"`
		ContinueAsNew          *ContinueAsNewCommand          `json:"continue_as_new,omitempty"`
		UpsertSearchAttributes *UpsertSearchAttributesCommand `json:"upsert_search_attributes,omitempty"`
		RespondToUpdate        *RespondToUpdateCommand        `json:"respond_to_update,omitempty"`
	}

	// ScheduleActivityCommand requests a new activity execution.
	ScheduleActivityCommand struct {
		// ActivityID must be unique within the run.
		ActivityID string `json:"activity_id"`
		// ActivityType names the activity implementation.
		ActivityType string `json:"activity_type"`
		// TaskQueue overrides the workflow's queue when set.
		TaskQueue string `json:"task_queue,omitempty"`
		// Input is the opaque activity input.
		Input cascade.Payload `json:"input,omitzero"`
		// Timeouts are the requested activity timeouts.
		Timeouts policy.ActivityTimeouts `json:"timeouts,omitzero"`
		// RetryPolicy is the requested retry policy.
		RetryPolicy policy.Retry `json:"retry_policy,omitzero"`
	}

	// RequestActivityCancelCommand asks for cooperative cancellation of a
	// pending activity.
	RequestActivityCancelCommand struct {
		// ActivityID identifies the activity to cancel.
		ActivityID string `json:"activity_id"`
	}

	// StartTimerCommand arms a workflow timer.
	StartTimerCommand struct {
		// TimerID must be unique within the run.
		TimerID string `json:"timer_id"`
		// FireAfter is the delay in workflow time.
		FireAfter time.Duration `json:"fire_after"`
	}

	// CancelTimerCommand cancels a pending timer. Idempotent at the
	// workflow level; fires racing the cancel are dropped.
	CancelTimerCommand struct {
		// TimerID identifies the timer to cancel.
		TimerID string `json:"timer_id"`
	}

	// SignalExternalCommand sends a signal to another workflow.
	SignalExternalCommand struct {
		// WorkflowID targets the external workflow.
		WorkflowID string `json:"workflow_id"`
		// RunID optionally pins a specific run.
		RunID string `json:"run_id,omitempty"`
		// Name is the signal name.
		Name string `json:"name"`
		// Input is the opaque signal payload.
		Input cascade.Payload `json:"input,omitzero"`
	}

	// StartChildWorkflowCommand starts a child workflow execution.
	StartChildWorkflowCommand struct {
		// WorkflowID is the child's workflow id.
		WorkflowID string `json:"workflow_id"`
		// WorkflowType names the child's workflow definition.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the child's task queue; defaults to the parent's.
		TaskQueue string `json:"task_queue,omitempty"`
		// Input is the opaque child input.
		Input cascade.Payload `json:"input,omitzero"`
		// Timeouts are the child's workflow timeouts.
		Timeouts policy.WorkflowTimeouts `json:"timeouts,omitzero"`
	}

	// RequestChildCancelCommand asks for cancellation of a pending child.
	RequestChildCancelCommand struct {
		// WorkflowID identifies the child workflow.
		WorkflowID string `json:"workflow_id"`
	}

	// CompleteWorkflowCommand closes the run successfully.
	CompleteWorkflowCommand struct {
		// Result is the opaque workflow result.
		Result cascade.Payload `json:"result,omitzero"`
	}

	// FailWorkflowCommand closes the run with a failure.
	FailWorkflowCommand struct {
		// Failure describes the workflow failure.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// CancelWorkflowCommand acknowledges a cancel request and closes the
	// run as cancelled.
	CancelWorkflowCommand struct {
		// Details is the opaque cancellation detail payload.
		Details cascade.Payload `json:"details,omitzero"`
	}

	// ContinueAsNewCommand closes the run and starts a successor under the
	// same workflow id with fresh history.
	ContinueAsNewCommand struct {
		// Input is the successor's opaque input.
		Input cascade.Payload `json:"input,omitzero"`
		// WorkflowType optionally switches the definition; defaults to the
		// current one.
		WorkflowType string `json:"workflow_type,omitempty"`
		// TaskQueue optionally switches the queue; defaults to the current
		// one.
		TaskQueue string `json:"task_queue,omitempty"`
	}

	// UpsertSearchAttributesCommand merges search attributes into the run's
	// visibility record.
	UpsertSearchAttributesCommand struct {
		// SearchAttributes are merged key-by-key into the existing set.
		SearchAttributes map[string]cascade.Payload `json:"search_attributes,omitempty"`
	}

	// RespondToUpdateCommand resolves one phase of an update delivered on
	// this or a previous workflow task.
	RespondToUpdateCommand struct {
		// UpdateID identifies the update.
		UpdateID string `json:"update_id"`
		// Accepted reports the validator verdict when Stage is "accepted".
		Accepted bool `json:"accepted,omitempty"`
		// Stage is "accepted" for the validator phase or "completed" for
		// the handler phase.
		Stage string `json:"stage"`
		// Result is the handler result for completed updates.
		Result cascade.Payload `json:"result,omitzero"`
		// Failure is the validator rejection or handler failure.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}
)

// Update stages accepted by RespondToUpdateCommand.Stage.
const (
	// UpdateStageAccepted resolves the validator phase.
	UpdateStageAccepted = "accepted"
	// UpdateStageCompleted resolves the handler phase.
	UpdateStageCompleted = "completed"
)

// Kind names the single populated command variant, or "" for malformed
// commands.
func (c *Command) Kind() string {
	switch {
	case c.ScheduleActivity != nil:
		return "ScheduleActivity"
	case c.RequestActivityCancel != nil:
		return "RequestActivityCancel"
	case c.StartTimer != nil:
		return "StartTimer"
	case c.CancelTimer != nil:
		return "CancelTimer"
	case c.SignalExternal != nil:
		return "SignalExternal"
	case c.StartChildWorkflow != nil:
		return "StartChildWorkflow"
	case c.RequestChildCancel != nil:
		return "RequestChildCancel"
	case c.CompleteWorkflow != nil:
		return "CompleteWorkflow"
	case c.FailWorkflow != nil:
		return "FailWorkflow"
	case c.CancelWorkflow != nil:
		return "CancelWorkflow"
	case c.ContinueAsNew != nil:
		return "ContinueAsNew"
	case c.UpsertSearchAttributes != nil:
		return "UpsertSearchAttributes"
	case c.RespondToUpdate != nil:
		return "RespondToUpdate"
	}
	return ""
}

// Terminal reports whether the command closes the run.
func (c *Command) Terminal() bool {
	switch {
	case c.CompleteWorkflow != nil, c.FailWorkflow != nil, c.CancelWorkflow != nil, c.ContinueAsNew != nil:
		return true
	}
	return false
}

// Validate checks that exactly one variant is populated.
func (c *Command) Validate() error {
	n := 0
	for _, set := range []bool{
		c.ScheduleActivity != nil, c.RequestActivityCancel != nil,
		c.StartTimer != nil, c.CancelTimer != nil,
		c.SignalExternal != nil, c.StartChildWorkflow != nil,
		c.RequestChildCancel != nil, c.CompleteWorkflow != nil,
		c.FailWorkflow != nil, c.CancelWorkflow != nil,
		c.ContinueAsNew != nil, c.UpsertSearchAttributes != nil,
		c.RespondToUpdate != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("command must set exactly one variant")
	}
	return nil
}

// ValidateAll checks command batch shape: every command well formed and at
// most one terminal command, which must be last.
func ValidateAll(commands []*Command) error {
	for i, c := range commands {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		if c.Terminal() && i != len(commands)-1 {
			return fmt.Errorf("command %d: terminal %s command must be last", i, c.Kind())
		}
	}
	return nil
}
