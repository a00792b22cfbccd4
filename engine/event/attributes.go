package event

import (
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/policy"
)

type (
	// WorkflowStartedAttrs opens a run. It carries everything a worker needs
	// to begin executing from an empty state, plus chain linkage for
	// continue-as-new, retry and reset successors.
	WorkflowStartedAttrs struct {
		// WorkflowID is the caller-supplied workflow identifier. Recorded so
		// a history is self-describing when state is rebuilt from storage.
		WorkflowID string `json:"workflow_id"`
		// WorkflowType names the workflow definition to execute.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the queue workflow tasks are dispatched on.
		TaskQueue string `json:"task_queue"`
		// Input is the opaque workflow input.
		Input cascade.Payload `json:"input,omitempty"`
		// Timeouts are the effective workflow timeouts after defaulting.
		Timeouts policy.WorkflowTimeouts `json:"timeouts,omitempty"`
		// RetryPolicy applies to automatic workflow restarts, if configured.
		RetryPolicy *policy.Retry `json:"retry_policy,omitempty"`
		// Attempt counts executions of this workflow id chain entry, 1-based.
		Attempt int `json:"attempt"`
		// ContinuedFromRunID links to the predecessor run when this run was
		// produced by continue-as-new or reset. Empty for fresh starts.
		ContinuedFromRunID string `json:"continued_from_run_id,omitempty"`
		// FirstRunID identifies the first run of the chain; equal to the own
		// run id for fresh starts.
		FirstRunID string `json:"first_run_id,omitempty"`
		// ExecutionDeadline is the absolute deadline spanning the whole
		// continue-as-new chain. Zero means unbounded.
		ExecutionDeadline time.Time `json:"execution_deadline,omitempty"`
		// Memo carries small opaque diagnostic payloads.
		Memo map[string]cascade.Payload `json:"memo,omitempty"`
		// SearchAttributes carries indexed visibility metadata.
		SearchAttributes map[string]cascade.Payload `json:"search_attributes,omitempty"`
		// RequestID dedups retried start calls.
		RequestID string `json:"request_id,omitempty"`
		// ParentRunID is set when the run is a child workflow.
		ParentRunID string `json:"parent_run_id,omitempty"`
		// ParentInitiatedEventID is the initiating event in the parent run.
		ParentInitiatedEventID int64 `json:"parent_initiated_event_id,omitempty"`
	}

	// WorkflowTaskScheduledAttrs records a workflow task placed on a queue.
	WorkflowTaskScheduledAttrs struct {
		// TaskQueue is the queue the task was placed on.
		TaskQueue string `json:"task_queue"`
		// StartToClose is the task lease duration.
		StartToClose time.Duration `json:"start_to_close,omitempty"`
		// Attempt counts schedules of this logical task, 1-based.
		Attempt int `json:"attempt"`
	}

	// WorkflowTaskStartedAttrs records a worker claiming the task.
	WorkflowTaskStartedAttrs struct {
		// ScheduledEventID references the WorkflowTaskScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// Identity is the claiming worker's identity.
		Identity string `json:"identity,omitempty"`
	}

	// WorkflowTaskCompletedAttrs records the worker's response.
	WorkflowTaskCompletedAttrs struct {
		// ScheduledEventID references the WorkflowTaskScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the WorkflowTaskStarted event.
		StartedEventID int64 `json:"started_event_id"`
		// Identity is the responding worker's identity, used for sticky
		// scheduling of subsequent tasks.
		Identity string `json:"identity,omitempty"`
	}

	// WorkflowTaskFailedAttrs records a failed workflow task.
	WorkflowTaskFailedAttrs struct {
		// ScheduledEventID references the WorkflowTaskScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the WorkflowTaskStarted event, zero if
		// the task failed before starting.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// Cause classifies the failure: "BadCommand", "NonDeterministic",
		// "HistoryTooLarge", "WorkerFailed".
		Cause string `json:"cause,omitempty"`
		// Failure carries the worker-reported failure, if any.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// WorkflowTaskTimedOutAttrs records an expired workflow task lease.
	WorkflowTaskTimedOutAttrs struct {
		// ScheduledEventID references the WorkflowTaskScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the WorkflowTaskStarted event, zero when
		// the schedule-to-start wait expired instead.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// TimeoutKind names the exceeded deadline.
		TimeoutKind policy.TimeoutKind `json:"timeout_kind"`
	}

	// ActivityScheduledAttrs records an activity accepted for dispatch.
	ActivityScheduledAttrs struct {
		// ActivityID is the caller-assigned id, unique within the run.
		ActivityID string `json:"activity_id"`
		// ActivityType names the activity implementation.
		ActivityType string `json:"activity_type"`
		// TaskQueue is the queue the activity task is dispatched on.
		TaskQueue string `json:"task_queue"`
		// Input is the opaque activity input.
		Input cascade.Payload `json:"input,omitempty"`
		// Timeouts are the effective activity timeouts after defaulting.
		Timeouts policy.ActivityTimeouts `json:"timeouts,omitempty"`
		// RetryPolicy is the effective retry policy after defaulting.
		RetryPolicy policy.Retry `json:"retry_policy,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// ActivityStartedAttrs records an activity worker claiming an attempt.
	ActivityStartedAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// Identity is the claiming worker's identity.
		Identity string `json:"identity,omitempty"`
		// Attempt is the 1-based attempt number.
		Attempt int `json:"attempt"`
		// LastFailure is the failure of the previous attempt, if any.
		LastFailure *cascade.Failure `json:"last_failure,omitempty"`
	}

	// ActivityCompletedAttrs records successful completion.
	ActivityCompletedAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the last ActivityStarted event.
		StartedEventID int64 `json:"started_event_id"`
		// Result is the opaque activity result.
		Result cascade.Payload `json:"result,omitempty"`
		// Attempt is the attempt that completed.
		Attempt int `json:"attempt"`
		// Identity is the completing worker's identity.
		Identity string `json:"identity,omitempty"`
	}

	// ActivityFailedAttrs records a failed attempt. The event is terminal
	// for the activity unless RetryScheduled is set, in which case a backoff
	// timer will produce another attempt.
	ActivityFailedAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the ActivityStarted event of the attempt.
		StartedEventID int64 `json:"started_event_id"`
		// Failure is the reported failure.
		Failure *cascade.Failure `json:"failure,omitempty"`
		// Attempt is the attempt that failed.
		Attempt int `json:"attempt"`
		// RetryScheduled reports whether a retry backoff was armed; false
		// means the activity is terminally failed.
		RetryScheduled bool `json:"retry_scheduled,omitempty"`
	}

	// ActivityTimedOutAttrs records an activity timeout. Terminal unless
	// RetryScheduled is set.
	ActivityTimedOutAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the attempt's ActivityStarted event,
		// zero for schedule-to-start timeouts.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// TimeoutKind names the exceeded deadline.
		TimeoutKind policy.TimeoutKind `json:"timeout_kind"`
		// Attempt is the attempt that timed out.
		Attempt int `json:"attempt"`
		// LastHeartbeat is the latest recorded heartbeat payload, if any.
		LastHeartbeat cascade.Payload `json:"last_heartbeat,omitempty"`
		// RetryScheduled reports whether a retry backoff was armed.
		RetryScheduled bool `json:"retry_scheduled,omitempty"`
	}

	// ActivityCancelRequestedAttrs records a cooperative cancel request.
	ActivityCancelRequestedAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// ActivityCancelledAttrs records the worker acknowledging cancellation.
	ActivityCancelledAttrs struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the attempt's ActivityStarted event.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// Details is the opaque cancellation detail payload.
		Details cascade.Payload `json:"details,omitempty"`
		// Identity is the acknowledging worker's identity.
		Identity string `json:"identity,omitempty"`
	}

	// TimerStartedAttrs records a timer being armed in workflow time.
	TimerStartedAttrs struct {
		// TimerID is the caller-assigned id, unique within the run.
		TimerID string `json:"timer_id"`
		// FireAfter is the delay from the event time to the fire instant.
		FireAfter time.Duration `json:"fire_after"`
		// WorkflowTaskCompletedEventID references the commanding task, zero
		// for engine-internal timers such as retry backoffs.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id,omitempty"`
		// Internal marks engine-armed timers (activity retry backoff). They
		// never surface to workflow code as timer results.
		Internal bool `json:"internal,omitempty"`
		// ActivityScheduledEventID links internal retry backoff timers to the
		// activity they re-dispatch on fire.
		ActivityScheduledEventID int64 `json:"activity_scheduled_event_id,omitempty"`
	}

	// TimerFiredAttrs records a timer firing.
	TimerFiredAttrs struct {
		// TimerID is the fired timer's id.
		TimerID string `json:"timer_id"`
		// StartedEventID references the TimerStarted event.
		StartedEventID int64 `json:"started_event_id"`
	}

	// TimerCancelledAttrs records a timer cancelled before firing.
	TimerCancelledAttrs struct {
		// TimerID is the cancelled timer's id.
		TimerID string `json:"timer_id"`
		// StartedEventID references the TimerStarted event.
		StartedEventID int64 `json:"started_event_id"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id,omitempty"`
	}

	// SignalReceivedAttrs records an external signal delivered to the run.
	SignalReceivedAttrs struct {
		// Name is the signal name matched by workflow code.
		Name string `json:"name"`
		// Input is the opaque signal payload.
		Input cascade.Payload `json:"input,omitempty"`
		// Identity identifies the sender, if provided.
		Identity string `json:"identity,omitempty"`
		// RequestID dedups retried signal calls.
		RequestID string `json:"request_id,omitempty"`
	}

	// WorkflowCancelRequestedAttrs records an external cancel request. At
	// most one appears per run.
	WorkflowCancelRequestedAttrs struct {
		// Reason is the caller-supplied cancellation reason.
		Reason string `json:"reason,omitempty"`
		// Identity identifies the requester, if provided.
		Identity string `json:"identity,omitempty"`
	}

	// UpdateAcceptedAttrs records an update passing its validator.
	UpdateAcceptedAttrs struct {
		// UpdateID is the engine-assigned update id.
		UpdateID string `json:"update_id"`
		// Name is the update handler name.
		Name string `json:"name"`
		// Input is the opaque update argument payload.
		Input cascade.Payload `json:"input,omitempty"`
		// WorkflowTaskCompletedEventID references the accepting task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id,omitempty"`
	}

	// UpdateRejectedAttrs records an update rejected by its validator.
	UpdateRejectedAttrs struct {
		// UpdateID is the engine-assigned update id.
		UpdateID string `json:"update_id"`
		// Name is the update handler name.
		Name string `json:"name"`
		// Failure is the validator's rejection.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// UpdateCompletedAttrs records the update handler finishing.
	UpdateCompletedAttrs struct {
		// UpdateID is the engine-assigned update id.
		UpdateID string `json:"update_id"`
		// AcceptedEventID references the UpdateAccepted event.
		AcceptedEventID int64 `json:"accepted_event_id"`
		// Result is the opaque update result; unset when Failure is set.
		Result cascade.Payload `json:"result,omitempty"`
		// Failure is the handler failure, if the update failed.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// ChildWorkflowInitiatedAttrs records a child workflow start request.
	ChildWorkflowInitiatedAttrs struct {
		// WorkflowID is the child's workflow id.
		WorkflowID string `json:"workflow_id"`
		// WorkflowType names the child's workflow definition.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the child's task queue.
		TaskQueue string `json:"task_queue"`
		// Input is the opaque child input.
		Input cascade.Payload `json:"input,omitempty"`
		// Timeouts are the child's workflow timeouts.
		Timeouts policy.WorkflowTimeouts `json:"timeouts,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// ChildWorkflowStartedAttrs records the child run beginning.
	ChildWorkflowStartedAttrs struct {
		// InitiatedEventID references the ChildWorkflowInitiated event.
		InitiatedEventID int64 `json:"initiated_event_id"`
		// RunID is the child's engine-assigned run id.
		RunID string `json:"run_id"`
	}

	// ChildWorkflowCompletedAttrs records the child run completing.
	ChildWorkflowCompletedAttrs struct {
		// InitiatedEventID references the ChildWorkflowInitiated event.
		InitiatedEventID int64 `json:"initiated_event_id"`
		// RunID is the child's run id.
		RunID string `json:"run_id"`
		// Result is the child's opaque result.
		Result cascade.Payload `json:"result,omitempty"`
	}

	// ChildWorkflowFailedAttrs records the child run failing or closing
	// abnormally.
	ChildWorkflowFailedAttrs struct {
		// InitiatedEventID references the ChildWorkflowInitiated event.
		InitiatedEventID int64 `json:"initiated_event_id"`
		// RunID is the child's run id.
		RunID string `json:"run_id"`
		// Failure describes why the child closed abnormally.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}

	// WorkflowCompletedAttrs closes a run successfully.
	WorkflowCompletedAttrs struct {
		// Result is the opaque workflow result.
		Result cascade.Payload `json:"result,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// WorkflowFailedAttrs closes a run with a failure.
	WorkflowFailedAttrs struct {
		// Failure is the workflow failure.
		Failure *cascade.Failure `json:"failure,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// WorkflowTimedOutAttrs closes a run that exceeded its deadline.
	WorkflowTimedOutAttrs struct {
		// TimeoutKind is TimeoutRun for run timeouts.
		TimeoutKind policy.TimeoutKind `json:"timeout_kind"`
	}

	// WorkflowCancelledAttrs closes a run after cooperative cancellation.
	WorkflowCancelledAttrs struct {
		// Details is the opaque cancellation detail payload.
		Details cascade.Payload `json:"details,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}

	// WorkflowTerminatedAttrs closes a run by administrative action without
	// worker involvement.
	WorkflowTerminatedAttrs struct {
		// Reason is the operator-supplied reason.
		Reason string `json:"reason,omitempty"`
		// Identity identifies the operator, if provided.
		Identity string `json:"identity,omitempty"`
	}

	// WorkflowContinuedAsNewAttrs closes a run and links its successor.
	WorkflowContinuedAsNewAttrs struct {
		// NewRunID is the successor run's id.
		NewRunID string `json:"new_run_id"`
		// WorkflowType names the successor's workflow definition.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the successor's task queue.
		TaskQueue string `json:"task_queue"`
		// Input is the successor's opaque input.
		Input cascade.Payload `json:"input,omitempty"`
		// WorkflowTaskCompletedEventID references the commanding task.
		WorkflowTaskCompletedEventID int64 `json:"workflow_task_completed_event_id"`
	}
)

// Kind implementations tie each attribute struct to its event kind.

// Kind reports KindWorkflowStarted.
func (*WorkflowStartedAttrs) Kind() Kind { return KindWorkflowStarted }

// Kind reports KindWorkflowTaskScheduled.
func (*WorkflowTaskScheduledAttrs) Kind() Kind { return KindWorkflowTaskScheduled }

// Kind reports KindWorkflowTaskStarted.
func (*WorkflowTaskStartedAttrs) Kind() Kind { return KindWorkflowTaskStarted }

// Kind reports KindWorkflowTaskCompleted.
func (*WorkflowTaskCompletedAttrs) Kind() Kind { return KindWorkflowTaskCompleted }

// Kind reports KindWorkflowTaskFailed.
func (*WorkflowTaskFailedAttrs) Kind() Kind { return KindWorkflowTaskFailed }

// Kind reports KindWorkflowTaskTimedOut.
func (*WorkflowTaskTimedOutAttrs) Kind() Kind { return KindWorkflowTaskTimedOut }

// Kind reports KindActivityScheduled.
func (*ActivityScheduledAttrs) Kind() Kind { return KindActivityScheduled }

// Kind reports KindActivityStarted.
func (*ActivityStartedAttrs) Kind() Kind { return KindActivityStarted }

// Kind reports KindActivityCompleted.
func (*ActivityCompletedAttrs) Kind() Kind { return KindActivityCompleted }

// Kind reports KindActivityFailed.
func (*ActivityFailedAttrs) Kind() Kind { return KindActivityFailed }

// Kind reports KindActivityTimedOut.
func (*ActivityTimedOutAttrs) Kind() Kind { return KindActivityTimedOut }

// Kind reports KindActivityCancelRequested.
func (*ActivityCancelRequestedAttrs) Kind() Kind { return KindActivityCancelRequested }

// Kind reports KindActivityCancelled.
func (*ActivityCancelledAttrs) Kind() Kind { return KindActivityCancelled }

// Kind reports KindTimerStarted.
func (*TimerStartedAttrs) Kind() Kind { return KindTimerStarted }

// Kind reports KindTimerFired.
func (*TimerFiredAttrs) Kind() Kind { return KindTimerFired }

// Kind reports KindTimerCancelled.
func (*TimerCancelledAttrs) Kind() Kind { return KindTimerCancelled }

// Kind reports KindSignalReceived.
func (*SignalReceivedAttrs) Kind() Kind { return KindSignalReceived }

// Kind reports KindWorkflowCancelRequested.
func (*WorkflowCancelRequestedAttrs) Kind() Kind { return KindWorkflowCancelRequested }

// Kind reports KindUpdateAccepted.
func (*UpdateAcceptedAttrs) Kind() Kind { return KindUpdateAccepted }

// Kind reports KindUpdateRejected.
func (*UpdateRejectedAttrs) Kind() Kind { return KindUpdateRejected }

// Kind reports KindUpdateCompleted.
func (*UpdateCompletedAttrs) Kind() Kind { return KindUpdateCompleted }

// Kind reports KindChildWorkflowInitiated.
func (*ChildWorkflowInitiatedAttrs) Kind() Kind { return KindChildWorkflowInitiated }

// Kind reports KindChildWorkflowStarted.
func (*ChildWorkflowStartedAttrs) Kind() Kind { return KindChildWorkflowStarted }

// Kind reports KindChildWorkflowCompleted.
func (*ChildWorkflowCompletedAttrs) Kind() Kind { return KindChildWorkflowCompleted }

// Kind reports KindChildWorkflowFailed.
func (*ChildWorkflowFailedAttrs) Kind() Kind { return KindChildWorkflowFailed }

// Kind reports KindWorkflowCompleted.
func (*WorkflowCompletedAttrs) Kind() Kind { return KindWorkflowCompleted }

// Kind reports KindWorkflowFailed.
func (*WorkflowFailedAttrs) Kind() Kind { return KindWorkflowFailed }

// Kind reports KindWorkflowTimedOut.
func (*WorkflowTimedOutAttrs) Kind() Kind { return KindWorkflowTimedOut }

// Kind reports KindWorkflowCancelled.
func (*WorkflowCancelledAttrs) Kind() Kind { return KindWorkflowCancelled }

// Kind reports KindWorkflowTerminated.
func (*WorkflowTerminatedAttrs) Kind() Kind { return KindWorkflowTerminated }

// Kind reports KindWorkflowContinuedAsNew.
func (*WorkflowContinuedAsNewAttrs) Kind() Kind { return KindWorkflowContinuedAsNew }
