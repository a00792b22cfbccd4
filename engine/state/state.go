// Package state implements the mutable-state projection of a run's history.
// The projection is a pure fold over events: rebuilding from the full history
// and applying events incrementally produce identical state. The coordinator
// keeps one MutableState per cached run and rebuilds it from the history
// store after eviction or on append conflicts.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusRunning marks an open run.
	StatusRunning Status = "Running"
	// StatusCompleted marks a successfully closed run.
	StatusCompleted Status = "Completed"
	// StatusFailed marks a run closed with a failure.
	StatusFailed Status = "Failed"
	// StatusCancelled marks a run closed after cooperative cancellation.
	StatusCancelled Status = "Cancelled"
	// StatusTerminated marks a run closed by administrative action.
	StatusTerminated Status = "Terminated"
	// StatusTimedOut marks a run closed by its run timeout.
	StatusTimedOut Status = "TimedOut"
	// StatusContinuedAsNew marks a run closed with a successor run.
	StatusContinuedAsNew Status = "ContinuedAsNew"
)

// UpdateState is the lifecycle state of an update request.
type UpdateState string

const (
	// UpdateAccepted marks an update that passed its validator.
	UpdateAccepted UpdateState = "Accepted"
	// UpdateRejected marks an update rejected by its validator.
	UpdateRejected UpdateState = "Rejected"
	// UpdateCompleted marks an update whose handler finished.
	UpdateCompleted UpdateState = "Completed"
)

type (
	// MutableState is the derived cache of a run. Every field is a pure
	// function of the event sequence so an evicted state can be rebuilt
	// from history at any time.
	MutableState struct {
		// WorkflowID is the caller-supplied workflow identifier.
		WorkflowID string `json:"workflow_id"`
		// RunID is the engine-assigned run identifier.
		RunID string `json:"run_id"`
		// WorkflowType names the workflow definition.
		WorkflowType string `json:"workflow_type"`
		// TaskQueue is the run's workflow task queue.
		TaskQueue string `json:"task_queue"`
		// Status is the run lifecycle state.
		Status Status `json:"status"`
		// NextEventID is the id the next event will receive.
		NextEventID int64 `json:"next_event_id"`
		// StartTime is the WorkflowStarted event time.
		StartTime time.Time `json:"start_time"`
		// LastEventTime is the most recent event time.
		LastEventTime time.Time `json:"last_event_time"`
		// Timeouts are the effective workflow timeouts.
		Timeouts policy.WorkflowTimeouts `json:"timeouts"`
		// ExecutionDeadline bounds the continue-as-new chain. Zero means
		// unbounded.
		ExecutionDeadline time.Time `json:"execution_deadline,omitzero"`
		// ContinuedFromRunID links to the predecessor run, if any.
		ContinuedFromRunID string `json:"continued_from_run_id,omitempty"`
		// FirstRunID is the first run of the workflow id chain.
		FirstRunID string `json:"first_run_id,omitempty"`
		// ParentRunID is the parent run when this run is a child workflow.
		ParentRunID string `json:"parent_run_id,omitempty"`
		// ParentInitiatedEventID is the ChildWorkflowInitiated event id in
		// the parent run.
		ParentInitiatedEventID int64 `json:"parent_initiated_event_id,omitempty"`
		// StartRequestID is the dedup key of the start call, if provided.
		StartRequestID string `json:"start_request_id,omitempty"`
		// Memo carries the start call's opaque diagnostic payloads.
		Memo map[string]cascade.Payload `json:"memo,omitempty"`
		// SearchAttributes carries the start call's indexed metadata.
		SearchAttributes map[string]cascade.Payload `json:"search_attributes,omitempty"`
		// CancelRequested reports an external cancel request was delivered.
		CancelRequested bool `json:"cancel_requested,omitempty"`
		// StickyIdentity is the worker that completed the last workflow
		// task; the matcher offers subsequent tasks to it first.
		StickyIdentity string `json:"sticky_identity,omitempty"`
		// WorkflowTask is the pending workflow task, nil when none.
		WorkflowTask *WorkflowTaskInfo `json:"workflow_task,omitempty"`
		// LastCompletedWorkflowTaskEventID is the event id of the last
		// WorkflowTaskCompleted event, zero before any completion.
		LastCompletedWorkflowTaskEventID int64 `json:"last_completed_workflow_task_event_id,omitempty"`
		// LastStartedWorkflowTaskEventID is the WorkflowTaskStarted event id
		// of the last completed workflow task. Sticky deliveries send the
		// history suffix after this id.
		LastStartedWorkflowTaskEventID int64 `json:"last_started_workflow_task_event_id,omitempty"`
		// WorkAfterStartedTask reports that events needing a follow-up
		// workflow task arrived while a task was in flight.
		WorkAfterStartedTask bool `json:"work_after_started_task,omitempty"`
		// Activities maps ActivityScheduled event ids to pending activities.
		Activities map[int64]*ActivityInfo `json:"activities,omitempty"`
		// ActivityIDs maps activity ids to their scheduled event ids.
		ActivityIDs map[string]int64 `json:"activity_ids,omitempty"`
		// Timers maps timer ids to pending timers.
		Timers map[string]*TimerInfo `json:"timers,omitempty"`
		// Children maps ChildWorkflowInitiated event ids to pending
		// children.
		Children map[int64]*ChildInfo `json:"children,omitempty"`
		// Updates maps update ids to their state machines.
		Updates map[string]*UpdateInfo `json:"updates,omitempty"`
		// SignalRequestIDs dedups externally supplied signal request ids.
		SignalRequestIDs map[string]bool `json:"signal_request_ids,omitempty"`
		// CloseResult is the terminal result for completed runs.
		CloseResult cascade.Payload `json:"close_result,omitzero"`
		// CloseFailure is the terminal failure for failed runs.
		CloseFailure *cascade.Failure `json:"close_failure,omitempty"`
		// NewRunID is the successor run id after continue-as-new.
		NewRunID string `json:"new_run_id,omitempty"`
		// HistoryBytes approximates the encoded history size.
		HistoryBytes int64 `json:"history_bytes"`
	}

	// WorkflowTaskInfo tracks the single in-flight workflow task.
	WorkflowTaskInfo struct {
		// ScheduledEventID references the WorkflowTaskScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// StartedEventID references the WorkflowTaskStarted event, zero
		// until a worker claims the task.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// Attempt is the 1-based schedule attempt.
		Attempt int `json:"attempt"`
		// TaskQueue is the queue the task was scheduled on.
		TaskQueue string `json:"task_queue"`
		// StartToClose is the task lease duration.
		StartToClose time.Duration `json:"start_to_close,omitempty"`
		// Identity is the claiming worker, empty until started.
		Identity string `json:"identity,omitempty"`
	}

	// ActivityInfo tracks a pending activity.
	ActivityInfo struct {
		// ScheduledEventID references the ActivityScheduled event.
		ScheduledEventID int64 `json:"scheduled_event_id"`
		// ActivityID is the caller-assigned activity id.
		ActivityID string `json:"activity_id"`
		// ActivityType names the activity implementation.
		ActivityType string `json:"activity_type"`
		// TaskQueue is the dispatch queue.
		TaskQueue string `json:"task_queue"`
		// Input is the opaque activity input.
		Input cascade.Payload `json:"input,omitzero"`
		// Timeouts are the effective activity timeouts.
		Timeouts policy.ActivityTimeouts `json:"timeouts"`
		// RetryPolicy is the effective retry policy.
		RetryPolicy policy.Retry `json:"retry_policy"`
		// Attempt is the current 1-based attempt; 1 before any start.
		Attempt int `json:"attempt"`
		// StartedEventID references the current attempt's ActivityStarted
		// event, zero while waiting for a worker.
		StartedEventID int64 `json:"started_event_id,omitempty"`
		// ScheduledTime is the ActivityScheduled event time.
		ScheduledTime time.Time `json:"scheduled_time"`
		// StartedTime is the current attempt's start time.
		StartedTime time.Time `json:"started_time,omitzero"`
		// CancelRequested reports a cooperative cancel request.
		CancelRequested bool `json:"cancel_requested,omitempty"`
		// LastFailure is the failure of the previous attempt.
		LastFailure *cascade.Failure `json:"last_failure,omitempty"`
		// RetryBackoffUntil is the fire time of the pending retry backoff,
		// zero when no retry is in flight.
		RetryBackoffUntil time.Time `json:"retry_backoff_until,omitzero"`
		// LastHeartbeat is the latest heartbeat payload. Heartbeats are
		// recorded on mutable state only; they do not append events.
		LastHeartbeat cascade.Payload `json:"-"`
		// LastHeartbeatTime is when the latest heartbeat arrived.
		LastHeartbeatTime time.Time `json:"-"`
	}

	// TimerInfo tracks a pending timer.
	TimerInfo struct {
		// StartedEventID references the TimerStarted event.
		StartedEventID int64 `json:"started_event_id"`
		// TimerID is the caller-assigned timer id.
		TimerID string `json:"timer_id"`
		// FireAt is the fire instant in workflow time.
		FireAt time.Time `json:"fire_at"`
		// Internal marks engine-armed retry backoff timers.
		Internal bool `json:"internal,omitempty"`
		// ActivityScheduledEventID links internal backoff timers to the
		// activity they will re-dispatch.
		ActivityScheduledEventID int64 `json:"activity_scheduled_event_id,omitempty"`
	}

	// ChildInfo tracks a pending child workflow.
	ChildInfo struct {
		// InitiatedEventID references the ChildWorkflowInitiated event.
		InitiatedEventID int64 `json:"initiated_event_id"`
		// WorkflowID is the child's workflow id.
		WorkflowID string `json:"workflow_id"`
		// WorkflowType names the child's workflow definition.
		WorkflowType string `json:"workflow_type"`
		// RunID is the child's run id once started.
		RunID string `json:"run_id,omitempty"`
		// Started reports the child run has begun.
		Started bool `json:"started,omitempty"`
	}

	// UpdateInfo tracks an update's two-phase state machine.
	UpdateInfo struct {
		// UpdateID is the engine-assigned update id.
		UpdateID string `json:"update_id"`
		// Name is the update handler name.
		Name string `json:"name"`
		// State is the current lifecycle state.
		State UpdateState `json:"state"`
		// AcceptedEventID references the UpdateAccepted event.
		AcceptedEventID int64 `json:"accepted_event_id,omitempty"`
		// Result is the handler result for completed updates.
		Result cascade.Payload `json:"result,omitzero"`
		// Failure is the rejection or handler failure.
		Failure *cascade.Failure `json:"failure,omitempty"`
	}
)

// New returns the empty state of a run before any event.
func New(workflowID, runID string) *MutableState {
	return &MutableState{
		WorkflowID:       workflowID,
		RunID:            runID,
		NextEventID:      1,
		Activities:       make(map[int64]*ActivityInfo),
		ActivityIDs:      make(map[string]int64),
		Timers:           make(map[string]*TimerInfo),
		Children:         make(map[int64]*ChildInfo),
		Updates:          make(map[string]*UpdateInfo),
		SignalRequestIDs: make(map[string]bool),
	}
}

// Rebuild folds the full history into a fresh state.
func Rebuild(workflowID, runID string, events []*event.Event) (*MutableState, error) {
	ms := New(workflowID, runID)
	for _, e := range events {
		if err := ms.Apply(e); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

// Clone deep-copies the state through its JSON form. The coordinator
// validates command batches against a clone so a rejected batch leaves the
// cached state untouched.
func (ms *MutableState) Clone() (*MutableState, error) {
	data, err := json.Marshal(ms)
	if err != nil {
		return nil, fmt.Errorf("state: clone marshal: %w", err)
	}
	clone := new(MutableState)
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("state: clone unmarshal: %w", err)
	}
	if clone.Activities == nil {
		clone.Activities = make(map[int64]*ActivityInfo)
	}
	if clone.ActivityIDs == nil {
		clone.ActivityIDs = make(map[string]int64)
	}
	if clone.Timers == nil {
		clone.Timers = make(map[string]*TimerInfo)
	}
	if clone.Children == nil {
		clone.Children = make(map[int64]*ChildInfo)
	}
	if clone.Updates == nil {
		clone.Updates = make(map[string]*UpdateInfo)
	}
	if clone.SignalRequestIDs == nil {
		clone.SignalRequestIDs = make(map[string]bool)
	}
	return clone, nil
}

// Open reports whether the run is still running.
func (ms *MutableState) Open() bool { return ms.Status == StatusRunning }

// WorkflowTaskInFlight reports whether a workflow task has been claimed by a
// worker and not yet resolved.
func (ms *MutableState) WorkflowTaskInFlight() bool {
	return ms.WorkflowTask != nil && ms.WorkflowTask.StartedEventID != 0
}

// ActivityByID resolves an activity id to its pending info.
func (ms *MutableState) ActivityByID(activityID string) (*ActivityInfo, bool) {
	sid, ok := ms.ActivityIDs[activityID]
	if !ok {
		return nil, false
	}
	ai, ok := ms.Activities[sid]
	return ai, ok
}

// Apply folds one event into the state. Events must arrive in id order;
// gaps or replays report an error.
func (ms *MutableState) Apply(e *event.Event) error {
	if e.ID != ms.NextEventID {
		return fmt.Errorf("state: event id %d applied at next id %d", e.ID, ms.NextEventID)
	}
	if ms.Status != "" && ms.Status != StatusRunning {
		return fmt.Errorf("state: event %s after run closed", e.Kind())
	}
	rec, err := event.EncodeRecord(e)
	if err != nil {
		return err
	}

	switch attrs := e.Attributes.(type) {
	case *event.WorkflowStartedAttrs:
		if attrs.WorkflowID != "" {
			ms.WorkflowID = attrs.WorkflowID
		}
		ms.WorkflowType = attrs.WorkflowType
		ms.TaskQueue = attrs.TaskQueue
		ms.Status = StatusRunning
		ms.StartTime = e.Time
		ms.Timeouts = attrs.Timeouts
		ms.ExecutionDeadline = attrs.ExecutionDeadline
		ms.ContinuedFromRunID = attrs.ContinuedFromRunID
		ms.FirstRunID = attrs.FirstRunID
		ms.ParentRunID = attrs.ParentRunID
		ms.ParentInitiatedEventID = attrs.ParentInitiatedEventID
		ms.StartRequestID = attrs.RequestID
		ms.Memo = attrs.Memo
		ms.SearchAttributes = attrs.SearchAttributes

	case *event.WorkflowTaskScheduledAttrs:
		if ms.WorkflowTask != nil {
			return fmt.Errorf("state: workflow task already scheduled at event %d", ms.WorkflowTask.ScheduledEventID)
		}
		ms.WorkflowTask = &WorkflowTaskInfo{
			ScheduledEventID: e.ID,
			Attempt:          attrs.Attempt,
			TaskQueue:        attrs.TaskQueue,
			StartToClose:     attrs.StartToClose,
		}

	case *event.WorkflowTaskStartedAttrs:
		if ms.WorkflowTask == nil || ms.WorkflowTask.ScheduledEventID != attrs.ScheduledEventID {
			return fmt.Errorf("state: workflow task started without matching schedule")
		}
		ms.WorkflowTask.StartedEventID = e.ID
		ms.WorkflowTask.Identity = attrs.Identity
		ms.WorkAfterStartedTask = false

	case *event.WorkflowTaskCompletedAttrs:
		ms.LastCompletedWorkflowTaskEventID = e.ID
		ms.LastStartedWorkflowTaskEventID = attrs.StartedEventID
		ms.StickyIdentity = attrs.Identity
		ms.WorkflowTask = nil

	case *event.WorkflowTaskFailedAttrs:
		ms.WorkflowTask = nil
		ms.StickyIdentity = ""

	case *event.WorkflowTaskTimedOutAttrs:
		ms.WorkflowTask = nil
		ms.StickyIdentity = ""

	case *event.ActivityScheduledAttrs:
		if _, dup := ms.ActivityIDs[attrs.ActivityID]; dup {
			return fmt.Errorf("state: activity %q already scheduled", attrs.ActivityID)
		}
		ms.Activities[e.ID] = &ActivityInfo{
			ScheduledEventID: e.ID,
			ActivityID:       attrs.ActivityID,
			ActivityType:     attrs.ActivityType,
			TaskQueue:        attrs.TaskQueue,
			Input:            attrs.Input,
			Timeouts:         attrs.Timeouts,
			RetryPolicy:      attrs.RetryPolicy,
			Attempt:          1,
			ScheduledTime:    e.Time,
		}
		ms.ActivityIDs[attrs.ActivityID] = e.ID

	case *event.ActivityStartedAttrs:
		ai, ok := ms.Activities[attrs.ScheduledEventID]
		if !ok {
			return fmt.Errorf("state: activity started for unknown schedule %d", attrs.ScheduledEventID)
		}
		ai.StartedEventID = e.ID
		ai.StartedTime = e.Time
		ai.Attempt = attrs.Attempt
		ai.LastFailure = attrs.LastFailure
		ai.RetryBackoffUntil = time.Time{}

	case *event.ActivityCompletedAttrs:
		if err := ms.closeActivity(attrs.ScheduledEventID); err != nil {
			return err
		}
		ms.noteWorkWhileTaskInFlight()

	case *event.ActivityFailedAttrs:
		ai, ok := ms.Activities[attrs.ScheduledEventID]
		if !ok {
			return fmt.Errorf("state: activity failed for unknown schedule %d", attrs.ScheduledEventID)
		}
		if attrs.RetryScheduled {
			ai.StartedEventID = 0
			ai.StartedTime = time.Time{}
			ai.LastFailure = attrs.Failure
		} else {
			if err := ms.closeActivity(attrs.ScheduledEventID); err != nil {
				return err
			}
			ms.noteWorkWhileTaskInFlight()
		}

	case *event.ActivityTimedOutAttrs:
		ai, ok := ms.Activities[attrs.ScheduledEventID]
		if !ok {
			return fmt.Errorf("state: activity timed out for unknown schedule %d", attrs.ScheduledEventID)
		}
		if attrs.RetryScheduled {
			ai.StartedEventID = 0
			ai.StartedTime = time.Time{}
			ai.LastFailure = &cascade.Failure{Message: "activity timed out", Type: attrs.TimeoutKind.ErrorType()}
		} else {
			if err := ms.closeActivity(attrs.ScheduledEventID); err != nil {
				return err
			}
			ms.noteWorkWhileTaskInFlight()
		}

	case *event.ActivityCancelRequestedAttrs:
		ai, ok := ms.Activities[attrs.ScheduledEventID]
		if !ok {
			return fmt.Errorf("state: cancel requested for unknown schedule %d", attrs.ScheduledEventID)
		}
		ai.CancelRequested = true

	case *event.ActivityCancelledAttrs:
		if err := ms.closeActivity(attrs.ScheduledEventID); err != nil {
			return err
		}
		ms.noteWorkWhileTaskInFlight()

	case *event.TimerStartedAttrs:
		if _, dup := ms.Timers[attrs.TimerID]; dup {
			return fmt.Errorf("state: timer %q already started", attrs.TimerID)
		}
		ms.Timers[attrs.TimerID] = &TimerInfo{
			StartedEventID:           e.ID,
			TimerID:                  attrs.TimerID,
			FireAt:                   e.Time.Add(attrs.FireAfter),
			Internal:                 attrs.Internal,
			ActivityScheduledEventID: attrs.ActivityScheduledEventID,
		}

	case *event.TimerFiredAttrs:
		if _, ok := ms.Timers[attrs.TimerID]; !ok {
			return fmt.Errorf("state: fired unknown timer %q", attrs.TimerID)
		}
		delete(ms.Timers, attrs.TimerID)
		ms.noteWorkWhileTaskInFlight()

	case *event.TimerCancelledAttrs:
		if _, ok := ms.Timers[attrs.TimerID]; !ok {
			return fmt.Errorf("state: cancelled unknown timer %q", attrs.TimerID)
		}
		delete(ms.Timers, attrs.TimerID)

	case *event.SignalReceivedAttrs:
		if attrs.RequestID != "" {
			ms.SignalRequestIDs[attrs.RequestID] = true
		}
		ms.noteWorkWhileTaskInFlight()

	case *event.WorkflowCancelRequestedAttrs:
		ms.CancelRequested = true
		ms.noteWorkWhileTaskInFlight()

	case *event.UpdateAcceptedAttrs:
		ms.Updates[attrs.UpdateID] = &UpdateInfo{
			UpdateID:        attrs.UpdateID,
			Name:            attrs.Name,
			State:           UpdateAccepted,
			AcceptedEventID: e.ID,
		}

	case *event.UpdateRejectedAttrs:
		ms.Updates[attrs.UpdateID] = &UpdateInfo{
			UpdateID: attrs.UpdateID,
			Name:     attrs.Name,
			State:    UpdateRejected,
			Failure:  attrs.Failure,
		}

	case *event.UpdateCompletedAttrs:
		ui, ok := ms.Updates[attrs.UpdateID]
		if !ok || ui.State != UpdateAccepted {
			return fmt.Errorf("state: update %q completed without acceptance", attrs.UpdateID)
		}
		ui.State = UpdateCompleted
		ui.Result = attrs.Result
		ui.Failure = attrs.Failure

	case *event.ChildWorkflowInitiatedAttrs:
		ms.Children[e.ID] = &ChildInfo{
			InitiatedEventID: e.ID,
			WorkflowID:       attrs.WorkflowID,
			WorkflowType:     attrs.WorkflowType,
		}

	case *event.ChildWorkflowStartedAttrs:
		ci, ok := ms.Children[attrs.InitiatedEventID]
		if !ok {
			return fmt.Errorf("state: child started for unknown initiation %d", attrs.InitiatedEventID)
		}
		ci.RunID = attrs.RunID
		ci.Started = true

	case *event.ChildWorkflowCompletedAttrs:
		if _, ok := ms.Children[attrs.InitiatedEventID]; !ok {
			return fmt.Errorf("state: child completed for unknown initiation %d", attrs.InitiatedEventID)
		}
		delete(ms.Children, attrs.InitiatedEventID)
		ms.noteWorkWhileTaskInFlight()

	case *event.ChildWorkflowFailedAttrs:
		if _, ok := ms.Children[attrs.InitiatedEventID]; !ok {
			return fmt.Errorf("state: child failed for unknown initiation %d", attrs.InitiatedEventID)
		}
		delete(ms.Children, attrs.InitiatedEventID)
		ms.noteWorkWhileTaskInFlight()

	case *event.WorkflowCompletedAttrs:
		ms.Status = StatusCompleted
		ms.CloseResult = attrs.Result

	case *event.WorkflowFailedAttrs:
		ms.Status = StatusFailed
		ms.CloseFailure = attrs.Failure

	case *event.WorkflowTimedOutAttrs:
		ms.Status = StatusTimedOut
		ms.CloseFailure = &cascade.Failure{Message: "workflow run timed out", Type: policy.TimeoutRun.ErrorType()}

	case *event.WorkflowCancelledAttrs:
		ms.Status = StatusCancelled

	case *event.WorkflowTerminatedAttrs:
		ms.Status = StatusTerminated
		ms.CloseFailure = &cascade.Failure{Message: attrs.Reason, Type: "Terminated"}

	case *event.WorkflowContinuedAsNewAttrs:
		ms.Status = StatusContinuedAsNew
		ms.NewRunID = attrs.NewRunID

	case *event.RawAttributes:
		// Unknown kinds pass through: forward compatibility requires
		// tolerating newer event types in history.

	default:
		return fmt.Errorf("state: unhandled event kind %s", e.Kind())
	}

	ms.NextEventID = e.ID + 1
	ms.LastEventTime = e.Time
	ms.HistoryBytes += int64(len(rec))
	return nil
}

func (ms *MutableState) closeActivity(scheduledEventID int64) error {
	ai, ok := ms.Activities[scheduledEventID]
	if !ok {
		return fmt.Errorf("state: close of unknown activity schedule %d", scheduledEventID)
	}
	delete(ms.ActivityIDs, ai.ActivityID)
	delete(ms.Activities, scheduledEventID)
	return nil
}

// noteWorkWhileTaskInFlight records that an event requiring workflow
// attention arrived while a workflow task was already claimed; the
// coordinator schedules a follow-up task right after the in-flight one
// resolves.
func (ms *MutableState) noteWorkWhileTaskInFlight() {
	if ms.WorkflowTaskInFlight() {
		ms.WorkAfterStartedTask = true
	}
}
