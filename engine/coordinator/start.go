package coordinator

import (
	"context"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/visibility"
	"goa.design/cascade/telemetry"
)

// IDReusePolicy governs starting a workflow id that has prior runs.
type IDReusePolicy string

const (
	// ReuseAllowDuplicate permits a new run whenever no run is open.
	ReuseAllowDuplicate IDReusePolicy = "AllowDuplicate"
	// ReuseAllowDuplicateFailedOnly permits a new run only when the previous
	// run closed abnormally.
	ReuseAllowDuplicateFailedOnly IDReusePolicy = "AllowDuplicateFailedOnly"
	// ReuseRejectDuplicate rejects any reuse of the workflow id.
	ReuseRejectDuplicate IDReusePolicy = "RejectDuplicate"
	// ReuseTerminateIfRunning terminates the open run, then starts.
	ReuseTerminateIfRunning IDReusePolicy = "TerminateIfRunning"
)

// StartRequest carries a StartWorkflow call.
type StartRequest struct {
	// WorkflowID is the caller-supplied workflow identifier.
	WorkflowID string
	// WorkflowType names the workflow definition.
	WorkflowType string
	// TaskQueue is the workflow task queue.
	TaskQueue string
	// Input is the opaque workflow input.
	Input cascade.Payload
	// Timeouts are the requested workflow timeouts; zero fields default.
	Timeouts policy.WorkflowTimeouts
	// RetryPolicy optionally configures automatic workflow restarts.
	RetryPolicy *policy.Retry
	// IDReusePolicy defaults to AllowDuplicate.
	IDReusePolicy IDReusePolicy
	// RequestID dedups retried start calls.
	RequestID string
	// Memo carries small opaque diagnostic payloads.
	Memo map[string]cascade.Payload
	// SearchAttributes carries indexed visibility metadata.
	SearchAttributes map[string]cascade.Payload
}

// runSpec is a StartRequest plus the engine-internal linkage of continued,
// reset and child runs.
type runSpec struct {
	StartRequest
	runID                  string
	attempt                int
	continuedFrom          string
	firstRunID             string
	executionDeadline      time.Time
	parentRunID            string
	parentInitiatedEventID int64
	signal                 *event.SignalReceivedAttrs
	prefix                 []*event.Event // reset re-issue, replaces the start batch
}

func (r *StartRequest) validate() error {
	if r.WorkflowID == "" {
		return cascade.NewError(cascade.CodeClient, "workflow id is required")
	}
	if r.WorkflowType == "" {
		return cascade.NewError(cascade.CodeClient, "workflow type is required")
	}
	if r.TaskQueue == "" {
		return cascade.NewError(cascade.CodeClient, "task queue is required")
	}
	switch r.IDReusePolicy {
	case "", ReuseAllowDuplicate, ReuseAllowDuplicateFailedOnly, ReuseRejectDuplicate, ReuseTerminateIfRunning:
		return nil
	}
	return cascade.NewError(cascade.CodeClient, "unknown id reuse policy %q", r.IDReusePolicy)
}

// StartWorkflow creates a run and schedules its first workflow task. It
// returns the new run id, or the open run's id when the request id matches a
// retried start.
func (c *Coordinator) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	return c.start(ctx, req, nil)
}

// SignalWithStart starts the workflow if no run is open and delivers the
// signal either way.
func (c *Coordinator) SignalWithStart(ctx context.Context, req StartRequest, signalName string, signalInput cascade.Payload, signalRequestID string) (string, error) {
	if signalName == "" {
		return "", cascade.NewError(cascade.CodeClient, "signal name is required")
	}
	sig := &event.SignalReceivedAttrs{Name: signalName, Input: signalInput, RequestID: signalRequestID}
	return c.start(ctx, req, sig)
}

func (c *Coordinator) start(ctx context.Context, req StartRequest, sig *event.SignalReceivedAttrs) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	if openRunID := c.openRunID(ctx, req.WorkflowID); openRunID != "" {
		h, err := c.loadRun(ctx, openRunID)
		if err == nil {
			h.mu.Lock()
			open := h.ms.Open()
			sameRequest := req.RequestID != "" && h.ms.StartRequestID == req.RequestID
			h.mu.Unlock()
			if open {
				if sameRequest {
					return openRunID, nil
				}
				if sig != nil {
					// Signal-with-start signals the open run instead of
					// starting a new one.
					if err := c.signalHandle(ctx, h, sig); err != nil {
						return "", err
					}
					return openRunID, nil
				}
				if req.IDReusePolicy == ReuseTerminateIfRunning {
					if err := c.terminateHandle(ctx, h, "terminated by TerminateIfRunning start", ""); err != nil {
						return "", err
					}
				} else {
					return "", cascade.NewTypedError(cascade.CodePrecondition, "WorkflowAlreadyRunning",
						"workflow %q already has an open run %q", req.WorkflowID, openRunID)
				}
			}
		}
	}

	if err := c.checkIDReuse(ctx, req); err != nil {
		return "", err
	}

	spec := runSpec{StartRequest: req, runID: c.newID(), attempt: 1}
	spec.firstRunID = spec.runID
	spec.signal = sig
	return c.createRun(ctx, spec)
}

// openRunID resolves the open run for a workflow id from the in-process
// index, falling back to visibility.
func (c *Coordinator) openRunID(ctx context.Context, workflowID string) string {
	c.mu.Lock()
	runID := c.open[workflowID]
	c.mu.Unlock()
	if runID != "" {
		return runID
	}
	if c.visibility != nil {
		if rec, err := c.visibility.GetOpenByWorkflowID(ctx, workflowID); err == nil {
			return rec.RunID
		}
	}
	return ""
}

// checkIDReuse enforces the id-reuse policy against closed runs.
func (c *Coordinator) checkIDReuse(ctx context.Context, req StartRequest) error {
	if c.visibility == nil {
		return nil
	}
	switch req.IDReusePolicy {
	case ReuseRejectDuplicate:
		recs, err := c.visibility.List(ctx, visibility.Filter{WorkflowIDPrefix: req.WorkflowID}, 0)
		if err != nil {
			return cascade.WrapError(cascade.CodeTransient, err, "list runs for workflow %q", req.WorkflowID)
		}
		for _, rec := range recs {
			if rec.WorkflowID == req.WorkflowID {
				return cascade.NewTypedError(cascade.CodePrecondition, "IDReusePolicy",
					"workflow id %q was already used and the reuse policy rejects duplicates", req.WorkflowID)
			}
		}
	case ReuseAllowDuplicateFailedOnly:
		recs, err := c.visibility.List(ctx, visibility.Filter{WorkflowIDPrefix: req.WorkflowID}, 0)
		if err != nil {
			return cascade.WrapError(cascade.CodeTransient, err, "list runs for workflow %q", req.WorkflowID)
		}
		for _, rec := range recs {
			if rec.WorkflowID != req.WorkflowID {
				continue
			}
			switch rec.Status {
			case string(state.StatusFailed), string(state.StatusTerminated), string(state.StatusTimedOut):
				return nil
			case string(state.StatusContinuedAsNew):
				continue
			default:
				return cascade.NewTypedError(cascade.CodePrecondition, "IDReusePolicy",
					"workflow id %q last closed %s; reuse is allowed after failures only", req.WorkflowID, rec.Status)
			}
		}
	}
	return nil
}

// createRun writes the start batch, registers the run and arms its deadline
// timers.
func (c *Coordinator) createRun(ctx context.Context, spec runSpec) (string, error) {
	timeouts := spec.Timeouts.Normalize(c.defaults.WorkflowTimeouts)
	execDeadline := spec.executionDeadline
	if execDeadline.IsZero() && timeouts.Execution > 0 {
		execDeadline = c.now().Add(timeouts.Execution)
	}

	h := newRunHandle(spec.runID, state.New(spec.WorkflowID, spec.runID))
	h.ms.WorkflowID = spec.WorkflowID

	c.mu.Lock()
	if existing := c.open[spec.WorkflowID]; existing != "" && spec.continuedFrom == "" {
		c.mu.Unlock()
		return "", cascade.NewTypedError(cascade.CodePrecondition, "WorkflowAlreadyRunning",
			"workflow %q already has an open run %q", spec.WorkflowID, existing)
	}
	c.runs[spec.runID] = h
	c.open[spec.WorkflowID] = spec.runID
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if len(spec.prefix) > 0 {
		err = c.appendPrefixLocked(ctx, h, spec.prefix)
	} else {
		attrs := []event.Attributes{
			&event.WorkflowStartedAttrs{
				WorkflowID:             spec.WorkflowID,
				WorkflowType:           spec.WorkflowType,
				TaskQueue:              spec.TaskQueue,
				Input:                  spec.Input,
				Timeouts:               timeouts,
				RetryPolicy:            spec.RetryPolicy,
				Attempt:                spec.attempt,
				ContinuedFromRunID:     spec.continuedFrom,
				FirstRunID:             spec.firstRunID,
				ExecutionDeadline:      execDeadline,
				Memo:                   spec.Memo,
				SearchAttributes:       spec.SearchAttributes,
				RequestID:              spec.RequestID,
				ParentRunID:            spec.parentRunID,
				ParentInitiatedEventID: spec.parentInitiatedEventID,
			},
		}
		if spec.signal != nil {
			attrs = append(attrs, spec.signal)
		}
		attrs = append(attrs, &event.WorkflowTaskScheduledAttrs{
			TaskQueue:    spec.TaskQueue,
			StartToClose: c.taskTimeout(&state.MutableState{Timeouts: timeouts}),
			Attempt:      1,
		})
		var events []*event.Event
		events, err = c.appendLocked(ctx, h, attrs...)
		if err == nil {
			c.enqueueWorkflowTaskLocked(h, events[len(events)-1].ID)
		}
	}
	if err != nil {
		c.mu.Lock()
		delete(c.runs, spec.runID)
		if c.open[spec.WorkflowID] == spec.runID {
			delete(c.open, spec.WorkflowID)
		}
		c.mu.Unlock()
		return "", err
	}

	c.armRunDeadlinesLocked(h)
	c.metrics.IncCounter(telemetry.MetricRunsStarted, 1)
	c.logger.Info(ctx, "run started", "run_id", spec.runID, "workflow_id", spec.WorkflowID, "workflow_type", spec.WorkflowType)
	return spec.runID, nil
}

// appendPrefixLocked re-issues a reset prefix under the new run id and
// rehydrates the resulting state's pending work.
func (c *Coordinator) appendPrefixLocked(ctx context.Context, h *runHandle, prefix []*event.Event) error {
	if err := c.history.AppendBatch(ctx, h.runID, 1, prefix); err != nil {
		return cascade.WrapError(cascade.CodeTransient, err, "append reset prefix to run %q", h.runID)
	}
	c.metrics.IncCounter(telemetry.MetricAppends, 1)
	for _, e := range prefix {
		if err := h.ms.Apply(e); err != nil {
			return cascade.WrapError(cascade.CodeTransient, err, "apply reset prefix event %d", e.ID)
		}
	}
	c.recordVisibilityLocked(h)
	c.rehydrateLocked(h)
	return nil
}

// armRunDeadlinesLocked arms the run and execution timeout timers.
func (c *Coordinator) armRunDeadlinesLocked(h *runHandle) {
	runID := h.runID
	if h.ms.Timeouts.Run > 0 {
		at := h.ms.StartTime.Add(h.ms.Timeouts.Run)
		h.runTimer = c.timers.Schedule(at, func() { c.runDeadlineFired(runID, policy.TimeoutRun) })
	}
	if !h.ms.ExecutionDeadline.IsZero() {
		h.execTimer = c.timers.Schedule(h.ms.ExecutionDeadline, func() { c.runDeadlineFired(runID, policy.TimeoutRun) })
	}
}

// runDeadlineFired closes a run that exceeded its run or execution deadline.
func (c *Coordinator) runDeadlineFired(runID string, kind policy.TimeoutKind) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ms.Open() {
		return
	}
	c.metrics.IncCounter(telemetry.MetricTimeouts, 1, "kind", string(kind))
	if _, err := c.appendLocked(ctx, h, &event.WorkflowTimedOutAttrs{TimeoutKind: kind}); err != nil {
		c.logger.Error(ctx, "close timed out run", "run_id", runID, "err", err)
	}
}

// rehydrateLocked re-arms the side effects implied by an open state: pending
// task dispatches and deadline timers. Called after process restart, reset
// prefix replay and cache reload.
func (c *Coordinator) rehydrateLocked(h *runHandle) {
	ms := h.ms
	if !ms.Open() {
		return
	}
	c.armRunDeadlinesLocked(h)

	if wt := ms.WorkflowTask; wt != nil {
		if wt.StartedEventID == 0 {
			c.enqueueWorkflowTaskLocked(h, wt.ScheduledEventID)
		} else {
			// The lease outlived the process; let it expire now.
			c.armWorkflowTaskTimerLocked(h, 0)
		}
	}
	for sid, ai := range ms.Activities {
		if ai.StartedEventID != 0 {
			c.armActivityAttemptTimersLocked(h, sid, ai.StartedEventID)
			continue
		}
		if !c.hasPendingRetryLocked(h, sid) {
			c.dispatchActivityLocked(h, sid)
		}
	}
	for _, ti := range ms.Timers {
		c.armTimerFireLocked(h, ti.TimerID, ti.StartedEventID, ti.FireAt)
	}
}

// hasPendingRetryLocked reports whether an internal retry backoff timer is
// pending for the activity.
func (c *Coordinator) hasPendingRetryLocked(h *runHandle, scheduledEventID int64) bool {
	for _, ti := range h.ms.Timers {
		if ti.Internal && ti.ActivityScheduledEventID == scheduledEventID {
			return true
		}
	}
	return false
}

// startContinuedRun creates the successor run recorded by a continue-as-new
// event.
func (c *Coordinator) startContinuedRun(prev *state.MutableState, attrs *event.WorkflowContinuedAsNewAttrs) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spec := runSpec{
		StartRequest: StartRequest{
			WorkflowID:   prev.WorkflowID,
			WorkflowType: attrs.WorkflowType,
			TaskQueue:    attrs.TaskQueue,
			Input:        attrs.Input,
			Timeouts:     prev.Timeouts,
			Memo:         prev.Memo,
		},
		runID:             attrs.NewRunID,
		attempt:           1,
		continuedFrom:     prev.RunID,
		firstRunID:        prev.FirstRunID,
		executionDeadline: prev.ExecutionDeadline,
	}
	if spec.firstRunID == "" {
		spec.firstRunID = prev.RunID
	}
	if _, err := c.createRun(ctx, spec); err != nil {
		c.logger.Error(ctx, "start continued run", "workflow_id", prev.WorkflowID, "new_run_id", attrs.NewRunID, "err", err)
	}
}

// startChildRun creates a child run on behalf of a parent's initiate event
// and records the outcome back on the parent.
func (c *Coordinator) startChildRun(parentRunID string, initiatedEventID int64, attrs *event.ChildWorkflowInitiatedAttrs) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spec := runSpec{
		StartRequest: StartRequest{
			WorkflowID:   attrs.WorkflowID,
			WorkflowType: attrs.WorkflowType,
			TaskQueue:    attrs.TaskQueue,
			Input:        attrs.Input,
			Timeouts:     attrs.Timeouts,
		},
		runID:                  c.newID(),
		attempt:                1,
		parentRunID:            parentRunID,
		parentInitiatedEventID: initiatedEventID,
	}
	spec.firstRunID = spec.runID

	childRunID, err := c.createRun(ctx, spec)

	ph := c.handleFor(parentRunID)
	if ph == nil {
		return
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if !ph.ms.Open() {
		return
	}
	if _, ok := ph.ms.Children[initiatedEventID]; !ok {
		return
	}
	if err != nil {
		failed := &event.ChildWorkflowFailedAttrs{
			InitiatedEventID: initiatedEventID,
			Failure:          cascade.FailureFromError(err),
		}
		if _, aerr := c.appendLocked(ctx, ph, failed); aerr != nil {
			c.logger.Error(ctx, "record child start failure", "run_id", parentRunID, "err", aerr)
			return
		}
	} else {
		started := &event.ChildWorkflowStartedAttrs{InitiatedEventID: initiatedEventID, RunID: childRunID}
		if _, aerr := c.appendLocked(ctx, ph, started); aerr != nil {
			c.logger.Error(ctx, "record child start", "run_id", parentRunID, "err", aerr)
			return
		}
	}
	c.scheduleWorkflowTaskLocked(ctx, ph)
}

// notifyParent reports a closed child run to its parent. Called with the
// child handle locked.
func (c *Coordinator) notifyParent(child *runHandle) {
	parentRunID := child.ms.ParentRunID
	initiatedEventID := child.ms.ParentInitiatedEventID
	childRunID := child.runID
	status := child.ms.Status
	result := child.ms.CloseResult
	failure := child.ms.CloseFailure

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ph, err := c.loadRun(ctx, parentRunID)
		if err != nil {
			c.logger.Warn(ctx, "notify parent of child close", "parent_run_id", parentRunID, "err", err)
			return
		}
		ph.mu.Lock()
		defer ph.mu.Unlock()
		if !ph.ms.Open() {
			return
		}
		if _, ok := ph.ms.Children[initiatedEventID]; !ok {
			return
		}
		var attrs event.Attributes
		if status == state.StatusCompleted {
			attrs = &event.ChildWorkflowCompletedAttrs{InitiatedEventID: initiatedEventID, RunID: childRunID, Result: result}
		} else {
			f := failure
			if f == nil {
				f = &cascade.Failure{Message: "child workflow closed " + string(status), Type: string(status)}
			}
			attrs = &event.ChildWorkflowFailedAttrs{InitiatedEventID: initiatedEventID, RunID: childRunID, Failure: f}
		}
		if _, err := c.appendLocked(ctx, ph, attrs); err != nil {
			c.logger.Error(ctx, "append child close to parent", "parent_run_id", parentRunID, "err", err)
			return
		}
		c.scheduleWorkflowTaskLocked(ctx, ph)
	}()
}
