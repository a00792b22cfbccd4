package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/queue"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/engine/visibility"
)

type (
	// RunDescription is the point-in-time summary returned by
	// DescribeWorkflow.
	RunDescription struct {
		// WorkflowID is the caller-supplied workflow identifier.
		WorkflowID string
		// RunID is the described run.
		RunID string
		// WorkflowType names the workflow definition.
		WorkflowType string
		// TaskQueue is the run's workflow task queue.
		TaskQueue string
		// Status is the run lifecycle state.
		Status state.Status
		// Stuck reports the run stopped scheduling workflow tasks pending
		// operator action.
		Stuck bool
		// CancelRequested reports a delivered cancel request.
		CancelRequested bool
		// StartTime is when the run started.
		StartTime time.Time
		// CloseTime is when the run closed, zero while open.
		CloseTime time.Time
		// HistoryLength is the current event count.
		HistoryLength int64
		// ContinuedFromRunID links to the predecessor run, if any.
		ContinuedFromRunID string
		// NewRunID is the successor run after continue-as-new.
		NewRunID string
		// ParentRunID is the parent run for child workflows.
		ParentRunID string
		// PendingActivities lists activities awaiting completion.
		PendingActivities []PendingActivity
		// PendingTimers lists armed workflow timers.
		PendingTimers []PendingTimer
		// PendingChildren lists running child workflows.
		PendingChildren []PendingChild
		// Memo carries the start call's opaque diagnostic payloads.
		Memo map[string]cascade.Payload
		// SearchAttributes is the current visibility attribute set.
		SearchAttributes map[string]cascade.Payload
	}

	// PendingActivity summarizes one in-flight activity.
	PendingActivity struct {
		ActivityID   string
		ActivityType string
		Attempt      int
		Started      bool
		LastFailure  *cascade.Failure
	}

	// PendingTimer summarizes one armed workflow timer.
	PendingTimer struct {
		TimerID string
		FireAt  time.Time
	}

	// PendingChild summarizes one running child workflow.
	PendingChild struct {
		WorkflowID string
		RunID      string
	}

	// UpdateResult is the outcome of UpdateWorkflow at the requested wait
	// stage.
	UpdateResult struct {
		// UpdateID identifies the update for later polling.
		UpdateID string
		// State is the lifecycle state reached when the wait returned.
		State state.UpdateState
		// Result is the handler result for completed updates.
		Result cascade.Payload
		// Failure is the rejection or handler failure, if any.
		Failure *cascade.Failure
	}
)

// SignalWorkflow delivers an external signal to the open run of the workflow.
func (c *Coordinator) SignalWorkflow(ctx context.Context, workflowID, runID, name string, input cascade.Payload, requestID, identity string) error {
	if name == "" {
		return cascade.NewError(cascade.CodeClient, "signal name is required")
	}
	h, err := c.resolveRun(ctx, workflowID, runID, false)
	if err != nil {
		return err
	}
	return c.signalHandle(ctx, h, &event.SignalReceivedAttrs{
		Name:      name,
		Input:     input,
		Identity:  identity,
		RequestID: requestID,
	})
}

func (c *Coordinator) signalHandle(ctx context.Context, h *runHandle, sig *event.SignalReceivedAttrs) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	if !ms.Open() {
		return cascade.NewTypedError(cascade.CodePrecondition, "WorkflowClosed",
			"run %q is closed and cannot receive signals", h.runID)
	}
	if sig.RequestID != "" && ms.SignalRequestIDs[sig.RequestID] {
		return nil
	}
	if _, err := c.appendLocked(ctx, h, sig); err != nil {
		return err
	}
	c.scheduleWorkflowTaskLocked(ctx, h)
	return nil
}

// CancelWorkflow records a cooperative cancel request on the open run.
// Idempotent: repeated requests after the first are absorbed.
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID, runID, reason, identity string) error {
	h, err := c.resolveRun(ctx, workflowID, runID, false)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	if !ms.Open() {
		return cascade.NewTypedError(cascade.CodePrecondition, "WorkflowClosed",
			"run %q is closed and cannot be cancelled", h.runID)
	}
	if ms.CancelRequested {
		return nil
	}
	if _, err := c.appendLocked(ctx, h, &event.WorkflowCancelRequestedAttrs{
		Reason:   reason,
		Identity: identity,
	}); err != nil {
		return err
	}
	c.scheduleWorkflowTaskLocked(ctx, h)
	return nil
}

// TerminateWorkflow closes the open run immediately without worker
// involvement.
func (c *Coordinator) TerminateWorkflow(ctx context.Context, workflowID, runID, reason, identity string) error {
	h, err := c.resolveRun(ctx, workflowID, runID, false)
	if err != nil {
		return err
	}
	return c.terminateHandle(ctx, h, reason, identity)
}

func (c *Coordinator) terminateHandle(ctx context.Context, h *runHandle, reason, identity string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ms.Open() {
		return cascade.NewTypedError(cascade.CodePrecondition, "WorkflowClosed",
			"run %q is already closed", h.runID)
	}
	_, err := c.appendLocked(ctx, h, &event.WorkflowTerminatedAttrs{Reason: reason, Identity: identity})
	return err
}

// QueryWorkflow asks workflow code a read-only question. The query rides a
// transient task that appends no events, so it works on closed runs too.
func (c *Coordinator) QueryWorkflow(ctx context.Context, workflowID, runID, name string, args cascade.Payload) (cascade.Payload, error) {
	if name == "" {
		return cascade.Payload{}, cascade.NewError(cascade.CodeClient, "query name is required")
	}
	h, err := c.resolveRun(ctx, workflowID, runID, true)
	if err != nil {
		return cascade.Payload{}, err
	}

	h.mu.Lock()
	seq := h.nextQuery + 1
	h.nextQuery = seq
	pq := &pendingQuery{
		id:   fmt.Sprintf("q-%d", seq),
		done: make(chan queryOutcome, 1),
	}
	pq.req = task.QueryRequest{QueryID: pq.id, Name: name, Args: args}
	h.queries[pq.id] = pq
	queueName := h.ms.TaskQueue
	workflowType := h.ms.WorkflowType
	runRef := h.runID
	queryID := pq.id
	h.mu.Unlock()

	// Answering a query runs workflow code, so type-restricted workers only
	// see queries for types they support.
	c.matcher.Enqueue(&queue.Ref{
		Queue:    queueName,
		Kind:     task.KindWorkflow,
		TaskType: workflowType,
		Materialize: func(ctx context.Context, identity string) (any, error) {
			return c.claimQueryTask(ctx, runRef, queryID, seq)
		},
	})

	select {
	case out := <-pq.done:
		return out.result, out.err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.queries, queryID)
		h.mu.Unlock()
		return cascade.Payload{}, cascade.WrapError(cascade.CodeTransient, ctx.Err(), "query %q timed out", name)
	}
}

// claimQueryTask materializes a query-only workflow task: full history, the
// one query attached, nothing recorded.
func (c *Coordinator) claimQueryTask(ctx context.Context, runID, queryID string, seq int64) (any, error) {
	h, err := c.loadRun(ctx, runID)
	if err != nil {
		return nil, queue.ErrObsolete
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pq := h.queries[queryID]
	if pq == nil {
		return nil, queue.ErrObsolete
	}
	hist, err := c.history.ReadRange(ctx, runID, 1, 0)
	if err != nil {
		return nil, cascade.WrapError(cascade.CodeTransient, err, "read history for run %q", runID)
	}
	tok, err := task.Token{
		RunID:            runID,
		WorkflowID:       h.ms.WorkflowID,
		ScheduledEventID: seq,
		Attempt:          1,
		Kind:             task.KindQuery,
	}.Encode()
	if err != nil {
		return nil, err
	}
	return &task.WorkflowTask{
		Token:         tok,
		WorkflowID:    h.ms.WorkflowID,
		RunID:         runID,
		WorkflowType:  h.ms.WorkflowType,
		History:       hist,
		Queries:       []task.QueryRequest{pq.req},
		Attempt:       1,
		ScheduledTime: c.now(),
	}, nil
}

// deliverQueryResultsLocked resolves waiting queries with the worker's
// answers.
func (h *runHandle) deliverQueryResultsLocked(results []task.QueryResult) {
	for _, qr := range results {
		pq := h.queries[qr.QueryID]
		if pq == nil {
			continue
		}
		delete(h.queries, qr.QueryID)
		if qr.Failure != nil {
			pq.done <- queryOutcome{err: cascade.NewTypedError(cascade.CodeClient, qr.Failure.Type, "%s", qr.Failure.Message)}
			continue
		}
		pq.done <- queryOutcome{result: qr.Result}
	}
}

// failQueryLocked resolves the query carried by a failed query-only task.
func (h *runHandle) failQueryLocked(tok task.Token, failure *cascade.Failure) {
	queryID := fmt.Sprintf("q-%d", tok.ScheduledEventID)
	pq := h.queries[queryID]
	if pq == nil {
		return
	}
	delete(h.queries, queryID)
	msg := "query failed"
	typ := ""
	if failure != nil {
		msg = failure.Message
		typ = failure.Type
	}
	pq.done <- queryOutcome{err: cascade.NewTypedError(cascade.CodeClient, typ, "%s", msg)}
}

// UpdateWorkflow submits a two-phase update and waits for the requested
// stage: "accepted" returns after the validator verdict, "completed" after
// the handler finishes.
func (c *Coordinator) UpdateWorkflow(ctx context.Context, workflowID, runID, updateID, name string, input cascade.Payload, waitStage string) (*UpdateResult, error) {
	if name == "" {
		return nil, cascade.NewError(cascade.CodeClient, "update name is required")
	}
	switch waitStage {
	case "", task.UpdateStageAccepted, task.UpdateStageCompleted:
	default:
		return nil, cascade.NewError(cascade.CodeClient, "unknown wait stage %q", waitStage)
	}
	if waitStage == "" {
		waitStage = task.UpdateStageCompleted
	}

	h, err := c.resolveRun(ctx, workflowID, runID, false)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if !h.ms.Open() {
		h.mu.Unlock()
		return nil, cascade.NewTypedError(cascade.CodePrecondition, "WorkflowClosed",
			"run %q is closed and cannot accept updates", h.runID)
	}
	if updateID == "" {
		updateID = c.newID()
	}
	if ui := h.ms.Updates[updateID]; ui != nil {
		// Retried update ids return the recorded outcome.
		if ui.State != state.UpdateAccepted || waitStage == task.UpdateStageAccepted {
			res := &UpdateResult{UpdateID: updateID, State: ui.State, Result: ui.Result, Failure: ui.Failure}
			h.mu.Unlock()
			return res, nil
		}
	}
	pu := h.updatesByID[updateID]
	if pu == nil {
		pu = &pendingUpdate{
			req:      task.UpdateRequest{UpdateID: updateID, Name: name, Input: input},
			accepted: make(chan struct{}),
			done:     make(chan struct{}),
		}
		h.updates = append(h.updates, pu)
		h.updatesByID[updateID] = pu
		c.scheduleWorkflowTaskLocked(ctx, h)
	}
	h.mu.Unlock()

	wait := pu.done
	if waitStage == task.UpdateStageAccepted {
		wait = pu.accepted
	}
	select {
	case <-wait:
	case <-ctx.Done():
		return nil, cascade.WrapError(cascade.CodeTransient, ctx.Err(), "update %q timed out waiting for %s", updateID, waitStage)
	}

	h.mu.Lock()
	out := pu.outcome
	h.mu.Unlock()
	return &UpdateResult{UpdateID: updateID, State: out.state, Result: out.result, Failure: out.failure}, nil
}

// resolveUpdateLocked propagates a committed update event to its waiters.
func (h *runHandle) resolveUpdateLocked(updateID string, ui *state.UpdateInfo) {
	pu := h.updatesByID[updateID]
	if pu == nil || ui == nil {
		return
	}
	switch ui.State {
	case state.UpdateAccepted:
		pu.outcome = updateOutcome{state: state.UpdateAccepted}
		if !pu.acceptedClosed {
			pu.acceptedClosed = true
			close(pu.accepted)
		}
	case state.UpdateRejected:
		pu.outcome = updateOutcome{state: state.UpdateRejected, failure: ui.Failure}
		if !pu.acceptedClosed {
			pu.acceptedClosed = true
			close(pu.accepted)
		}
		if !pu.doneClosed {
			pu.doneClosed = true
			close(pu.done)
		}
		h.removeUpdateLocked(updateID)
	case state.UpdateCompleted:
		pu.outcome = updateOutcome{state: state.UpdateCompleted, result: ui.Result, failure: ui.Failure}
		if !pu.acceptedClosed {
			pu.acceptedClosed = true
			close(pu.accepted)
		}
		if !pu.doneClosed {
			pu.doneClosed = true
			close(pu.done)
		}
		h.removeUpdateLocked(updateID)
	}
}

func (h *runHandle) removeUpdateLocked(updateID string) {
	delete(h.updatesByID, updateID)
	for i, pu := range h.updates {
		if pu.req.UpdateID == updateID {
			h.updates = append(h.updates[:i], h.updates[i+1:]...)
			return
		}
	}
}

// takeUndeliveredUpdatesLocked marks pending updates delivered and returns
// their requests for attachment to a workflow task.
func (h *runHandle) takeUndeliveredUpdatesLocked() []task.UpdateRequest {
	var reqs []task.UpdateRequest
	for _, pu := range h.updates {
		if pu.delivered || pu.acceptedClosed {
			continue
		}
		pu.delivered = true
		reqs = append(reqs, pu.req)
	}
	return reqs
}

func (h *runHandle) hasUndeliveredUpdatesLocked() bool {
	for _, pu := range h.updates {
		if !pu.delivered && !pu.acceptedClosed {
			return true
		}
	}
	return false
}

// redeliverUnansweredUpdatesLocked re-queues updates the worker was handed
// but did not respond to, so the next workflow task carries them again.
func (h *runHandle) redeliverUnansweredUpdatesLocked() {
	for _, pu := range h.updates {
		if pu.delivered && !pu.acceptedClosed {
			pu.delivered = false
		}
	}
}

// WaitWorkflowResult blocks until the run closes and returns its result,
// following the continue-as-new chain to the final run.
func (c *Coordinator) WaitWorkflowResult(ctx context.Context, workflowID, runID string) (cascade.Payload, error) {
	h, err := c.resolveRun(ctx, workflowID, runID, true)
	if err != nil {
		return cascade.Payload{}, err
	}
	for {
		select {
		case <-h.closed:
		case <-ctx.Done():
			return cascade.Payload{}, cascade.WrapError(cascade.CodeTransient, ctx.Err(), "wait for run %q", h.runID)
		}
		h.mu.Lock()
		status := h.ms.Status
		result := h.ms.CloseResult
		failure := h.ms.CloseFailure
		newRunID := h.ms.NewRunID
		h.mu.Unlock()

		switch status {
		case state.StatusCompleted:
			return result, nil
		case state.StatusContinuedAsNew:
			next, err := c.loadRun(ctx, newRunID)
			if err != nil {
				return cascade.Payload{}, err
			}
			h = next
		default:
			msg := "workflow closed " + string(status)
			typ := string(status)
			if failure != nil {
				msg = failure.Message
				if failure.Type != "" {
					typ = failure.Type
				}
			}
			return cascade.Payload{}, cascade.NewTypedError(cascade.CodeWorkflowFailed, typ, "%s", msg)
		}
	}
}

// DescribeWorkflow returns a point-in-time summary of the run.
func (c *Coordinator) DescribeWorkflow(ctx context.Context, workflowID, runID string) (*RunDescription, error) {
	h, err := c.resolveRun(ctx, workflowID, runID, true)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms

	desc := &RunDescription{
		WorkflowID:         ms.WorkflowID,
		RunID:              h.runID,
		WorkflowType:       ms.WorkflowType,
		TaskQueue:          ms.TaskQueue,
		Status:             ms.Status,
		Stuck:              h.stuck,
		CancelRequested:    ms.CancelRequested,
		StartTime:          ms.StartTime,
		HistoryLength:      ms.NextEventID - 1,
		ContinuedFromRunID: ms.ContinuedFromRunID,
		NewRunID:           ms.NewRunID,
		ParentRunID:        ms.ParentRunID,
		Memo:               ms.Memo,
		SearchAttributes:   mergeAttrs(ms.SearchAttributes, h.searchAttrs),
	}
	if !ms.Open() {
		desc.CloseTime = ms.LastEventTime
	}
	for _, ai := range ms.Activities {
		desc.PendingActivities = append(desc.PendingActivities, PendingActivity{
			ActivityID:   ai.ActivityID,
			ActivityType: ai.ActivityType,
			Attempt:      ai.Attempt,
			Started:      ai.StartedEventID != 0,
			LastFailure:  ai.LastFailure,
		})
	}
	sort.Slice(desc.PendingActivities, func(i, j int) bool {
		return desc.PendingActivities[i].ActivityID < desc.PendingActivities[j].ActivityID
	})
	for _, ti := range ms.Timers {
		if ti.Internal {
			continue
		}
		desc.PendingTimers = append(desc.PendingTimers, PendingTimer{TimerID: ti.TimerID, FireAt: ti.FireAt})
	}
	sort.Slice(desc.PendingTimers, func(i, j int) bool {
		return desc.PendingTimers[i].TimerID < desc.PendingTimers[j].TimerID
	})
	for _, ci := range ms.Children {
		desc.PendingChildren = append(desc.PendingChildren, PendingChild{WorkflowID: ci.WorkflowID, RunID: ci.RunID})
	}
	sort.Slice(desc.PendingChildren, func(i, j int) bool {
		return desc.PendingChildren[i].WorkflowID < desc.PendingChildren[j].WorkflowID
	})
	return desc, nil
}

// GetHistory returns a page of the run's history starting at from. The second
// return is the next page's starting id, zero when the page reached the end.
func (c *Coordinator) GetHistory(ctx context.Context, workflowID, runID string, from int64, pageSize int) ([]*event.Event, int64, error) {
	h, err := c.resolveRun(ctx, workflowID, runID, true)
	if err != nil {
		return nil, 0, err
	}
	if from < 1 {
		from = 1
	}
	to := int64(0)
	if pageSize > 0 {
		to = from + int64(pageSize) - 1
	}
	events, err := c.history.ReadRange(ctx, h.runID, from, to)
	if err != nil {
		return nil, 0, cascade.WrapError(cascade.CodeTransient, err, "read history for run %q", h.runID)
	}
	var next int64
	if pageSize > 0 && len(events) == pageSize {
		h.mu.Lock()
		lastKnown := h.ms.NextEventID - 1
		h.mu.Unlock()
		if last := events[len(events)-1].ID; last < lastKnown {
			next = last + 1
		}
	}
	return events, next, nil
}

// ListWorkflows returns visibility records matching the filter, newest first.
func (c *Coordinator) ListWorkflows(ctx context.Context, f visibility.Filter, limit int) ([]visibility.Record, error) {
	if c.visibility == nil {
		return nil, cascade.NewError(cascade.CodePrecondition, "visibility is not configured")
	}
	recs, err := c.visibility.List(ctx, f, limit)
	if err != nil {
		return nil, cascade.WrapError(cascade.CodeTransient, err, "list workflows")
	}
	return recs, nil
}

// ResetWorkflow terminates the run and re-issues its history prefix up to and
// including resetEventID under a new run id. The reset point must be a
// workflow task boundary: the rebuilt prefix state must be open with no task
// in flight.
func (c *Coordinator) ResetWorkflow(ctx context.Context, workflowID, runID string, resetEventID int64, reason string) (string, error) {
	h, err := c.resolveRun(ctx, workflowID, runID, true)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	ms := h.ms
	oldRunID := h.runID
	if resetEventID < 1 || resetEventID >= ms.NextEventID {
		h.mu.Unlock()
		return "", cascade.NewError(cascade.CodeClient, "reset event id %d outside run %q history", resetEventID, oldRunID)
	}
	events, err := c.history.ReadRange(ctx, oldRunID, 1, resetEventID)
	if err != nil {
		h.mu.Unlock()
		return "", cascade.WrapError(cascade.CodeTransient, err, "read history for run %q", oldRunID)
	}
	wasOpen := ms.Open()
	timeouts := ms.Timeouts
	wfID := ms.WorkflowID
	workflowType := ms.WorkflowType
	taskQueue := ms.TaskQueue
	firstRunID := ms.FirstRunID
	h.mu.Unlock()

	if int64(len(events)) != resetEventID {
		return "", cascade.NewError(cascade.CodeClient, "reset event id %d outside run %q history", resetEventID, oldRunID)
	}
	started, ok := events[0].Attributes.(*event.WorkflowStartedAttrs)
	if !ok {
		return "", cascade.NewError(cascade.CodeTransient, "run %q history does not begin with a start event", oldRunID)
	}

	newRunID := c.newID()
	prefix := make([]*event.Event, len(events))
	reissued := *started
	reissued.ContinuedFromRunID = oldRunID
	prefix[0] = event.New(1, events[0].Time, &reissued)
	copy(prefix[1:], events[1:])

	check, err := state.Rebuild(wfID, newRunID, prefix)
	if err != nil {
		return "", cascade.WrapError(cascade.CodeClient, err, "reset prefix of run %q does not replay", oldRunID)
	}
	if !check.Open() {
		return "", cascade.NewError(cascade.CodePrecondition, "reset point %d closes run %q", resetEventID, oldRunID)
	}
	if check.WorkflowTask != nil {
		return "", cascade.NewError(cascade.CodePrecondition,
			"reset point %d leaves a workflow task in flight; pick a task boundary", resetEventID)
	}

	if wasOpen {
		terminateReason := "reset to event " + fmt.Sprint(resetEventID)
		if reason != "" {
			terminateReason += ": " + reason
		}
		if err := c.terminateHandle(ctx, h, terminateReason, ""); err != nil {
			return "", err
		}
	}

	spec := runSpec{
		StartRequest: StartRequest{
			WorkflowID:   wfID,
			WorkflowType: workflowType,
			TaskQueue:    taskQueue,
			Timeouts:     timeouts,
		},
		runID:         newRunID,
		attempt:       1,
		continuedFrom: oldRunID,
		firstRunID:    firstRunID,
		prefix:        prefix,
	}
	if spec.firstRunID == "" {
		spec.firstRunID = oldRunID
	}
	if _, err := c.createRun(ctx, spec); err != nil {
		return "", err
	}

	nh := c.handleFor(newRunID)
	if nh != nil {
		nh.mu.Lock()
		c.scheduleWorkflowTaskLocked(ctx, nh)
		nh.mu.Unlock()
	}
	c.logger.Info(ctx, "run reset", "run_id", oldRunID, "new_run_id", newRunID, "reset_event_id", resetEventID)
	return newRunID, nil
}
