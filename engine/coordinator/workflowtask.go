package coordinator

import (
	"context"
	"strings"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/queue"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/telemetry"
)

// Workflow task failure causes recorded on WorkflowTaskFailed events.
const (
	causeBadCommand       = "BadCommand"
	causeNonDeterministic = "NonDeterministic"
	causeHistoryTooLarge  = "HistoryTooLarge"
	causeWorkerFailed     = "WorkerFailed"
)

// reservedTimerPrefix namespaces engine-internal timer ids.
const reservedTimerPrefix = "cascade-"

// PollWorkflowTask blocks until a workflow task on the queue is matched to
// the worker or ctx expires. A nil task means an empty poll. A non-empty
// supportedTypes set restricts matching to runs of those workflow types.
func (c *Coordinator) PollWorkflowTask(ctx context.Context, queueName, identity string, supportedTypes ...string) (*task.WorkflowTask, error) {
	if queueName == "" {
		return nil, cascade.NewError(cascade.CodeClient, "task queue is required")
	}
	payload, err := c.matcher.Poll(ctx, queueName, task.KindWorkflow, identity, supportedTypes...)
	if err != nil || payload == nil {
		return nil, err
	}
	wt := payload.(*task.WorkflowTask)
	c.metrics.IncCounter(telemetry.MetricTaskMatches, 1, "kind", string(task.KindWorkflow))
	return wt, nil
}

// PollActivityTask blocks until an activity task on the queue is matched to
// the worker or ctx expires. A nil task means an empty poll. A non-empty
// supportedTypes set restricts matching to activities of those types.
func (c *Coordinator) PollActivityTask(ctx context.Context, queueName, identity string, supportedTypes ...string) (*task.ActivityTask, error) {
	if queueName == "" {
		return nil, cascade.NewError(cascade.CodeClient, "task queue is required")
	}
	payload, err := c.matcher.Poll(ctx, queueName, task.KindActivity, identity, supportedTypes...)
	if err != nil || payload == nil {
		return nil, err
	}
	at := payload.(*task.ActivityTask)
	c.metrics.IncCounter(telemetry.MetricTaskMatches, 1, "kind", string(task.KindActivity))
	return at, nil
}

// scheduleWorkflowTaskLocked appends a WorkflowTaskScheduled event and offers
// the task to the matcher. No-op when a task is already pending, the run is
// closed, or the run is stuck.
func (c *Coordinator) scheduleWorkflowTaskLocked(ctx context.Context, h *runHandle) {
	ms := h.ms
	if !ms.Open() || h.stuck || ms.WorkflowTask != nil {
		return
	}
	attrs := &event.WorkflowTaskScheduledAttrs{
		TaskQueue:    ms.TaskQueue,
		StartToClose: c.taskTimeout(ms),
		Attempt:      h.wftAttempt,
	}
	events, err := c.appendLocked(ctx, h, attrs)
	if err != nil {
		c.logger.Error(ctx, "schedule workflow task", "run_id", h.runID, "err", err)
		return
	}
	c.enqueueWorkflowTaskLocked(h, events[0].ID)
}

// enqueueWorkflowTaskLocked offers a scheduled workflow task to the matcher,
// sticky to the last completing worker when one is known.
func (c *Coordinator) enqueueWorkflowTaskLocked(h *runHandle, scheduledEventID int64) {
	runID := h.runID
	c.matcher.Enqueue(&queue.Ref{
		Queue:          h.ms.TaskQueue,
		Kind:           task.KindWorkflow,
		TaskType:       h.ms.WorkflowType,
		StickyIdentity: h.ms.StickyIdentity,
		Materialize: func(ctx context.Context, identity string) (any, error) {
			return c.claimWorkflowTask(ctx, runID, scheduledEventID, identity)
		},
	})
}

// claimWorkflowTask turns a matched reference into a started workflow task
// for the claiming worker.
func (c *Coordinator) claimWorkflowTask(ctx context.Context, runID string, scheduledEventID int64, identity string) (any, error) {
	h, err := c.loadRun(ctx, runID)
	if err != nil {
		return nil, queue.ErrObsolete
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	wt := ms.WorkflowTask
	if !ms.Open() || h.stuck || wt == nil || wt.ScheduledEventID != scheduledEventID || wt.StartedEventID != 0 {
		return nil, queue.ErrObsolete
	}

	// Sticky deliveries send only the suffix the worker has not seen.
	var previousStarted int64
	if identity != "" && identity == ms.StickyIdentity {
		previousStarted = ms.LastStartedWorkflowTaskEventID
	}

	if _, err := c.appendLocked(ctx, h, &event.WorkflowTaskStartedAttrs{
		ScheduledEventID: scheduledEventID,
		Identity:         identity,
	}); err != nil {
		return nil, err
	}
	c.armWorkflowTaskTimerLocked(h, wt.StartToClose)

	from := int64(1)
	if previousStarted > 0 {
		from = previousStarted + 1
	}
	hist, err := c.history.ReadRange(ctx, runID, from, 0)
	if err != nil {
		return nil, cascade.WrapError(cascade.CodeTransient, err, "read history for run %q", runID)
	}

	tok, err := task.Token{
		RunID:            runID,
		WorkflowID:       ms.WorkflowID,
		ScheduledEventID: scheduledEventID,
		Attempt:          wt.Attempt,
		Kind:             task.KindWorkflow,
	}.Encode()
	if err != nil {
		return nil, err
	}
	return &task.WorkflowTask{
		Token:                  tok,
		WorkflowID:             ms.WorkflowID,
		RunID:                  runID,
		WorkflowType:           ms.WorkflowType,
		PreviousStartedEventID: previousStarted,
		StartedEventID:         wt.StartedEventID,
		History:                hist,
		Updates:                h.takeUndeliveredUpdatesLocked(),
		Attempt:                wt.Attempt,
		ScheduledTime:          c.now(),
	}, nil
}

// armWorkflowTaskTimerLocked arms the start-to-close lease of the in-flight
// workflow task.
func (c *Coordinator) armWorkflowTaskTimerLocked(h *runHandle, d time.Duration) {
	c.timers.Cancel(h.wftTimer)
	if d <= 0 {
		d = c.taskTimeout(h.ms)
	}
	runID := h.runID
	scheduledEventID := h.ms.WorkflowTask.ScheduledEventID
	startedEventID := h.ms.WorkflowTask.StartedEventID
	h.wftTimer = c.timers.After(d, func() {
		c.workflowTaskTimedOut(runID, scheduledEventID, startedEventID)
	})
}

// workflowTaskTimedOut expires a workflow task lease and reschedules.
func (c *Coordinator) workflowTaskTimedOut(runID string, scheduledEventID, startedEventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	wt := ms.WorkflowTask
	if !ms.Open() || wt == nil || wt.ScheduledEventID != scheduledEventID || wt.StartedEventID != startedEventID {
		return
	}
	c.metrics.IncCounter(telemetry.MetricTimeouts, 1, "kind", string(policy.TimeoutWorkflowTask))
	if _, err := c.appendLocked(ctx, h, &event.WorkflowTaskTimedOutAttrs{
		ScheduledEventID: scheduledEventID,
		StartedEventID:   startedEventID,
		TimeoutKind:      policy.TimeoutWorkflowTask,
	}); err != nil {
		c.logger.Error(ctx, "expire workflow task", "run_id", runID, "err", err)
		return
	}
	h.wftAttempt++
	c.scheduleWorkflowTaskLocked(ctx, h)
}

// RespondWorkflowTaskCompleted ingests a worker's commands for the task bound
// to the token, converts them to events and runs their side effects. Query
// tokens only deliver query results and touch no history.
func (c *Coordinator) RespondWorkflowTaskCompleted(ctx context.Context, tok task.Token, commands []*task.Command, queryResults []task.QueryResult, identity string) error {
	h, err := c.loadRun(ctx, tok.RunID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliverQueryResultsLocked(queryResults)
	if tok.Kind == task.KindQuery {
		return nil
	}

	ms := h.ms
	wt := ms.WorkflowTask
	if !ms.Open() || wt == nil || wt.ScheduledEventID != tok.ScheduledEventID || wt.StartedEventID == 0 || wt.Attempt != tok.Attempt {
		return cascade.NewTypedError(cascade.CodeNotFound, "TaskTokenExpired", "workflow task token no longer matches run %q", tok.RunID)
	}
	c.timers.Cancel(h.wftTimer)

	if err := task.ValidateAll(commands); err != nil {
		ferr := c.failWorkflowTaskLocked(ctx, h, causeBadCommand, cascade.FailureFromError(err))
		if ferr != nil {
			return ferr
		}
		return cascade.WrapError(cascade.CodeClient, err, "invalid command batch")
	}
	if c.overHistoryCeiling(ms) && !terminalOnly(commands) {
		ferr := c.failWorkflowTaskLocked(ctx, h, causeHistoryTooLarge, &cascade.Failure{
			Message: "history exceeds the configured ceiling; continue-as-new is required",
			Type:    causeHistoryTooLarge,
		})
		if ferr != nil {
			return ferr
		}
		return cascade.NewTypedError(cascade.CodePrecondition, causeHistoryTooLarge,
			"run %q history exceeds the configured ceiling", tok.RunID)
	}

	attrs, effects, err := c.buildCommandEventsLocked(h, commands, identity)
	if err != nil {
		ferr := c.failWorkflowTaskLocked(ctx, h, causeBadCommand, cascade.FailureFromError(err))
		if ferr != nil {
			return ferr
		}
		return cascade.WrapError(cascade.CodeClient, err, "rejected command batch")
	}

	events, err := c.appendLocked(ctx, h, attrs...)
	if err != nil {
		return err
	}
	h.consecutiveFailures = 0
	h.wftAttempt = 1

	for _, effect := range effects {
		effect()
	}
	c.applySideEffectsLocked(h, events)
	h.redeliverUnansweredUpdatesLocked()

	if ms.Open() && (ms.WorkAfterStartedTask || h.hasUndeliveredUpdatesLocked()) {
		c.scheduleWorkflowTaskLocked(ctx, h)
	}
	return nil
}

// RespondWorkflowTaskFailed records a worker-reported task failure. A
// NonDeterministic cause blocks the run pending operator action.
func (c *Coordinator) RespondWorkflowTaskFailed(ctx context.Context, tok task.Token, cause string, failure *cascade.Failure, identity string) error {
	h, err := c.loadRun(ctx, tok.RunID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if tok.Kind == task.KindQuery {
		h.failQueryLocked(tok, failure)
		return nil
	}
	ms := h.ms
	wt := ms.WorkflowTask
	if !ms.Open() || wt == nil || wt.ScheduledEventID != tok.ScheduledEventID || wt.StartedEventID == 0 || wt.Attempt != tok.Attempt {
		return cascade.NewTypedError(cascade.CodeNotFound, "TaskTokenExpired", "workflow task token no longer matches run %q", tok.RunID)
	}
	c.timers.Cancel(h.wftTimer)
	if cause != causeNonDeterministic {
		cause = causeWorkerFailed
	}
	return c.failWorkflowTaskLocked(ctx, h, cause, failure)
}

// failWorkflowTaskLocked writes a WorkflowTaskFailed event and either
// reschedules the task with backoff or marks the run stuck.
func (c *Coordinator) failWorkflowTaskLocked(ctx context.Context, h *runHandle, cause string, failure *cascade.Failure) error {
	ms := h.ms
	wt := ms.WorkflowTask
	if _, err := c.appendLocked(ctx, h, &event.WorkflowTaskFailedAttrs{
		ScheduledEventID: wt.ScheduledEventID,
		StartedEventID:   wt.StartedEventID,
		Cause:            cause,
		Failure:          failure,
	}); err != nil {
		return err
	}
	h.consecutiveFailures++
	h.wftAttempt++

	if cause == causeNonDeterministic || h.consecutiveFailures >= c.defaults.StuckThreshold {
		c.markStuckLocked(ctx, h, cause)
		return nil
	}

	delay := policy.DefaultRetry().Backoff(h.consecutiveFailures)
	runID := h.runID
	c.timers.After(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rh := c.handleFor(runID)
		if rh == nil {
			return
		}
		rh.mu.Lock()
		defer rh.mu.Unlock()
		c.scheduleWorkflowTaskLocked(ctx, rh)
	})
	return nil
}

// markStuckLocked stops scheduling workflow tasks for the run until an
// operator resets or terminates it.
func (c *Coordinator) markStuckLocked(ctx context.Context, h *runHandle, cause string) {
	if h.stuck {
		return
	}
	h.stuck = true
	c.recordVisibilityLocked(h)
	c.logger.Warn(ctx, "run stuck pending operator action", "run_id", h.runID,
		"workflow_id", h.ms.WorkflowID, "cause", cause, "failures", h.consecutiveFailures)
}

func terminalOnly(commands []*task.Command) bool {
	for _, cmd := range commands {
		if !cmd.Terminal() {
			return false
		}
	}
	return len(commands) > 0
}

// buildCommandEventsLocked validates the command batch against a shadow copy
// of the state and emits the event attributes the batch translates to, first
// of which is the WorkflowTaskCompleted event. Non-event command effects
// (external signals, search attribute upserts, child cancel requests) come
// back as closures to run after commit.
func (c *Coordinator) buildCommandEventsLocked(h *runHandle, commands []*task.Command, identity string) ([]event.Attributes, []func(), error) {
	ms := h.ms
	shadow, err := ms.Clone()
	if err != nil {
		return nil, nil, cascade.WrapError(cascade.CodeTransient, err, "clone state for validation")
	}

	completedID := shadow.NextEventID
	attrs := []event.Attributes{&event.WorkflowTaskCompletedAttrs{
		ScheduledEventID: ms.WorkflowTask.ScheduledEventID,
		StartedEventID:   ms.WorkflowTask.StartedEventID,
		Identity:         identity,
	}}
	var effects []func()

	applyShadow := func(a event.Attributes) error {
		e := event.New(shadow.NextEventID, c.now(), a)
		if e.Time.Before(shadow.LastEventTime) {
			e.Time = shadow.LastEventTime
		}
		return shadow.Apply(e)
	}
	if err := applyShadow(attrs[0]); err != nil {
		return nil, nil, err
	}

	emit := func(a event.Attributes) error {
		if err := applyShadow(a); err != nil {
			return err
		}
		attrs = append(attrs, a)
		return nil
	}

	for i, cmd := range commands {
		var err error
		switch {
		case cmd.ScheduleActivity != nil:
			err = c.buildScheduleActivity(emit, shadow, cmd.ScheduleActivity, completedID)

		case cmd.RequestActivityCancel != nil:
			sid, ok := shadow.ActivityIDs[cmd.RequestActivityCancel.ActivityID]
			if !ok {
				err = cascade.NewError(cascade.CodeClient, "cancel of unknown activity %q", cmd.RequestActivityCancel.ActivityID)
				break
			}
			err = emit(&event.ActivityCancelRequestedAttrs{
				ScheduledEventID:             sid,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.StartTimer != nil:
			st := cmd.StartTimer
			if st.TimerID == "" || strings.HasPrefix(st.TimerID, reservedTimerPrefix) {
				err = cascade.NewError(cascade.CodeClient, "invalid timer id %q", st.TimerID)
				break
			}
			if st.FireAfter < 0 {
				err = cascade.NewError(cascade.CodeClient, "timer %q has a negative delay", st.TimerID)
				break
			}
			err = emit(&event.TimerStartedAttrs{
				TimerID:                      st.TimerID,
				FireAfter:                    st.FireAfter,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.CancelTimer != nil:
			ti, ok := shadow.Timers[cmd.CancelTimer.TimerID]
			if !ok || ti.Internal {
				err = cascade.NewError(cascade.CodeClient, "cancel of unknown timer %q", cmd.CancelTimer.TimerID)
				break
			}
			err = emit(&event.TimerCancelledAttrs{
				TimerID:                      ti.TimerID,
				StartedEventID:               ti.StartedEventID,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.SignalExternal != nil:
			se := cmd.SignalExternal
			if se.WorkflowID == "" || se.Name == "" {
				err = cascade.NewError(cascade.CodeClient, "external signal requires a workflow id and a name")
				break
			}
			target := *se
			effects = append(effects, func() { c.signalExternal(target) })

		case cmd.StartChildWorkflow != nil:
			err = c.buildStartChild(emit, shadow, cmd.StartChildWorkflow, completedID)

		case cmd.RequestChildCancel != nil:
			childRunID := ""
			for _, ci := range shadow.Children {
				if ci.WorkflowID == cmd.RequestChildCancel.WorkflowID && ci.Started {
					childRunID = ci.RunID
					break
				}
			}
			if childRunID == "" {
				err = cascade.NewError(cascade.CodeClient, "cancel of unknown child workflow %q", cmd.RequestChildCancel.WorkflowID)
				break
			}
			effects = append(effects, func() { c.cancelChild(childRunID) })

		case cmd.CompleteWorkflow != nil:
			err = emit(&event.WorkflowCompletedAttrs{
				Result:                       cmd.CompleteWorkflow.Result,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.FailWorkflow != nil:
			f := cmd.FailWorkflow.Failure
			if f == nil {
				f = &cascade.Failure{Message: "workflow failed"}
			}
			err = emit(&event.WorkflowFailedAttrs{
				Failure:                      f,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.CancelWorkflow != nil:
			if !shadow.CancelRequested {
				err = cascade.NewError(cascade.CodeClient, "cancel acknowledged without a cancel request")
				break
			}
			err = emit(&event.WorkflowCancelledAttrs{
				Details:                      cmd.CancelWorkflow.Details,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.ContinueAsNew != nil:
			can := cmd.ContinueAsNew
			wfType := can.WorkflowType
			if wfType == "" {
				wfType = shadow.WorkflowType
			}
			queueName := can.TaskQueue
			if queueName == "" {
				queueName = shadow.TaskQueue
			}
			err = emit(&event.WorkflowContinuedAsNewAttrs{
				NewRunID:                     c.newID(),
				WorkflowType:                 wfType,
				TaskQueue:                    queueName,
				Input:                        can.Input,
				WorkflowTaskCompletedEventID: completedID,
			})

		case cmd.UpsertSearchAttributes != nil:
			sa := cmd.UpsertSearchAttributes.SearchAttributes
			effects = append(effects, func() {
				if h.searchAttrs == nil {
					h.searchAttrs = make(map[string]cascade.Payload, len(sa))
				}
				for k, v := range sa {
					h.searchAttrs[k] = v
				}
				c.recordVisibilityLocked(h)
			})

		case cmd.RespondToUpdate != nil:
			err = c.buildRespondToUpdate(emit, h, shadow, cmd.RespondToUpdate, completedID)
		}
		if err != nil {
			return nil, nil, cascade.WrapError(cascade.CodeClient, err, "command %d (%s)", i, cmd.Kind())
		}
	}
	return attrs, effects, nil
}

func (c *Coordinator) buildScheduleActivity(emit func(event.Attributes) error, shadow *state.MutableState, cmd *task.ScheduleActivityCommand, completedID int64) error {
	if cmd.ActivityID == "" {
		return cascade.NewError(cascade.CodeClient, "activity id is required")
	}
	if cmd.ActivityType == "" {
		return cascade.NewError(cascade.CodeClient, "activity type is required")
	}
	queueName := cmd.TaskQueue
	if queueName == "" {
		queueName = shadow.TaskQueue
	}
	return emit(&event.ActivityScheduledAttrs{
		ActivityID:                   cmd.ActivityID,
		ActivityType:                 cmd.ActivityType,
		TaskQueue:                    queueName,
		Input:                        cmd.Input,
		Timeouts:                     cmd.Timeouts.Normalize(c.defaults.ActivityTimeouts),
		RetryPolicy:                  cmd.RetryPolicy.Normalize(c.defaults.RetryPolicy),
		WorkflowTaskCompletedEventID: completedID,
	})
}

func (c *Coordinator) buildStartChild(emit func(event.Attributes) error, shadow *state.MutableState, cmd *task.StartChildWorkflowCommand, completedID int64) error {
	if cmd.WorkflowID == "" {
		return cascade.NewError(cascade.CodeClient, "child workflow id is required")
	}
	if cmd.WorkflowType == "" {
		return cascade.NewError(cascade.CodeClient, "child workflow type is required")
	}
	queueName := cmd.TaskQueue
	if queueName == "" {
		queueName = shadow.TaskQueue
	}
	return emit(&event.ChildWorkflowInitiatedAttrs{
		WorkflowID:                   cmd.WorkflowID,
		WorkflowType:                 cmd.WorkflowType,
		TaskQueue:                    queueName,
		Input:                        cmd.Input,
		Timeouts:                     cmd.Timeouts.Normalize(c.defaults.WorkflowTimeouts),
		WorkflowTaskCompletedEventID: completedID,
	})
}

func (c *Coordinator) buildRespondToUpdate(emit func(event.Attributes) error, h *runHandle, shadow *state.MutableState, cmd *task.RespondToUpdateCommand, completedID int64) error {
	pu := h.updatesByID[cmd.UpdateID]
	if pu == nil {
		return cascade.NewError(cascade.CodeClient, "response to unknown update %q", cmd.UpdateID)
	}
	switch cmd.Stage {
	case task.UpdateStageAccepted:
		if _, resolved := shadow.Updates[cmd.UpdateID]; resolved {
			return cascade.NewError(cascade.CodeClient, "update %q already resolved its validator phase", cmd.UpdateID)
		}
		if cmd.Accepted {
			return emit(&event.UpdateAcceptedAttrs{
				UpdateID:                     cmd.UpdateID,
				Name:                         pu.req.Name,
				Input:                        pu.req.Input,
				WorkflowTaskCompletedEventID: completedID,
			})
		}
		f := cmd.Failure
		if f == nil {
			f = &cascade.Failure{Message: "update rejected", Type: "UpdateRejected"}
		}
		return emit(&event.UpdateRejectedAttrs{
			UpdateID: cmd.UpdateID,
			Name:     pu.req.Name,
			Failure:  f,
		})
	case task.UpdateStageCompleted:
		ui, ok := shadow.Updates[cmd.UpdateID]
		if !ok || ui.State != state.UpdateAccepted {
			return cascade.NewError(cascade.CodeClient, "update %q completed without acceptance", cmd.UpdateID)
		}
		return emit(&event.UpdateCompletedAttrs{
			UpdateID:        cmd.UpdateID,
			AcceptedEventID: ui.AcceptedEventID,
			Result:          cmd.Result,
			Failure:         cmd.Failure,
		})
	}
	return cascade.NewError(cascade.CodeClient, "unknown update stage %q", cmd.Stage)
}

// applySideEffectsLocked runs the post-commit side effects implied by
// committed events: task dispatch, timer arming, update resolution and
// successor runs.
func (c *Coordinator) applySideEffectsLocked(h *runHandle, events []*event.Event) {
	for _, e := range events {
		switch attrs := e.Attributes.(type) {
		case *event.ActivityScheduledAttrs:
			c.dispatchActivityLocked(h, e.ID)

		case *event.TimerStartedAttrs:
			c.armTimerFireLocked(h, attrs.TimerID, e.ID, e.Time.Add(attrs.FireAfter))

		case *event.TimerCancelledAttrs:
			if id, ok := h.timerFires[attrs.TimerID]; ok {
				c.timers.Cancel(id)
				delete(h.timerFires, attrs.TimerID)
			}

		case *event.UpdateAcceptedAttrs:
			h.resolveUpdateLocked(attrs.UpdateID, h.ms.Updates[attrs.UpdateID])

		case *event.UpdateRejectedAttrs:
			h.resolveUpdateLocked(attrs.UpdateID, h.ms.Updates[attrs.UpdateID])

		case *event.UpdateCompletedAttrs:
			h.resolveUpdateLocked(attrs.UpdateID, h.ms.Updates[attrs.UpdateID])

		case *event.ChildWorkflowInitiatedAttrs:
			parentRunID := h.runID
			initiatedEventID := e.ID
			childAttrs := attrs
			go c.startChildRun(parentRunID, initiatedEventID, childAttrs)

		case *event.WorkflowContinuedAsNewAttrs:
			prev := *h.ms
			canAttrs := attrs
			go c.startContinuedRun(&prev, canAttrs)
		}
	}
}

// signalExternal delivers a SignalExternal command to its target run.
func (c *Coordinator) signalExternal(cmd task.SignalExternalCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.SignalWorkflow(ctx, cmd.WorkflowID, cmd.RunID, cmd.Name, cmd.Input, "", "")
	if err != nil {
		c.logger.Warn(ctx, "deliver external signal", "target_workflow_id", cmd.WorkflowID, "signal", cmd.Name, "err", err)
	}
}

// cancelChild requests cooperative cancellation of a child run.
func (c *Coordinator) cancelChild(childRunID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.CancelWorkflow(ctx, "", childRunID, "cancel requested by parent workflow", ""); err != nil {
		c.logger.Warn(ctx, "cancel child run", "child_run_id", childRunID, "err", err)
	}
}
