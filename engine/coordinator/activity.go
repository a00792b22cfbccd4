package coordinator

import (
	"context"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/queue"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/telemetry"
)

// dispatchActivityLocked offers a scheduled activity attempt to the matcher
// and arms its queue-wait deadlines.
func (c *Coordinator) dispatchActivityLocked(h *runHandle, scheduledEventID int64) {
	ai := h.ms.Activities[scheduledEventID]
	if ai == nil || ai.StartedEventID != 0 {
		return
	}
	runID := h.runID
	attempt := nextAttempt(ai)
	c.matcher.Enqueue(&queue.Ref{
		Queue:    ai.TaskQueue,
		Kind:     task.KindActivity,
		TaskType: ai.ActivityType,
		Materialize: func(ctx context.Context, identity string) (any, error) {
			return c.claimActivityTask(ctx, runID, scheduledEventID, attempt, identity)
		},
	})

	if ai.Timeouts.ScheduleToStart > 0 {
		id := c.timers.After(ai.Timeouts.ScheduleToStart, func() {
			c.activityScheduleToStartFired(runID, scheduledEventID, attempt)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
	}
	if ai.Timeouts.ScheduleToClose > 0 {
		id := c.timers.Schedule(ai.ScheduledTime.Add(ai.Timeouts.ScheduleToClose), func() {
			c.activityScheduleToCloseFired(runID, scheduledEventID)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
	}
}

// nextAttempt computes the attempt number the next claim will run. The first
// claim runs attempt 1; claims after a retried failure advance the counter.
func nextAttempt(ai *state.ActivityInfo) int {
	if ai.LastFailure != nil {
		return ai.Attempt + 1
	}
	return ai.Attempt
}

// claimActivityTask turns a matched reference into a started activity attempt
// for the claiming worker.
func (c *Coordinator) claimActivityTask(ctx context.Context, runID string, scheduledEventID int64, attempt int, identity string) (any, error) {
	h, err := c.loadRun(ctx, runID)
	if err != nil {
		return nil, queue.ErrObsolete
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	ai := ms.Activities[scheduledEventID]
	if !ms.Open() || ai == nil || ai.StartedEventID != 0 || nextAttempt(ai) != attempt {
		return nil, queue.ErrObsolete
	}
	lastFailure := ai.LastFailure

	if _, err := c.appendLocked(ctx, h, &event.ActivityStartedAttrs{
		ScheduledEventID: scheduledEventID,
		Identity:         identity,
		Attempt:          attempt,
		LastFailure:      lastFailure,
	}); err != nil {
		return nil, err
	}
	c.armActivityAttemptTimersLocked(h, scheduledEventID, ai.StartedEventID)
	c.metrics.RecordTimer(telemetry.MetricTaskLatency, c.now().Sub(ai.ScheduledTime), "kind", string(task.KindActivity))

	tok, err := task.Token{
		RunID:            runID,
		WorkflowID:       ms.WorkflowID,
		ScheduledEventID: scheduledEventID,
		Attempt:          attempt,
		Kind:             task.KindActivity,
	}.Encode()
	if err != nil {
		return nil, err
	}
	return &task.ActivityTask{
		Token:            tok,
		WorkflowID:       ms.WorkflowID,
		RunID:            runID,
		ActivityID:       ai.ActivityID,
		ActivityType:     ai.ActivityType,
		Input:            ai.Input,
		Attempt:          attempt,
		HeartbeatDetails: ai.LastHeartbeat,
		LastFailure:      lastFailure,
		ScheduledTime:    ai.ScheduledTime,
		StartedTime:      ai.StartedTime,
		StartToClose:     ai.Timeouts.StartToClose,
		HeartbeatTimeout: ai.Timeouts.Heartbeat,
	}, nil
}

// armActivityAttemptTimersLocked arms the per-attempt execution and heartbeat
// deadlines of a started activity.
func (c *Coordinator) armActivityAttemptTimersLocked(h *runHandle, scheduledEventID, startedEventID int64) {
	ai := h.ms.Activities[scheduledEventID]
	if ai == nil || ai.StartedEventID == 0 {
		return
	}
	runID := h.runID
	if ai.Timeouts.StartToClose > 0 {
		id := c.timers.Schedule(ai.StartedTime.Add(ai.Timeouts.StartToClose), func() {
			c.activityStartToCloseFired(runID, scheduledEventID, startedEventID)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
	}
	if ai.Timeouts.Heartbeat > 0 {
		id := c.timers.Schedule(ai.StartedTime.Add(ai.Timeouts.Heartbeat), func() {
			c.activityHeartbeatDue(runID, scheduledEventID, startedEventID)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
	}
	if ai.Timeouts.ScheduleToClose > 0 {
		id := c.timers.Schedule(ai.ScheduledTime.Add(ai.Timeouts.ScheduleToClose), func() {
			c.activityScheduleToCloseFired(runID, scheduledEventID)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
	}
}

// clearActivityTimersLocked disarms every deadline of a closed activity.
func (c *Coordinator) clearActivityTimersLocked(h *runHandle, scheduledEventID int64) {
	for _, id := range h.actTimers[scheduledEventID] {
		c.timers.Cancel(id)
	}
	delete(h.actTimers, scheduledEventID)
}

// RespondActivityTaskCompleted records a successful activity attempt and
// wakes the workflow.
func (c *Coordinator) RespondActivityTaskCompleted(ctx context.Context, tok task.Token, result cascade.Payload, identity string) error {
	h, ai, err := c.activityForToken(ctx, tok)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if _, err := c.appendLocked(ctx, h, &event.ActivityCompletedAttrs{
		ScheduledEventID: tok.ScheduledEventID,
		StartedEventID:   ai.StartedEventID,
		Result:           result,
		Attempt:          ai.Attempt,
		Identity:         identity,
	}); err != nil {
		return err
	}
	c.clearActivityTimersLocked(h, tok.ScheduledEventID)
	c.scheduleWorkflowTaskLocked(ctx, h)
	return nil
}

// RespondActivityTaskFailed records a failed attempt. Retryable failures arm
// an internal backoff timer instead of waking the workflow.
func (c *Coordinator) RespondActivityTaskFailed(ctx context.Context, tok task.Token, failure *cascade.Failure, identity string) error {
	h, ai, err := c.activityForToken(ctx, tok)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if failure == nil {
		failure = &cascade.Failure{Message: "activity failed"}
	}
	delay, retry := ai.RetryPolicy.NextDelay(ai.Attempt, failure.Type, failure.NonRetryable)
	if retry {
		events, err := c.appendLocked(ctx, h,
			&event.ActivityFailedAttrs{
				ScheduledEventID: tok.ScheduledEventID,
				StartedEventID:   ai.StartedEventID,
				Failure:          failure,
				Attempt:          ai.Attempt,
				RetryScheduled:   true,
			},
			&event.TimerStartedAttrs{
				TimerID:                  retryTimerID(tok.ScheduledEventID, ai.Attempt+1),
				FireAfter:                delay,
				Internal:                 true,
				ActivityScheduledEventID: tok.ScheduledEventID,
			},
		)
		if err != nil {
			return err
		}
		c.applySideEffectsLocked(h, events)
		return nil
	}

	if _, err := c.appendLocked(ctx, h, &event.ActivityFailedAttrs{
		ScheduledEventID: tok.ScheduledEventID,
		StartedEventID:   ai.StartedEventID,
		Failure:          failure,
		Attempt:          ai.Attempt,
	}); err != nil {
		return err
	}
	c.clearActivityTimersLocked(h, tok.ScheduledEventID)
	c.scheduleWorkflowTaskLocked(ctx, h)
	return nil
}

// RespondActivityTaskCancelled acknowledges a cooperative cancellation. The
// activity must have a cancel request recorded.
func (c *Coordinator) RespondActivityTaskCancelled(ctx context.Context, tok task.Token, details cascade.Payload, identity string) error {
	h, ai, err := c.activityForToken(ctx, tok)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if !ai.CancelRequested {
		return cascade.NewError(cascade.CodeClient, "activity %q has no cancel request pending", ai.ActivityID)
	}
	if _, err := c.appendLocked(ctx, h, &event.ActivityCancelledAttrs{
		ScheduledEventID: tok.ScheduledEventID,
		StartedEventID:   ai.StartedEventID,
		Details:          details,
		Identity:         identity,
	}); err != nil {
		return err
	}
	c.clearActivityTimersLocked(h, tok.ScheduledEventID)
	c.scheduleWorkflowTaskLocked(ctx, h)
	return nil
}

// RecordActivityHeartbeat notes liveness of a running attempt and reports
// whether cancellation was requested. Heartbeats never append events.
func (c *Coordinator) RecordActivityHeartbeat(ctx context.Context, tok task.Token, details cascade.Payload) (bool, error) {
	h, ai, err := c.activityForToken(ctx, tok)
	if err != nil {
		return false, err
	}
	defer h.mu.Unlock()

	ai.LastHeartbeat = details
	ai.LastHeartbeatTime = c.now()
	return ai.CancelRequested, nil
}

// activityForToken resolves and validates an activity response token. On
// success the run handle is returned locked.
func (c *Coordinator) activityForToken(ctx context.Context, tok task.Token) (*runHandle, *state.ActivityInfo, error) {
	if tok.Kind != task.KindActivity {
		return nil, nil, cascade.NewError(cascade.CodeClient, "token is not an activity task token")
	}
	h, err := c.loadRun(ctx, tok.RunID)
	if err != nil {
		return nil, nil, err
	}
	h.mu.Lock()
	ms := h.ms
	ai := ms.Activities[tok.ScheduledEventID]
	if !ms.Open() || ai == nil || ai.StartedEventID == 0 || ai.Attempt != tok.Attempt {
		h.mu.Unlock()
		return nil, nil, cascade.NewTypedError(cascade.CodeNotFound, "TaskTokenExpired",
			"activity task token no longer matches run %q", tok.RunID)
	}
	return h, ai, nil
}

// activityScheduleToStartFired expires an attempt that no worker claimed in
// time.
func (c *Coordinator) activityScheduleToStartFired(runID string, scheduledEventID int64, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ai := h.ms.Activities[scheduledEventID]
	if !h.ms.Open() || ai == nil || ai.StartedEventID != 0 || nextAttempt(ai) != attempt {
		return
	}
	if c.hasPendingRetryLocked(h, scheduledEventID) {
		return
	}
	c.activityTimedOutLocked(ctx, h, ai, policy.TimeoutScheduleToStart, 0)
}

// activityStartToCloseFired expires a claimed attempt that never responded.
func (c *Coordinator) activityStartToCloseFired(runID string, scheduledEventID, startedEventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ai := h.ms.Activities[scheduledEventID]
	if !h.ms.Open() || ai == nil || ai.StartedEventID != startedEventID {
		return
	}
	c.activityTimedOutLocked(ctx, h, ai, policy.TimeoutStartToClose, startedEventID)
}

// activityHeartbeatDue checks the heartbeat deadline of a running attempt,
// re-arming when a heartbeat pushed the deadline forward.
func (c *Coordinator) activityHeartbeatDue(runID string, scheduledEventID, startedEventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ai := h.ms.Activities[scheduledEventID]
	if !h.ms.Open() || ai == nil || ai.StartedEventID != startedEventID {
		return
	}
	base := ai.StartedTime
	if ai.LastHeartbeatTime.After(base) {
		base = ai.LastHeartbeatTime
	}
	deadline := base.Add(ai.Timeouts.Heartbeat)
	if c.now().Before(deadline) {
		id := c.timers.Schedule(deadline, func() {
			c.activityHeartbeatDue(runID, scheduledEventID, startedEventID)
		})
		h.actTimers[scheduledEventID] = append(h.actTimers[scheduledEventID], id)
		return
	}
	c.activityTimedOutLocked(ctx, h, ai, policy.TimeoutHeartbeat, startedEventID)
}

// activityScheduleToCloseFired expires the activity's overall deadline across
// all attempts. Never retried.
func (c *Coordinator) activityScheduleToCloseFired(runID string, scheduledEventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ai := h.ms.Activities[scheduledEventID]
	if !h.ms.Open() || ai == nil {
		return
	}
	c.activityTimedOutLocked(ctx, h, ai, policy.TimeoutScheduleToClose, ai.StartedEventID)
}

// activityTimedOutLocked records an activity timeout, arming a retry backoff
// when the policy permits one.
func (c *Coordinator) activityTimedOutLocked(ctx context.Context, h *runHandle, ai *state.ActivityInfo, kind policy.TimeoutKind, startedEventID int64) {
	c.metrics.IncCounter(telemetry.MetricTimeouts, 1, "kind", string(kind))
	scheduledEventID := ai.ScheduledEventID

	// Cancel the pending backoff timer when the overall deadline overtakes a
	// waiting retry.
	if kind == policy.TimeoutScheduleToClose {
		for timerID, ti := range h.ms.Timers {
			if !ti.Internal || ti.ActivityScheduledEventID != scheduledEventID {
				continue
			}
			if _, err := c.appendLocked(ctx, h, &event.TimerCancelledAttrs{
				TimerID:        timerID,
				StartedEventID: ti.StartedEventID,
			}); err != nil {
				c.logger.Error(ctx, "cancel retry backoff", "run_id", h.runID, "timer_id", timerID, "err", err)
				return
			}
			if id, ok := h.timerFires[timerID]; ok {
				c.timers.Cancel(id)
				delete(h.timerFires, timerID)
			}
		}
	}

	delay, retry := ai.RetryPolicy.NextDelay(ai.Attempt, kind.ErrorType(), false)
	if retry {
		events, err := c.appendLocked(ctx, h,
			&event.ActivityTimedOutAttrs{
				ScheduledEventID: scheduledEventID,
				StartedEventID:   startedEventID,
				TimeoutKind:      kind,
				Attempt:          ai.Attempt,
				LastHeartbeat:    ai.LastHeartbeat,
				RetryScheduled:   true,
			},
			&event.TimerStartedAttrs{
				TimerID:                  retryTimerID(scheduledEventID, ai.Attempt+1),
				FireAfter:                delay,
				Internal:                 true,
				ActivityScheduledEventID: scheduledEventID,
			},
		)
		if err != nil {
			c.logger.Error(ctx, "record activity timeout", "run_id", h.runID, "err", err)
			return
		}
		c.applySideEffectsLocked(h, events)
		return
	}

	if _, err := c.appendLocked(ctx, h, &event.ActivityTimedOutAttrs{
		ScheduledEventID: scheduledEventID,
		StartedEventID:   startedEventID,
		TimeoutKind:      kind,
		Attempt:          ai.Attempt,
		LastHeartbeat:    ai.LastHeartbeat,
	}); err != nil {
		c.logger.Error(ctx, "record activity timeout", "run_id", h.runID, "err", err)
		return
	}
	c.clearActivityTimersLocked(h, scheduledEventID)
	c.scheduleWorkflowTaskLocked(ctx, h)
}

// armTimerFireLocked arms the wall-clock fire of a workflow or internal
// timer.
func (c *Coordinator) armTimerFireLocked(h *runHandle, timerID string, startedEventID int64, fireAt time.Time) {
	if existing, ok := h.timerFires[timerID]; ok {
		c.timers.Cancel(existing)
	}
	runID := h.runID
	h.timerFires[timerID] = c.timers.Schedule(fireAt, func() {
		c.timerFired(runID, timerID, startedEventID)
	})
}

// timerFired records a timer firing. Internal retry timers re-dispatch their
// activity; workflow timers wake the workflow.
func (c *Coordinator) timerFired(runID, timerID string, startedEventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := c.handleFor(runID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.ms
	ti := ms.Timers[timerID]
	if !ms.Open() || ti == nil || ti.StartedEventID != startedEventID {
		return
	}
	internal := ti.Internal
	activityScheduledEventID := ti.ActivityScheduledEventID

	if _, err := c.appendLocked(ctx, h, &event.TimerFiredAttrs{
		TimerID:        timerID,
		StartedEventID: startedEventID,
	}); err != nil {
		c.logger.Error(ctx, "record timer fire", "run_id", runID, "timer_id", timerID, "err", err)
		return
	}
	delete(h.timerFires, timerID)

	if internal {
		c.dispatchActivityLocked(h, activityScheduledEventID)
		return
	}
	c.scheduleWorkflowTaskLocked(ctx, h)
}
