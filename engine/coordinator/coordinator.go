// Package coordinator implements the execution coordinator, the component
// that advances workflow runs. It owns the per-run lock, converts worker
// commands into history events, dispatches tasks through the matcher, arms
// timeout and retry timers, and serves the interaction operations.
//
// All run mutation funnels through one rule: build an event batch, append it
// optimistically through the history store, fold the committed events into
// mutable state, then run side effects. A conflict means another writer
// advanced the run; the cached state is rebuilt from history and the caller
// retries or surfaces a transient error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/cascade"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/history"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/queue"
	"goa.design/cascade/engine/state"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/engine/timers"
	"goa.design/cascade/engine/visibility"
	"goa.design/cascade/telemetry"
)

const (
	defaultWorkflowTaskTimeout = 10 * time.Second
	defaultStuckThreshold      = 5
)

type (
	// Options configures a Coordinator. History, Matcher and Timers are
	// required; the rest default to no-ops or engine defaults.
	Options struct {
		// History is the durable event store.
		History history.Store
		// Visibility persists run metadata; nil disables visibility.
		Visibility visibility.Store
		// Matcher delivers tasks to polling workers.
		Matcher *queue.Matcher
		// Timers fires wall-clock deadlines.
		Timers *timers.Service
		// Logger receives structured engine logs.
		Logger telemetry.Logger
		// Metrics receives engine counters and timers.
		Metrics telemetry.Metrics
		// Defaults supply values for options callers omit.
		Defaults Defaults
		// Clock overrides the wall clock, for tests.
		Clock func() time.Time
	}

	// Defaults are the engine-level fallbacks applied when a start or
	// schedule request omits an option.
	Defaults struct {
		// WorkflowTimeouts fill omitted workflow timeout fields.
		WorkflowTimeouts policy.WorkflowTimeouts
		// ActivityTimeouts fill omitted activity timeout fields.
		ActivityTimeouts policy.ActivityTimeouts
		// RetryPolicy fills omitted activity retry fields.
		RetryPolicy policy.Retry
		// StuckThreshold is the consecutive workflow task failure count
		// after which a run stops scheduling tasks and awaits an operator.
		StuckThreshold int
		// HistoryRetention is how long closed run histories are kept. Zero
		// keeps them forever.
		HistoryRetention time.Duration
		// MaxHistoryEvents is the event-count ceiling; zero is unbounded.
		MaxHistoryEvents int64
		// MaxHistoryBytes is the encoded-size ceiling; zero is unbounded.
		MaxHistoryBytes int64
	}

	// Coordinator advances workflow runs. Safe for concurrent use; per-run
	// work is serialized through the run handle lock.
	Coordinator struct {
		history    history.Store
		visibility visibility.Store
		matcher    *queue.Matcher
		timers     *timers.Service
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		defaults   Defaults
		now        func() time.Time
		newID      func() string

		mu   sync.Mutex
		runs map[string]*runHandle
		open map[string]string // workflow id -> open run id
	}

	// runHandle is the in-process anchor of one run: the mutable state, the
	// per-run lock, armed engine timers and in-flight interaction bookkeeping.
	runHandle struct {
		mu    sync.Mutex
		runID string
		ms    *state.MutableState

		closed     chan struct{}
		closedOnce sync.Once

		stuck               bool
		consecutiveFailures int
		wftAttempt          int

		runTimer   timers.ID
		execTimer  timers.ID
		wftTimer   timers.ID
		retention  timers.ID
		timerFires map[string]timers.ID // workflow + internal timers
		actTimers  map[int64][]timers.ID

		searchAttrs map[string]cascade.Payload // visibility overlay

		queries     map[string]*pendingQuery
		nextQuery   int64
		updates     []*pendingUpdate
		updatesByID map[string]*pendingUpdate
	}

	pendingQuery struct {
		id   string
		req  task.QueryRequest
		done chan queryOutcome
	}

	queryOutcome struct {
		result cascade.Payload
		err    error
	}

	pendingUpdate struct {
		req            task.UpdateRequest
		delivered      bool
		acceptedClosed bool
		doneClosed     bool
		accepted       chan struct{} // closed at accepted or rejected
		done           chan struct{} // closed at completed or rejected
		outcome        updateOutcome
	}

	updateOutcome struct {
		state   state.UpdateState
		result  cascade.Payload
		failure *cascade.Failure
	}
)

// New builds a Coordinator. It panics when a required dependency is missing;
// construction happens once at daemon startup.
func New(opts Options) *Coordinator {
	if opts.History == nil {
		panic("coordinator: history store is required")
	}
	if opts.Matcher == nil {
		panic("coordinator: matcher is required")
	}
	if opts.Timers == nil {
		panic("coordinator: timer service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	defaults := opts.Defaults
	if defaults.StuckThreshold <= 0 {
		defaults.StuckThreshold = defaultStuckThreshold
	}
	if defaults.WorkflowTimeouts.Task <= 0 {
		defaults.WorkflowTimeouts.Task = defaultWorkflowTaskTimeout
	}
	if defaults.RetryPolicy.InitialInterval <= 0 {
		defaults.RetryPolicy = policy.DefaultRetry()
	}
	return &Coordinator{
		history:    opts.History,
		visibility: opts.Visibility,
		matcher:    opts.Matcher,
		timers:     opts.Timers,
		logger:     logger,
		metrics:    metrics,
		defaults:   defaults,
		now:        now,
		newID:      uuid.NewString,
		runs:       make(map[string]*runHandle),
		open:       make(map[string]string),
	}
}

func newRunHandle(runID string, ms *state.MutableState) *runHandle {
	return &runHandle{
		runID:       runID,
		ms:          ms,
		closed:      make(chan struct{}),
		timerFires:  make(map[string]timers.ID),
		actTimers:   make(map[int64][]timers.ID),
		queries:     make(map[string]*pendingQuery),
		updatesByID: make(map[string]*pendingUpdate),
		wftAttempt:  1,
	}
}

// handleFor returns the cached handle, or nil when the run is not resident.
func (c *Coordinator) handleFor(runID string) *runHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

// loadRun returns the run handle, rebuilding mutable state from history when
// the run is not cached. Unknown runs report CodeNotFound.
func (c *Coordinator) loadRun(ctx context.Context, runID string) (*runHandle, error) {
	if h := c.handleFor(runID); h != nil {
		return h, nil
	}
	events, err := c.history.ReadRange(ctx, runID, 1, 0)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, cascade.NewError(cascade.CodeNotFound, "unknown run %q", runID)
		}
		return nil, cascade.WrapError(cascade.CodeTransient, err, "read history for run %q", runID)
	}
	if len(events) == 0 {
		return nil, cascade.NewError(cascade.CodeNotFound, "unknown run %q", runID)
	}
	started, ok := events[0].Attributes.(*event.WorkflowStartedAttrs)
	if !ok {
		return nil, cascade.NewError(cascade.CodeTransient, "run %q history does not begin with a start event", runID)
	}
	ms, err := state.Rebuild(started.WorkflowID, runID, events)
	if err != nil {
		return nil, cascade.WrapError(cascade.CodeTransient, err, "rebuild state for run %q", runID)
	}

	c.mu.Lock()
	if existing := c.runs[runID]; existing != nil {
		c.mu.Unlock()
		return existing, nil
	}
	h := newRunHandle(runID, ms)
	c.runs[runID] = h
	if ms.Open() {
		c.open[ms.WorkflowID] = runID
	}
	c.mu.Unlock()

	h.mu.Lock()
	if ms.Open() {
		c.rehydrateLocked(h)
	} else {
		h.closedOnce.Do(func() { close(h.closed) })
	}
	h.mu.Unlock()
	return h, nil
}

// resolveRun maps (workflowID, runID) to a run handle. An empty runID means
// the latest open run; when none is open the most recent run is used for
// read-style operations if allowClosed is set.
func (c *Coordinator) resolveRun(ctx context.Context, workflowID, runID string, allowClosed bool) (*runHandle, error) {
	if runID != "" {
		return c.loadRun(ctx, runID)
	}
	if workflowID == "" {
		return nil, cascade.NewError(cascade.CodeClient, "workflow id is required")
	}
	c.mu.Lock()
	openRun := c.open[workflowID]
	c.mu.Unlock()
	if openRun != "" {
		return c.loadRun(ctx, openRun)
	}
	if c.visibility != nil {
		if rec, err := c.visibility.GetOpenByWorkflowID(ctx, workflowID); err == nil {
			return c.loadRun(ctx, rec.RunID)
		}
		if allowClosed {
			recs, err := c.visibility.List(ctx, visibility.Filter{WorkflowIDPrefix: workflowID}, 0)
			if err == nil {
				for _, rec := range recs {
					if rec.WorkflowID == workflowID {
						return c.loadRun(ctx, rec.RunID)
					}
				}
			}
		}
	}
	return nil, cascade.NewError(cascade.CodeNotFound, "no open run for workflow %q", workflowID)
}

// appendLocked assigns event ids starting at the state's next id, appends the
// batch through the history store and folds the committed events into the
// mutable state. The run handle lock must be held. On conflict the cached
// state is rebuilt and a transient error returned.
func (c *Coordinator) appendLocked(ctx context.Context, h *runHandle, attrs ...event.Attributes) ([]*event.Event, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	now := c.now()
	if now.Before(h.ms.LastEventTime) {
		now = h.ms.LastEventTime
	}
	events := make([]*event.Event, len(attrs))
	base := h.ms.NextEventID
	for i, a := range attrs {
		events[i] = event.New(base+int64(i), now, a)
	}

	start := time.Now()
	err := c.history.AppendBatch(ctx, h.runID, base, events)
	c.metrics.RecordTimer(telemetry.MetricAppendLatency, time.Since(start))
	if err != nil {
		if errors.Is(err, history.ErrConflict) {
			c.metrics.IncCounter(telemetry.MetricAppendConflicts, 1)
			c.rebuildLocked(ctx, h)
			return nil, cascade.WrapError(cascade.CodeTransient, err, "run %q advanced concurrently", h.runID)
		}
		if errors.Is(err, history.ErrClosed) {
			return nil, cascade.NewError(cascade.CodePrecondition, "run %q is closed", h.runID)
		}
		return nil, cascade.WrapError(cascade.CodeTransient, err, "append to run %q", h.runID)
	}
	c.metrics.IncCounter(telemetry.MetricAppends, 1)

	wasOpen := h.ms.Open()
	for _, e := range events {
		if err := h.ms.Apply(e); err != nil {
			// The batch is durable but the projection refused it; the state
			// is unusable until rebuilt.
			c.logger.Error(ctx, "apply committed event", "run_id", h.runID, "event_id", e.ID, "err", err)
			c.rebuildLocked(ctx, h)
			return nil, cascade.WrapError(cascade.CodeTransient, err, "apply event %d to run %q", e.ID, h.runID)
		}
	}
	c.recordVisibilityLocked(h)
	if wasOpen && !h.ms.Open() {
		c.onClosedLocked(ctx, h)
	}
	return events, nil
}

// rebuildLocked replaces the cached state with a fresh fold of the stored
// history. Used after append conflicts and apply failures.
func (c *Coordinator) rebuildLocked(ctx context.Context, h *runHandle) {
	events, err := c.history.ReadRange(ctx, h.runID, 1, 0)
	if err != nil {
		c.logger.Error(ctx, "rebuild read history", "run_id", h.runID, "err", err)
		return
	}
	ms, err := state.Rebuild(h.ms.WorkflowID, h.runID, events)
	if err != nil {
		c.logger.Error(ctx, "rebuild state", "run_id", h.runID, "err", err)
		return
	}
	ms.WorkflowID = h.ms.WorkflowID
	h.ms = ms
	if !ms.Open() {
		c.onClosedLocked(ctx, h)
	}
}

// recordVisibilityLocked snapshots the run into its visibility record. The
// write happens off the run lock; a lost record never loses workflow state.
func (c *Coordinator) recordVisibilityLocked(h *runHandle) {
	if c.visibility == nil {
		return
	}
	ms := h.ms
	rec := visibility.Record{
		WorkflowID:         ms.WorkflowID,
		RunID:              h.runID,
		WorkflowType:       ms.WorkflowType,
		TaskQueue:          ms.TaskQueue,
		Status:             string(ms.Status),
		StartTime:          ms.StartTime,
		HistoryLength:      ms.NextEventID - 1,
		ContinuedFromRunID: ms.ContinuedFromRunID,
		Stuck:              h.stuck,
		Memo:               ms.Memo,
		SearchAttributes:   mergeAttrs(ms.SearchAttributes, h.searchAttrs),
	}
	if !ms.Open() {
		rec.CloseTime = ms.LastEventTime
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.visibility.Upsert(ctx, rec); err != nil {
			c.logger.Warn(ctx, "visibility upsert", "run_id", rec.RunID, "err", err)
		}
	}()
}

func mergeAttrs(base, overlay map[string]cascade.Payload) map[string]cascade.Payload {
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[string]cascade.Payload, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// onClosedLocked runs once when a terminal event lands: releases waiters,
// disarms timers, notifies the parent run and arms retention cleanup.
func (c *Coordinator) onClosedLocked(ctx context.Context, h *runHandle) {
	h.closedOnce.Do(func() { close(h.closed) })
	c.metrics.IncCounter(telemetry.MetricRunsClosed, 1, "status", string(h.ms.Status))

	c.timers.Cancel(h.runTimer)
	c.timers.Cancel(h.execTimer)
	c.timers.Cancel(h.wftTimer)
	for _, id := range h.timerFires {
		c.timers.Cancel(id)
	}
	for _, ids := range h.actTimers {
		for _, id := range ids {
			c.timers.Cancel(id)
		}
	}
	h.timerFires = make(map[string]timers.ID)
	h.actTimers = make(map[int64][]timers.ID)

	for _, pu := range h.updates {
		if pu.doneClosed {
			continue
		}
		if !pu.acceptedClosed {
			pu.outcome = updateOutcome{
				state:   state.UpdateRejected,
				failure: &cascade.Failure{Message: "workflow closed before the update was processed", Type: "WorkflowClosed"},
			}
			pu.acceptedClosed = true
			close(pu.accepted)
		} else {
			pu.outcome.failure = &cascade.Failure{Message: "workflow closed before the update completed", Type: "WorkflowClosed"}
		}
		pu.doneClosed = true
		close(pu.done)
	}
	h.updates = nil

	c.mu.Lock()
	if c.open[h.ms.WorkflowID] == h.runID {
		delete(c.open, h.ms.WorkflowID)
	}
	c.mu.Unlock()

	if h.ms.ParentRunID != "" {
		c.notifyParent(h)
	}
	if c.defaults.HistoryRetention > 0 {
		runID := h.runID
		h.retention = c.timers.After(c.defaults.HistoryRetention, func() {
			c.expireRun(runID)
		})
	}
	c.logger.Info(ctx, "run closed", "run_id", h.runID, "workflow_id", h.ms.WorkflowID, "status", string(h.ms.Status))
}

// expireRun deletes a closed run's history and visibility record after the
// retention period.
func (c *Coordinator) expireRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.history.DeleteRun(ctx, runID); err != nil {
		c.logger.Warn(ctx, "retention delete history", "run_id", runID, "err", err)
	}
	if c.visibility != nil {
		if err := c.visibility.Delete(ctx, runID); err != nil {
			c.logger.Warn(ctx, "retention delete visibility", "run_id", runID, "err", err)
		}
	}
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}

// retryTimerID names the internal backoff timer armed between activity
// attempts. The id is derived so replays rebuild the same timer set.
func retryTimerID(scheduledEventID int64, attempt int) string {
	return fmt.Sprintf("cascade-retry:%d:%d", scheduledEventID, attempt)
}

// taskTimeout returns the effective workflow task start-to-close duration.
func (c *Coordinator) taskTimeout(ms *state.MutableState) time.Duration {
	if ms.Timeouts.Task > 0 {
		return ms.Timeouts.Task
	}
	return c.defaults.WorkflowTimeouts.Task
}

// overHistoryCeiling reports whether the run exceeded a configured history
// size ceiling.
func (c *Coordinator) overHistoryCeiling(ms *state.MutableState) bool {
	if c.defaults.MaxHistoryEvents > 0 && ms.NextEventID-1 >= c.defaults.MaxHistoryEvents {
		return true
	}
	if c.defaults.MaxHistoryBytes > 0 && ms.HistoryBytes >= c.defaults.MaxHistoryBytes {
		return true
	}
	return false
}
