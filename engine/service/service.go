// Package service is the transport-facing facade over the coordinator. It
// defines the wire request and response documents, validates them, and maps
// them onto coordinator operations. The rpc package exposes these methods
// over gRPC without adding semantics of its own.
package service

import (
	"context"
	"time"

	"goa.design/cascade"
	"goa.design/cascade/engine/coordinator"
	"goa.design/cascade/engine/event"
	"goa.design/cascade/engine/policy"
	"goa.design/cascade/engine/task"
	"goa.design/cascade/engine/visibility"
	"goa.design/cascade/telemetry"
)

// defaultPollTimeout bounds worker long polls when the request does not.
const defaultPollTimeout = 60 * time.Second

type (
	// Pinger is implemented by stores that can report reachability.
	Pinger interface {
		Name() string
		Ping(ctx context.Context) error
	}

	// Options configures the service.
	Options struct {
		// Coordinator executes all operations. Required.
		Coordinator *coordinator.Coordinator
		// PollTimeout caps worker long-poll duration. Defaults to 60s.
		PollTimeout time.Duration
		// Pingers are health-checked by Health.
		Pingers []Pinger
		// Logger receives request logs.
		Logger telemetry.Logger
	}

	// Service exposes the workflow engine's client and worker operations.
	Service struct {
		coord       *coordinator.Coordinator
		pollTimeout time.Duration
		pingers     []Pinger
		logger      telemetry.Logger
	}
)

// New builds the service facade.
func New(opts Options) *Service {
	if opts.Coordinator == nil {
		panic("service: coordinator is required")
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		coord:       opts.Coordinator,
		pollTimeout: pollTimeout,
		pingers:     opts.Pingers,
		logger:      logger,
	}
}

type (
	// StartWorkflowRequest starts a new run.
	StartWorkflowRequest struct {
		WorkflowID       string                     `json:"workflow_id"`
		WorkflowType     string                     `json:"workflow_type"`
		TaskQueue        string                     `json:"task_queue"`
		Input            cascade.Payload            `json:"input,omitzero"`
		Timeouts         policy.WorkflowTimeouts    `json:"timeouts,omitzero"`
		RetryPolicy      *policy.Retry              `json:"retry_policy,omitempty"`
		IDReusePolicy    string                     `json:"id_reuse_policy,omitempty"`
		RequestID        string                     `json:"request_id,omitempty"`
		Memo             map[string]cascade.Payload `json:"memo,omitempty"`
		SearchAttributes map[string]cascade.Payload `json:"search_attributes,omitempty"`
	}

	// StartWorkflowResponse reports the run the request resolved to.
	StartWorkflowResponse struct {
		RunID string `json:"run_id"`
	}

	// SignalWithStartRequest signals an open run or starts one carrying the
	// signal.
	SignalWithStartRequest struct {
		StartWorkflowRequest
		SignalName      string          `json:"signal_name"`
		SignalInput     cascade.Payload `json:"signal_input,omitzero"`
		SignalRequestID string          `json:"signal_request_id,omitempty"`
	}

	// SignalWorkflowRequest delivers a signal to an open run.
	SignalWorkflowRequest struct {
		WorkflowID string          `json:"workflow_id"`
		RunID      string          `json:"run_id,omitempty"`
		Name       string          `json:"name"`
		Input      cascade.Payload `json:"input,omitzero"`
		RequestID  string          `json:"request_id,omitempty"`
		Identity   string          `json:"identity,omitempty"`
	}

	// CancelWorkflowRequest records a cooperative cancel request.
	CancelWorkflowRequest struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
		Reason     string `json:"reason,omitempty"`
		Identity   string `json:"identity,omitempty"`
	}

	// TerminateWorkflowRequest closes a run by administrative action.
	TerminateWorkflowRequest struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
		Reason     string `json:"reason,omitempty"`
		Identity   string `json:"identity,omitempty"`
	}

	// QueryWorkflowRequest asks workflow code a read-only question.
	QueryWorkflowRequest struct {
		WorkflowID string          `json:"workflow_id"`
		RunID      string          `json:"run_id,omitempty"`
		Name       string          `json:"name"`
		Args       cascade.Payload `json:"args,omitzero"`
	}

	// QueryWorkflowResponse carries the query answer.
	QueryWorkflowResponse struct {
		Result cascade.Payload `json:"result,omitzero"`
	}

	// UpdateWorkflowRequest submits a two-phase update.
	UpdateWorkflowRequest struct {
		WorkflowID string          `json:"workflow_id"`
		RunID      string          `json:"run_id,omitempty"`
		UpdateID   string          `json:"update_id,omitempty"`
		Name       string          `json:"name"`
		Input      cascade.Payload `json:"input,omitzero"`
		WaitStage  string          `json:"wait_stage,omitempty"`
	}

	// UpdateWorkflowResponse reports the update outcome at the waited stage.
	UpdateWorkflowResponse struct {
		UpdateID string           `json:"update_id"`
		State    string           `json:"state"`
		Result   cascade.Payload  `json:"result,omitzero"`
		Failure  *cascade.Failure `json:"failure,omitempty"`
	}

	// WaitWorkflowResultRequest blocks for the terminal result.
	WaitWorkflowResultRequest struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
	}

	// WaitWorkflowResultResponse carries the final result of the chain.
	WaitWorkflowResultResponse struct {
		Result cascade.Payload `json:"result,omitzero"`
	}

	// DescribeWorkflowRequest fetches a run summary.
	DescribeWorkflowRequest struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
	}

	// DescribeWorkflowResponse is the run summary document.
	DescribeWorkflowResponse struct {
		WorkflowID         string                        `json:"workflow_id"`
		RunID              string                        `json:"run_id"`
		WorkflowType       string                        `json:"workflow_type"`
		TaskQueue          string                        `json:"task_queue"`
		Status             string                        `json:"status"`
		Stuck              bool                          `json:"stuck,omitempty"`
		CancelRequested    bool                          `json:"cancel_requested,omitempty"`
		StartTime          time.Time                     `json:"start_time"`
		CloseTime          time.Time                     `json:"close_time,omitzero"`
		HistoryLength      int64                         `json:"history_length"`
		ContinuedFromRunID string                        `json:"continued_from_run_id,omitempty"`
		NewRunID           string                        `json:"new_run_id,omitempty"`
		ParentRunID        string                        `json:"parent_run_id,omitempty"`
		PendingActivities  []coordinator.PendingActivity `json:"pending_activities,omitempty"`
		PendingTimers      []coordinator.PendingTimer    `json:"pending_timers,omitempty"`
		PendingChildren    []coordinator.PendingChild    `json:"pending_children,omitempty"`
		Memo               map[string]cascade.Payload    `json:"memo,omitempty"`
		SearchAttributes   map[string]cascade.Payload    `json:"search_attributes,omitempty"`
	}

	// GetHistoryRequest pages through a run's history.
	GetHistoryRequest struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
		From       int64  `json:"from,omitempty"`
		PageSize   int    `json:"page_size,omitempty"`
	}

	// GetHistoryResponse carries one history page.
	GetHistoryResponse struct {
		Events   []*event.Event `json:"events"`
		NextFrom int64          `json:"next_from,omitempty"`
	}

	// ListWorkflowsRequest filters visibility records.
	ListWorkflowsRequest struct {
		WorkflowIDPrefix string `json:"workflow_id_prefix,omitempty"`
		WorkflowType     string `json:"workflow_type,omitempty"`
		Status           string `json:"status,omitempty"`
		OnlyOpen         bool   `json:"only_open,omitempty"`
		Limit            int    `json:"limit,omitempty"`
	}

	// ListWorkflowsResponse carries matching records, newest first.
	ListWorkflowsResponse struct {
		Records []visibility.Record `json:"records"`
	}

	// ResetWorkflowRequest re-issues a history prefix under a new run.
	ResetWorkflowRequest struct {
		WorkflowID   string `json:"workflow_id"`
		RunID        string `json:"run_id,omitempty"`
		ResetEventID int64  `json:"reset_event_id"`
		Reason       string `json:"reason,omitempty"`
	}

	// ResetWorkflowResponse reports the new run.
	ResetWorkflowResponse struct {
		RunID string `json:"run_id"`
	}

	// PollWorkflowTaskRequest long-polls for a workflow task. A non-empty
	// SupportedWorkflowTypes restricts matching to runs of those types.
	PollWorkflowTaskRequest struct {
		TaskQueue              string   `json:"task_queue"`
		Identity               string   `json:"identity,omitempty"`
		SupportedWorkflowTypes []string `json:"supported_workflow_types,omitempty"`
	}

	// PollWorkflowTaskResponse carries the matched task; nil Task means the
	// poll timed out empty.
	PollWorkflowTaskResponse struct {
		Task *task.WorkflowTask `json:"task,omitempty"`
	}

	// PollActivityTaskRequest long-polls for an activity task. A non-empty
	// SupportedActivityTypes restricts matching to activities of those types.
	PollActivityTaskRequest struct {
		TaskQueue              string   `json:"task_queue"`
		Identity               string   `json:"identity,omitempty"`
		SupportedActivityTypes []string `json:"supported_activity_types,omitempty"`
	}

	// PollActivityTaskResponse carries the matched task; nil Task means the
	// poll timed out empty.
	PollActivityTaskResponse struct {
		Task *task.ActivityTask `json:"task,omitempty"`
	}

	// RespondWorkflowTaskCompletedRequest returns commands for a task.
	RespondWorkflowTaskCompletedRequest struct {
		TaskToken    []byte             `json:"task_token"`
		Commands     []*task.Command    `json:"commands,omitempty"`
		QueryResults []task.QueryResult `json:"query_results,omitempty"`
		Identity     string             `json:"identity,omitempty"`
	}

	// RespondWorkflowTaskFailedRequest reports a failed task.
	RespondWorkflowTaskFailedRequest struct {
		TaskToken []byte           `json:"task_token"`
		Cause     string           `json:"cause,omitempty"`
		Failure   *cascade.Failure `json:"failure,omitempty"`
		Identity  string           `json:"identity,omitempty"`
	}

	// RespondActivityTaskCompletedRequest reports a successful attempt.
	RespondActivityTaskCompletedRequest struct {
		TaskToken []byte          `json:"task_token"`
		Result    cascade.Payload `json:"result,omitzero"`
		Identity  string          `json:"identity,omitempty"`
	}

	// RespondActivityTaskFailedRequest reports a failed attempt.
	RespondActivityTaskFailedRequest struct {
		TaskToken []byte           `json:"task_token"`
		Failure   *cascade.Failure `json:"failure,omitempty"`
		Identity  string           `json:"identity,omitempty"`
	}

	// RespondActivityTaskCancelledRequest acknowledges cancellation.
	RespondActivityTaskCancelledRequest struct {
		TaskToken []byte          `json:"task_token"`
		Details   cascade.Payload `json:"details,omitzero"`
		Identity  string          `json:"identity,omitempty"`
	}

	// RecordActivityHeartbeatRequest notes attempt liveness.
	RecordActivityHeartbeatRequest struct {
		TaskToken []byte          `json:"task_token"`
		Details   cascade.Payload `json:"details,omitzero"`
	}

	// RecordActivityHeartbeatResponse reports a pending cancel request.
	RecordActivityHeartbeatResponse struct {
		CancelRequested bool `json:"cancel_requested,omitempty"`
	}

	// Empty is the response of operations with nothing to return.
	Empty struct{}

	// HealthResponse reports store reachability.
	HealthResponse struct {
		Healthy bool              `json:"healthy"`
		Stores  map[string]string `json:"stores,omitempty"`
	}
)

// StartWorkflow creates a run and schedules its first workflow task.
func (s *Service) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	runID, err := s.coord.StartWorkflow(ctx, coordinator.StartRequest{
		WorkflowID:       req.WorkflowID,
		WorkflowType:     req.WorkflowType,
		TaskQueue:        req.TaskQueue,
		Input:            req.Input,
		Timeouts:         req.Timeouts,
		RetryPolicy:      req.RetryPolicy,
		IDReusePolicy:    coordinator.IDReusePolicy(req.IDReusePolicy),
		RequestID:        req.RequestID,
		Memo:             req.Memo,
		SearchAttributes: req.SearchAttributes,
	})
	if err != nil {
		return nil, err
	}
	return &StartWorkflowResponse{RunID: runID}, nil
}

// SignalWithStart delivers a signal, starting the workflow first when no run
// is open.
func (s *Service) SignalWithStart(ctx context.Context, req *SignalWithStartRequest) (*StartWorkflowResponse, error) {
	runID, err := s.coord.SignalWithStart(ctx, coordinator.StartRequest{
		WorkflowID:       req.WorkflowID,
		WorkflowType:     req.WorkflowType,
		TaskQueue:        req.TaskQueue,
		Input:            req.Input,
		Timeouts:         req.Timeouts,
		RetryPolicy:      req.RetryPolicy,
		IDReusePolicy:    coordinator.IDReusePolicy(req.IDReusePolicy),
		RequestID:        req.RequestID,
		Memo:             req.Memo,
		SearchAttributes: req.SearchAttributes,
	}, req.SignalName, req.SignalInput, req.SignalRequestID)
	if err != nil {
		return nil, err
	}
	return &StartWorkflowResponse{RunID: runID}, nil
}

// SignalWorkflow delivers a signal to the open run.
func (s *Service) SignalWorkflow(ctx context.Context, req *SignalWorkflowRequest) (*Empty, error) {
	err := s.coord.SignalWorkflow(ctx, req.WorkflowID, req.RunID, req.Name, req.Input, req.RequestID, req.Identity)
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// CancelWorkflow records a cooperative cancel request.
func (s *Service) CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) (*Empty, error) {
	if err := s.coord.CancelWorkflow(ctx, req.WorkflowID, req.RunID, req.Reason, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// TerminateWorkflow closes the run without worker involvement.
func (s *Service) TerminateWorkflow(ctx context.Context, req *TerminateWorkflowRequest) (*Empty, error) {
	if err := s.coord.TerminateWorkflow(ctx, req.WorkflowID, req.RunID, req.Reason, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// QueryWorkflow answers a read-only question against current state.
func (s *Service) QueryWorkflow(ctx context.Context, req *QueryWorkflowRequest) (*QueryWorkflowResponse, error) {
	result, err := s.coord.QueryWorkflow(ctx, req.WorkflowID, req.RunID, req.Name, req.Args)
	if err != nil {
		return nil, err
	}
	return &QueryWorkflowResponse{Result: result}, nil
}

// UpdateWorkflow submits a two-phase update and waits for the requested
// stage.
func (s *Service) UpdateWorkflow(ctx context.Context, req *UpdateWorkflowRequest) (*UpdateWorkflowResponse, error) {
	res, err := s.coord.UpdateWorkflow(ctx, req.WorkflowID, req.RunID, req.UpdateID, req.Name, req.Input, req.WaitStage)
	if err != nil {
		return nil, err
	}
	return &UpdateWorkflowResponse{
		UpdateID: res.UpdateID,
		State:    string(res.State),
		Result:   res.Result,
		Failure:  res.Failure,
	}, nil
}

// WaitWorkflowResult blocks until the run chain closes and returns the final
// result.
func (s *Service) WaitWorkflowResult(ctx context.Context, req *WaitWorkflowResultRequest) (*WaitWorkflowResultResponse, error) {
	result, err := s.coord.WaitWorkflowResult(ctx, req.WorkflowID, req.RunID)
	if err != nil {
		return nil, err
	}
	return &WaitWorkflowResultResponse{Result: result}, nil
}

// DescribeWorkflow returns a point-in-time run summary.
func (s *Service) DescribeWorkflow(ctx context.Context, req *DescribeWorkflowRequest) (*DescribeWorkflowResponse, error) {
	desc, err := s.coord.DescribeWorkflow(ctx, req.WorkflowID, req.RunID)
	if err != nil {
		return nil, err
	}
	return &DescribeWorkflowResponse{
		WorkflowID:         desc.WorkflowID,
		RunID:              desc.RunID,
		WorkflowType:       desc.WorkflowType,
		TaskQueue:          desc.TaskQueue,
		Status:             string(desc.Status),
		Stuck:              desc.Stuck,
		CancelRequested:    desc.CancelRequested,
		StartTime:          desc.StartTime,
		CloseTime:          desc.CloseTime,
		HistoryLength:      desc.HistoryLength,
		ContinuedFromRunID: desc.ContinuedFromRunID,
		NewRunID:           desc.NewRunID,
		ParentRunID:        desc.ParentRunID,
		PendingActivities:  desc.PendingActivities,
		PendingTimers:      desc.PendingTimers,
		PendingChildren:    desc.PendingChildren,
		Memo:               desc.Memo,
		SearchAttributes:   desc.SearchAttributes,
	}, nil
}

// GetHistory returns one page of a run's history.
func (s *Service) GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error) {
	events, next, err := s.coord.GetHistory(ctx, req.WorkflowID, req.RunID, req.From, req.PageSize)
	if err != nil {
		return nil, err
	}
	return &GetHistoryResponse{Events: events, NextFrom: next}, nil
}

// ListWorkflows returns visibility records matching the filter.
func (s *Service) ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	recs, err := s.coord.ListWorkflows(ctx, visibility.Filter{
		WorkflowIDPrefix: req.WorkflowIDPrefix,
		WorkflowType:     req.WorkflowType,
		Status:           req.Status,
		OnlyOpen:         req.OnlyOpen,
	}, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListWorkflowsResponse{Records: recs}, nil
}

// ResetWorkflow re-issues the history prefix under a new run id.
func (s *Service) ResetWorkflow(ctx context.Context, req *ResetWorkflowRequest) (*ResetWorkflowResponse, error) {
	runID, err := s.coord.ResetWorkflow(ctx, req.WorkflowID, req.RunID, req.ResetEventID, req.Reason)
	if err != nil {
		return nil, err
	}
	return &ResetWorkflowResponse{RunID: runID}, nil
}

// PollWorkflowTask blocks until a workflow task matches or the poll timeout
// elapses.
func (s *Service) PollWorkflowTask(ctx context.Context, req *PollWorkflowTaskRequest) (*PollWorkflowTaskResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()
	t, err := s.coord.PollWorkflowTask(ctx, req.TaskQueue, req.Identity, req.SupportedWorkflowTypes...)
	if err != nil {
		return nil, err
	}
	return &PollWorkflowTaskResponse{Task: t}, nil
}

// PollActivityTask blocks until an activity task matches or the poll timeout
// elapses.
func (s *Service) PollActivityTask(ctx context.Context, req *PollActivityTaskRequest) (*PollActivityTaskResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()
	t, err := s.coord.PollActivityTask(ctx, req.TaskQueue, req.Identity, req.SupportedActivityTypes...)
	if err != nil {
		return nil, err
	}
	return &PollActivityTaskResponse{Task: t}, nil
}

// RespondWorkflowTaskCompleted ingests a worker's command batch.
func (s *Service) RespondWorkflowTaskCompleted(ctx context.Context, req *RespondWorkflowTaskCompletedRequest) (*Empty, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	if err := s.coord.RespondWorkflowTaskCompleted(ctx, tok, req.Commands, req.QueryResults, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// RespondWorkflowTaskFailed records a worker-reported task failure.
func (s *Service) RespondWorkflowTaskFailed(ctx context.Context, req *RespondWorkflowTaskFailedRequest) (*Empty, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	if err := s.coord.RespondWorkflowTaskFailed(ctx, tok, req.Cause, req.Failure, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// RespondActivityTaskCompleted records a successful activity attempt.
func (s *Service) RespondActivityTaskCompleted(ctx context.Context, req *RespondActivityTaskCompletedRequest) (*Empty, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	if err := s.coord.RespondActivityTaskCompleted(ctx, tok, req.Result, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// RespondActivityTaskFailed records a failed activity attempt.
func (s *Service) RespondActivityTaskFailed(ctx context.Context, req *RespondActivityTaskFailedRequest) (*Empty, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	if err := s.coord.RespondActivityTaskFailed(ctx, tok, req.Failure, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// RespondActivityTaskCancelled acknowledges cooperative cancellation.
func (s *Service) RespondActivityTaskCancelled(ctx context.Context, req *RespondActivityTaskCancelledRequest) (*Empty, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	if err := s.coord.RespondActivityTaskCancelled(ctx, tok, req.Details, req.Identity); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// RecordActivityHeartbeat notes attempt liveness and reports pending
// cancellation.
func (s *Service) RecordActivityHeartbeat(ctx context.Context, req *RecordActivityHeartbeatRequest) (*RecordActivityHeartbeatResponse, error) {
	tok, err := task.DecodeToken(req.TaskToken)
	if err != nil {
		return nil, err
	}
	cancelRequested, err := s.coord.RecordActivityHeartbeat(ctx, tok, req.Details)
	if err != nil {
		return nil, err
	}
	return &RecordActivityHeartbeatResponse{CancelRequested: cancelRequested}, nil
}

// Health pings every configured store and reports per-store status.
func (s *Service) Health(ctx context.Context) *HealthResponse {
	resp := &HealthResponse{Healthy: true, Stores: make(map[string]string, len(s.pingers))}
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			resp.Healthy = false
			resp.Stores[p.Name()] = err.Error()
			continue
		}
		resp.Stores[p.Name()] = "ok"
	}
	return resp
}
