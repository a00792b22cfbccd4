package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"goa.design/cascade/engine/service"
)

// Client is a typed gRPC client for the workflow service. All methods
// return taxonomy errors rebuilt from the wire status.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a daemon at target without transport security. Extra
// dial options are appended after the codec option.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must use the JSON
// codec as its default call option.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
	if err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// StartWorkflow starts a new run.
func (c *Client) StartWorkflow(ctx context.Context, req *service.StartWorkflowRequest) (*service.StartWorkflowResponse, error) {
	return invoke[service.StartWorkflowRequest, service.StartWorkflowResponse](ctx, c, "StartWorkflow", req)
}

// SignalWithStart signals an open run or starts one carrying the signal.
func (c *Client) SignalWithStart(ctx context.Context, req *service.SignalWithStartRequest) (*service.StartWorkflowResponse, error) {
	return invoke[service.SignalWithStartRequest, service.StartWorkflowResponse](ctx, c, "SignalWithStart", req)
}

// SignalWorkflow delivers a signal to an open run.
func (c *Client) SignalWorkflow(ctx context.Context, req *service.SignalWorkflowRequest) error {
	_, err := invoke[service.SignalWorkflowRequest, service.Empty](ctx, c, "SignalWorkflow", req)
	return err
}

// CancelWorkflow records a cooperative cancel request.
func (c *Client) CancelWorkflow(ctx context.Context, req *service.CancelWorkflowRequest) error {
	_, err := invoke[service.CancelWorkflowRequest, service.Empty](ctx, c, "CancelWorkflow", req)
	return err
}

// TerminateWorkflow closes a run by administrative action.
func (c *Client) TerminateWorkflow(ctx context.Context, req *service.TerminateWorkflowRequest) error {
	_, err := invoke[service.TerminateWorkflowRequest, service.Empty](ctx, c, "TerminateWorkflow", req)
	return err
}

// QueryWorkflow asks workflow code a read-only question.
func (c *Client) QueryWorkflow(ctx context.Context, req *service.QueryWorkflowRequest) (*service.QueryWorkflowResponse, error) {
	return invoke[service.QueryWorkflowRequest, service.QueryWorkflowResponse](ctx, c, "QueryWorkflow", req)
}

// UpdateWorkflow submits a two-phase update.
func (c *Client) UpdateWorkflow(ctx context.Context, req *service.UpdateWorkflowRequest) (*service.UpdateWorkflowResponse, error) {
	return invoke[service.UpdateWorkflowRequest, service.UpdateWorkflowResponse](ctx, c, "UpdateWorkflow", req)
}

// WaitWorkflowResult blocks for the terminal result of the run chain.
func (c *Client) WaitWorkflowResult(ctx context.Context, req *service.WaitWorkflowResultRequest) (*service.WaitWorkflowResultResponse, error) {
	return invoke[service.WaitWorkflowResultRequest, service.WaitWorkflowResultResponse](ctx, c, "WaitWorkflowResult", req)
}

// DescribeWorkflow fetches a run summary.
func (c *Client) DescribeWorkflow(ctx context.Context, req *service.DescribeWorkflowRequest) (*service.DescribeWorkflowResponse, error) {
	return invoke[service.DescribeWorkflowRequest, service.DescribeWorkflowResponse](ctx, c, "DescribeWorkflow", req)
}

// GetHistory fetches one page of a run's history.
func (c *Client) GetHistory(ctx context.Context, req *service.GetHistoryRequest) (*service.GetHistoryResponse, error) {
	return invoke[service.GetHistoryRequest, service.GetHistoryResponse](ctx, c, "GetHistory", req)
}

// ListWorkflows returns visibility records matching the filter.
func (c *Client) ListWorkflows(ctx context.Context, req *service.ListWorkflowsRequest) (*service.ListWorkflowsResponse, error) {
	return invoke[service.ListWorkflowsRequest, service.ListWorkflowsResponse](ctx, c, "ListWorkflows", req)
}

// ResetWorkflow re-issues a history prefix under a new run.
func (c *Client) ResetWorkflow(ctx context.Context, req *service.ResetWorkflowRequest) (*service.ResetWorkflowResponse, error) {
	return invoke[service.ResetWorkflowRequest, service.ResetWorkflowResponse](ctx, c, "ResetWorkflow", req)
}

// PollWorkflowTask long-polls for a workflow task.
func (c *Client) PollWorkflowTask(ctx context.Context, req *service.PollWorkflowTaskRequest) (*service.PollWorkflowTaskResponse, error) {
	return invoke[service.PollWorkflowTaskRequest, service.PollWorkflowTaskResponse](ctx, c, "PollWorkflowTask", req)
}

// PollActivityTask long-polls for an activity task.
func (c *Client) PollActivityTask(ctx context.Context, req *service.PollActivityTaskRequest) (*service.PollActivityTaskResponse, error) {
	return invoke[service.PollActivityTaskRequest, service.PollActivityTaskResponse](ctx, c, "PollActivityTask", req)
}

// RespondWorkflowTaskCompleted returns a command batch for a claimed task.
func (c *Client) RespondWorkflowTaskCompleted(ctx context.Context, req *service.RespondWorkflowTaskCompletedRequest) error {
	_, err := invoke[service.RespondWorkflowTaskCompletedRequest, service.Empty](ctx, c, "RespondWorkflowTaskCompleted", req)
	return err
}

// RespondWorkflowTaskFailed reports a failed workflow task.
func (c *Client) RespondWorkflowTaskFailed(ctx context.Context, req *service.RespondWorkflowTaskFailedRequest) error {
	_, err := invoke[service.RespondWorkflowTaskFailedRequest, service.Empty](ctx, c, "RespondWorkflowTaskFailed", req)
	return err
}

// RespondActivityTaskCompleted reports a successful activity attempt.
func (c *Client) RespondActivityTaskCompleted(ctx context.Context, req *service.RespondActivityTaskCompletedRequest) error {
	_, err := invoke[service.RespondActivityTaskCompletedRequest, service.Empty](ctx, c, "RespondActivityTaskCompleted", req)
	return err
}

// RespondActivityTaskFailed reports a failed activity attempt.
func (c *Client) RespondActivityTaskFailed(ctx context.Context, req *service.RespondActivityTaskFailedRequest) error {
	_, err := invoke[service.RespondActivityTaskFailedRequest, service.Empty](ctx, c, "RespondActivityTaskFailed", req)
	return err
}

// RespondActivityTaskCancelled acknowledges activity cancellation.
func (c *Client) RespondActivityTaskCancelled(ctx context.Context, req *service.RespondActivityTaskCancelledRequest) error {
	_, err := invoke[service.RespondActivityTaskCancelledRequest, service.Empty](ctx, c, "RespondActivityTaskCancelled", req)
	return err
}

// RecordActivityHeartbeat notes attempt liveness.
func (c *Client) RecordActivityHeartbeat(ctx context.Context, req *service.RecordActivityHeartbeatRequest) (*service.RecordActivityHeartbeatResponse, error) {
	return invoke[service.RecordActivityHeartbeatRequest, service.RecordActivityHeartbeatResponse](ctx, c, "RecordActivityHeartbeat", req)
}

// Health reports daemon store reachability.
func (c *Client) Health(ctx context.Context) (*service.HealthResponse, error) {
	return invoke[service.Empty, service.HealthResponse](ctx, c, "Health", &service.Empty{})
}
