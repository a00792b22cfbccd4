// Package rpc exposes the engine over gRPC with a JSON codec. The service
// descriptor is hand-written; request and response documents are the
// service package's wire types, so no generated stubs are involved.
package rpc

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"

	"goa.design/cascade/engine/service"
	"goa.design/cascade/telemetry"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cascade.v1.WorkflowService"

// Server adapts a service.Service to the gRPC surface. Every method runs
// under a span named after the full gRPC method.
type Server struct {
	svc    *service.Service
	logger telemetry.Logger
	tracer telemetry.Tracer
}

// NewServer builds the gRPC adapter.
func NewServer(svc *service.Service, logger telemetry.Logger, tracer telemetry.Tracer) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Server{svc: svc, logger: logger, tracer: tracer}
}

// Register registers the workflow service on the given gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// GRPCServer builds a gRPC server with the JSON codec forced and the
// workflow service registered.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// unary builds a MethodDesc for one service method. Engine errors are
// converted to statuses here so every method maps uniformly.
func unary[Req, Resp any](name string, handle func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			h := func(ctx context.Context, req any) (any, error) {
				ctx, span := s.tracer.Start(ctx, ServiceName+"/"+name)
				defer span.End()
				resp, err := handle(s, ctx, req.(*Req))
				if err != nil {
					s.logger.Debug(ctx, "rpc error", "method", name, "err", err)
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					return nil, toStatus(err).Err()
				}
				return resp, nil
			}
			if interceptor == nil {
				return h(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, h)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartWorkflow", func(s *Server, ctx context.Context, req *service.StartWorkflowRequest) (*service.StartWorkflowResponse, error) {
			return s.svc.StartWorkflow(ctx, req)
		}),
		unary("SignalWithStart", func(s *Server, ctx context.Context, req *service.SignalWithStartRequest) (*service.StartWorkflowResponse, error) {
			return s.svc.SignalWithStart(ctx, req)
		}),
		unary("SignalWorkflow", func(s *Server, ctx context.Context, req *service.SignalWorkflowRequest) (*service.Empty, error) {
			return s.svc.SignalWorkflow(ctx, req)
		}),
		unary("CancelWorkflow", func(s *Server, ctx context.Context, req *service.CancelWorkflowRequest) (*service.Empty, error) {
			return s.svc.CancelWorkflow(ctx, req)
		}),
		unary("TerminateWorkflow", func(s *Server, ctx context.Context, req *service.TerminateWorkflowRequest) (*service.Empty, error) {
			return s.svc.TerminateWorkflow(ctx, req)
		}),
		unary("QueryWorkflow", func(s *Server, ctx context.Context, req *service.QueryWorkflowRequest) (*service.QueryWorkflowResponse, error) {
			return s.svc.QueryWorkflow(ctx, req)
		}),
		unary("UpdateWorkflow", func(s *Server, ctx context.Context, req *service.UpdateWorkflowRequest) (*service.UpdateWorkflowResponse, error) {
			return s.svc.UpdateWorkflow(ctx, req)
		}),
		unary("WaitWorkflowResult", func(s *Server, ctx context.Context, req *service.WaitWorkflowResultRequest) (*service.WaitWorkflowResultResponse, error) {
			return s.svc.WaitWorkflowResult(ctx, req)
		}),
		unary("DescribeWorkflow", func(s *Server, ctx context.Context, req *service.DescribeWorkflowRequest) (*service.DescribeWorkflowResponse, error) {
			return s.svc.DescribeWorkflow(ctx, req)
		}),
		unary("GetHistory", func(s *Server, ctx context.Context, req *service.GetHistoryRequest) (*service.GetHistoryResponse, error) {
			return s.svc.GetHistory(ctx, req)
		}),
		unary("ListWorkflows", func(s *Server, ctx context.Context, req *service.ListWorkflowsRequest) (*service.ListWorkflowsResponse, error) {
			return s.svc.ListWorkflows(ctx, req)
		}),
		unary("ResetWorkflow", func(s *Server, ctx context.Context, req *service.ResetWorkflowRequest) (*service.ResetWorkflowResponse, error) {
			return s.svc.ResetWorkflow(ctx, req)
		}),
		unary("PollWorkflowTask", func(s *Server, ctx context.Context, req *service.PollWorkflowTaskRequest) (*service.PollWorkflowTaskResponse, error) {
			return s.svc.PollWorkflowTask(ctx, req)
		}),
		unary("PollActivityTask", func(s *Server, ctx context.Context, req *service.PollActivityTaskRequest) (*service.PollActivityTaskResponse, error) {
			return s.svc.PollActivityTask(ctx, req)
		}),
		unary("RespondWorkflowTaskCompleted", func(s *Server, ctx context.Context, req *service.RespondWorkflowTaskCompletedRequest) (*service.Empty, error) {
			return s.svc.RespondWorkflowTaskCompleted(ctx, req)
		}),
		unary("RespondWorkflowTaskFailed", func(s *Server, ctx context.Context, req *service.RespondWorkflowTaskFailedRequest) (*service.Empty, error) {
			return s.svc.RespondWorkflowTaskFailed(ctx, req)
		}),
		unary("RespondActivityTaskCompleted", func(s *Server, ctx context.Context, req *service.RespondActivityTaskCompletedRequest) (*service.Empty, error) {
			return s.svc.RespondActivityTaskCompleted(ctx, req)
		}),
		unary("RespondActivityTaskFailed", func(s *Server, ctx context.Context, req *service.RespondActivityTaskFailedRequest) (*service.Empty, error) {
			return s.svc.RespondActivityTaskFailed(ctx, req)
		}),
		unary("RespondActivityTaskCancelled", func(s *Server, ctx context.Context, req *service.RespondActivityTaskCancelledRequest) (*service.Empty, error) {
			return s.svc.RespondActivityTaskCancelled(ctx, req)
		}),
		unary("RecordActivityHeartbeat", func(s *Server, ctx context.Context, req *service.RecordActivityHeartbeatRequest) (*service.RecordActivityHeartbeatResponse, error) {
			return s.svc.RecordActivityHeartbeat(ctx, req)
		}),
		unary("Health", func(s *Server, ctx context.Context, _ *service.Empty) (*service.HealthResponse, error) {
			return s.svc.Health(ctx), nil
		}),
	},
	Metadata: "cascade/v1/workflow_service",
}
