// ============================================================================
// Beaver-Relay Gateway - gRPC access to a coordinator
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Expose the submitter and registry of a coordinator over gRPC.
//
// Service relay.v1.Gateway, every message a google.protobuf.Struct:
//
//   SubmitJob       {service, data, job_id?, wait_ms?} -> {job_id, job_queue, result?}
//   GetService      {name}                            -> registration record
//   ListServices    {details}                         -> {names, services?}
//   RunningJobs     {service}                         -> {job_ids}
//   GetJobResponse  {service, job_id, timeout_ms}     -> job result
//   Status          {}                                -> {uptime_ms, live_channels, subscribed, jobs}
//
// Error codes:
//   NotFound          service not registered
//   Unavailable       nobody listens on the service channel, job withdrawn
//   DeadlineExceeded  no response within the wait
//   InvalidArgument   missing or malformed field
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-relay/internal/controller"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/submitter"
)

// ServiceName is the full gRPC service name of the gateway.
const ServiceName = "relay.v1.Gateway"

// gatewayServer is the handler type of the service descriptor.
type gatewayServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetService(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListServices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunningJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unary("SubmitJob", gatewayServer.SubmitJob)},
		{MethodName: "GetService", Handler: unary("GetService", gatewayServer.GetService)},
		{MethodName: "ListServices", Handler: unary("ListServices", gatewayServer.ListServices)},
		{MethodName: "RunningJobs", Handler: unary("RunningJobs", gatewayServer.RunningJobs)},
		{MethodName: "GetJobResponse", Handler: unary("GetJobResponse", gatewayServer.GetJobResponse)},
		{MethodName: "Status", Handler: unary("Status", gatewayServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/v1/gateway.proto",
}

type method func(gatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m method) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(gatewayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return m(srv.(gatewayServer), ctx, req.(*structpb.Struct))
		})
	}
}

// Server implements the gateway on top of a coordinator.
type Server struct {
	controller *controller.Controller
	log        *slog.Logger
}

// NewServer creates the gateway for ctrl.
func NewServer(ctrl *controller.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{controller: ctrl, log: logger.With("component", "gateway")}
}

// Register adds the gateway to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the gateway registered and every
// call logged.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(s.log)))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "Gateway call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
		return resp, err
	}
}

// SubmitJob queues a job and, with wait_ms, waits for its result.
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err)
	}
	if req.Service == "" {
		return nil, status.Error(codes.InvalidArgument, "service is required")
	}

	sub := s.controller.Submitter()
	env, err := sub.SendServiceRequest(ctx, req.Service, req.Data, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}

	reply := submitReply{JobID: env.JobID, JobQueue: env.JobQueue}
	if req.WaitMillis > 0 {
		result, err := sub.JobResponse(ctx, req.Service, env.JobID, time.Duration(req.WaitMillis)*time.Millisecond)
		if err != nil {
			return nil, toStatus(err)
		}
		reply.Result = result
	}
	return toStruct(reply)
}

// GetService returns the registration record of a service.
func (s *Server) GetService(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req serviceRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err)
	}

	reg, err := s.controller.Submitter().RegisteredService(ctx, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(reg)
}

// ListServices returns the registered names, with details the records too.
func (s *Server) ListServices(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err)
	}

	reg := s.controller.Registry()
	var reply listReply
	if req.Details {
		records, err := reg.List(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		reply.Services = records
		for _, r := range records {
			reply.Names = append(reply.Names, r.Name)
		}
	} else {
		names, err := reg.Names(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		reply.Names = names
	}
	return toStruct(reply)
}

// RunningJobs returns the ids queued for a service.
func (s *Server) RunningJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err)
	}
	if req.Service == "" {
		return nil, status.Error(codes.InvalidArgument, "service is required")
	}

	ids, err := s.controller.Submitter().RunningJobs(ctx, req.Service)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(jobsReply{JobIDs: ids})
}

// GetJobResponse waits up to timeout_ms for the result of a job.
func (s *Server) GetJobResponse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req responseRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, invalid(err)
	}
	if req.Service == "" || req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "service and job_id are required")
	}

	result, err := s.controller.Submitter().JobResponse(ctx, req.Service, req.JobID, time.Duration(req.TimeoutMillis)*time.Millisecond)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

// Status reports the coordinator status.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.controller.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(StatusReply{
		UptimeMillis: st.Uptime.Milliseconds(),
		LiveChannels: st.LiveChannels,
		Subscribed:   st.Subscribed,
		Jobs:         st.Jobs,
	})
}

func invalid(err error) error {
	return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
}

// toStatus maps relay errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotRegistered), errors.Is(err, submitter.ErrServiceNotRegistered):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, submitter.ErrNoSubscribers):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, submitter.ErrNoResponse):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
