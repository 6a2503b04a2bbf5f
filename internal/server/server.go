package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/timerd/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "timerengine.v1.TimerService"

// Method names of the gRPC service.
const (
	MethodListTimers     = "ListTimers"
	MethodCreateTimer    = "CreateTimer"
	MethodDeleteTimer    = "DeleteTimer"
	MethodStartTimer     = "StartTimer"
	MethodTogglePause    = "TogglePause"
	MethodResetTimer     = "ResetTimer"
	MethodQueryRemaining = "QueryRemaining"
	MethodHasActive      = "HasActive"
	MethodStatus         = "Status"
)

// TimerServiceServer is the server API for the timer service.
// Requests and responses are JSON objects carried as google.protobuf.Struct.
type TimerServiceServer interface {
	ListTimers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateTimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteTimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartTimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TogglePause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetTimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryRemaining(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HasActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv TimerServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TimerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TimerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// TimerServiceDesc describes the timer service for grpc.Server.RegisterService.
var TimerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodListTimers, TimerServiceServer.ListTimers),
		unaryMethod(MethodCreateTimer, TimerServiceServer.CreateTimer),
		unaryMethod(MethodDeleteTimer, TimerServiceServer.DeleteTimer),
		unaryMethod(MethodStartTimer, TimerServiceServer.StartTimer),
		unaryMethod(MethodTogglePause, TimerServiceServer.TogglePause),
		unaryMethod(MethodResetTimer, TimerServiceServer.ResetTimer),
		unaryMethod(MethodQueryRemaining, TimerServiceServer.QueryRemaining),
		unaryMethod(MethodHasActive, TimerServiceServer.HasActive),
		unaryMethod(MethodStatus, TimerServiceServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timerengine/v1/timer.proto",
}

// Server implements the gRPC TimerService.
type Server struct {
	svc *Service
}

// NewServer creates a new gRPC server implementation backed by the engine.
func NewServer(e *engine.Engine) *Server {
	return &Server{svc: NewService(e)}
}

// Register registers the service on a grpc.Server.
func Register(gs *grpc.Server, e *engine.Engine) {
	gs.RegisterService(&TimerServiceDesc, NewServer(e))
}

// ListTimers lists timers, optionally filtered by category.
func (s *Server) ListTimers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	return toStruct(s.svc.list(req))
}

// CreateTimer creates an idle timer.
func (s *Server) CreateTimer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.svc.create(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// DeleteTimer deletes an idle timer.
func (s *Server) DeleteTimer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.svc.delete(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// StartTimer starts a timer.
func (s *Server) StartTimer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.svc.start(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// TogglePause pauses or resumes a timer.
func (s *Server) TogglePause(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.svc.togglePause(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// ResetTimer resets a timer to idle.
func (s *Server) ResetTimer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.svc.reset(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// QueryRemaining returns remaining milliseconds, driving expiry detection.
func (s *Server) QueryRemaining(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	return toStruct(s.svc.remaining(req))
}

// HasActive reports whether any timer is running or paused.
func (s *Server) HasActive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.svc.hasActive())
}

// Status summarizes the registry.
func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.svc.status())
}

// ============================================================================
// Conversion helpers
// ============================================================================

// toStruct encodes v as JSON and decodes it into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrPoolExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, engine.ErrRefused):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrUnknownCategory), errors.Is(err, engine.ErrInvalidDuration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrPersist):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// fromStatus maps gRPC status codes back to engine errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", engine.ErrNotFound, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", engine.ErrPoolExhausted, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", engine.ErrRefused, st.Message())
	case codes.Internal:
		return fmt.Errorf("%w: %s", engine.ErrPersist, st.Message())
	default:
		return fmt.Errorf("rpc failed: %w", err)
	}
}
