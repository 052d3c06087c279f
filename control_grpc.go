// control_grpc.go: ModControl gRPC service over the control target
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The gRPC frontend exposes the same catalog as the msgpack control protocol
// using well-known protobuf types, so no generated code is needed:
//
//	GetLoadedMods(Empty) returns (ListValue)   one Struct per mod
//	LoadMod(StringValue) returns (Empty)       likewise Unload, Suspend, Resume
const controlServiceName = "modloader.v1.ModControl"

type controlGRPCServer struct {
	target ControlTarget
}

// RegisterControlService registers the ModControl service backed by target.
func RegisterControlService(s grpc.ServiceRegistrar, target ControlTarget) {
	s.RegisterService(&controlServiceDesc, &controlGRPCServer{target: target})
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: string(MsgGetLoadedMods), Handler: getLoadedModsHandler},
		{MethodName: string(MsgLoadMod), Handler: modHandler(MsgLoadMod)},
		{MethodName: string(MsgUnloadMod), Handler: modHandler(MsgUnloadMod)},
		{MethodName: string(MsgSuspendMod), Handler: modHandler(MsgSuspendMod)},
		{MethodName: string(MsgResumeMod), Handler: modHandler(MsgResumeMod)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modloader/v1/control.proto",
}

func fullMethod(t MessageType) string {
	return "/" + controlServiceName + "/" + string(t)
}

func getLoadedModsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*controlGRPCServer)
	handler := func(ctx context.Context, _ any) (any, error) {
		mods, err := s.target.GetLoadedMods(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		return modsToList(mods)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(MsgGetLoadedMods)}
	return interceptor(ctx, in, info, handler)
}

func modHandler(t MessageType) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*controlGRPCServer)
		handler := func(ctx context.Context, req any) (any, error) {
			modID := req.(*wrapperspb.StringValue).GetValue()
			if modID == "" {
				return nil, status.Error(codes.InvalidArgument, string(t)+" requires a mod id")
			}
			if err := s.call(ctx, t, modID); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(t)}
		return interceptor(ctx, in, info, handler)
	}
}

func (s *controlGRPCServer) call(ctx context.Context, t MessageType, modID string) error {
	switch t {
	case MsgLoadMod:
		return s.target.LoadMod(ctx, modID)
	case MsgUnloadMod:
		return s.target.UnloadMod(ctx, modID)
	case MsgSuspendMod:
		return s.target.SuspendMod(ctx, modID)
	case MsgResumeMod:
		return s.target.ResumeMod(ctx, modID)
	default:
		return NewProtocolError(fmt.Sprintf("unknown control request %q", t), nil)
	}
}

func modsToList(mods []ModInfo) (*structpb.ListValue, error) {
	values := make([]any, 0, len(mods))
	for _, m := range mods {
		values = append(values, map[string]any{
			"mod_id":      m.ModID,
			"state":       string(m.State),
			"can_suspend": m.CanSuspend,
			"can_unload":  m.CanUnload,
		})
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func modsFromList(list *structpb.ListValue) []ModInfo {
	mods := make([]ModInfo, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		mods = append(mods, ModInfo{
			ModID:      fields["mod_id"].GetStringValue(),
			State:      ModState(fields["state"].GetStringValue()),
			CanSuspend: fields["can_suspend"].GetBoolValue(),
			CanUnload:  fields["can_unload"].GetBoolValue(),
		})
	}
	return mods
}

// toStatus maps loader error codes onto gRPC status codes. The message is
// kept so clients see the same text as a GenericExceptionResponse.
func toStatus(err error) error {
	code := codes.Internal
	switch string(ErrorCodeOf(err)) {
	case ErrCodeModNotFound, ErrCodeModNotLoaded:
		code = codes.NotFound
	case ErrCodeDuplicateLoad:
		code = codes.AlreadyExists
	case ErrCodeUnsupportedOperation, ErrCodeMissingDependency:
		code = codes.FailedPrecondition
	case ErrCodeNotInitialized:
		code = codes.Unavailable
	case ErrCodeProtocolError:
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

// ControlGRPCClient is the gRPC counterpart of ControlClient.
type ControlGRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewControlGRPCClient wraps an established connection.
func NewControlGRPCClient(cc grpc.ClientConnInterface) *ControlGRPCClient {
	return &ControlGRPCClient{cc: cc}
}

func (c *ControlGRPCClient) GetLoadedMods(ctx context.Context) ([]ModInfo, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod(MsgGetLoadedMods), &emptypb.Empty{}, out); err != nil {
		return nil, fromStatus(err)
	}
	return modsFromList(out), nil
}

func (c *ControlGRPCClient) LoadMod(ctx context.Context, modID string) error {
	return c.invoke(ctx, MsgLoadMod, modID)
}

func (c *ControlGRPCClient) UnloadMod(ctx context.Context, modID string) error {
	return c.invoke(ctx, MsgUnloadMod, modID)
}

func (c *ControlGRPCClient) SuspendMod(ctx context.Context, modID string) error {
	return c.invoke(ctx, MsgSuspendMod, modID)
}

func (c *ControlGRPCClient) ResumeMod(ctx context.Context, modID string) error {
	return c.invoke(ctx, MsgResumeMod, modID)
}

func (c *ControlGRPCClient) invoke(ctx context.Context, t MessageType, modID string) error {
	if err := c.cc.Invoke(ctx, fullMethod(t), wrapperspb.String(modID), new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewRemoteFailureError(err.Error())
	}
	return NewRemoteFailureError(st.Message()).WithContext("grpc_code", st.Code().String())
}

// controlUnaryInterceptor records metrics and audit entries for gRPC requests
// the same way the msgpack server does, and turns panics into Internal errors.
func controlUnaryInterceptor(logger Logger, metrics *LifecycleMetrics, audit *LifecycleAudit) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		requestType := strings.TrimPrefix(info.FullMethod, "/"+controlServiceName+"/")
		var modID string
		if sv, ok := req.(*wrapperspb.StringValue); ok {
			modID = sv.GetValue()
		}

		err = callRecovered(logger, "control_grpc", func() error {
			var herr error
			resp, herr = handler(ctx, req)
			return herr
		})
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = status.Error(codes.Internal, err.Error())
			}
		}

		metrics.observeControl(requestType, err)
		audit.RecordControlRequest(requestType, modID, "grpc", err)
		return resp, err
	}
}
