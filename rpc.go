package raft

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

const (
	serviceName = "raft.Raft"

	appendEntriesMethod   = "/raft.Raft/AppendEntries"
	requestVoteMethod     = "/raft.Raft/RequestVote"
	installSnapshotMethod = "/raft.Raft/InstallSnapshot"
	timeoutNowMethod      = "/raft.Raft/TimeoutNow"
)

// wireCodec is the gRPC codec for raft messages. Messages carry their own
// protobuf wire encoding, so no generated code is involved.
type wireCodec struct{}

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	message, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("could not marshal %T: not a raft message", v)
	}
	return message.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	message, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("could not unmarshal %T: not a raft message", v)
	}
	return message.unmarshalWire(data)
}

func (wireCodec) Name() string {
	return "raft"
}

// raftServer is the server side of the raft gRPC service.
type raftServer interface {
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	TimeoutNow(context.Context, *TimeoutNowRequest) (*TimeoutNowResponse, error)
}

func appendEntriesHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendEntriesMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).AppendEntries(ctx, req.(*AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func requestVoteHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestVoteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).RequestVote(ctx, req.(*RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: installSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).InstallSnapshot(ctx, req.(*InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func timeoutNowHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(TimeoutNowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).TimeoutNow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: timeoutNowMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftServer).TimeoutNow(ctx, req.(*TimeoutNowRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "TimeoutNow", Handler: timeoutNowHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}
