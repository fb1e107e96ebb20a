package grpcpeer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName          = "bverify.custody.peer.v1.Peer"
	methodSubmitProposal = "/" + serviceName + "/SubmitProposal"
	methodSubmitApproval = "/" + serviceName + "/SubmitApproval"
)

// PeerServer is the server API for the Peer service.
//
// Messages are protobuf well-known wrapper types so no protoc step is needed:
//
//	service Peer {
//	  rpc SubmitProposal(google.protobuf.BytesValue) returns (google.protobuf.StringValue);
//	  rpc SubmitApproval(google.protobuf.StringValue) returns (google.protobuf.BoolValue);
//	}
//
// SubmitProposal carries a JSON transport envelope and answers with the
// accepted proposal id. SubmitApproval carries a proposal id; the sender is
// named in the "x-bverify-from" metadata key.
type PeerServer interface {
	SubmitProposal(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	SubmitApproval(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

// UnimplementedPeerServer can be embedded to have forward compatible implementations.
type UnimplementedPeerServer struct{}

func (UnimplementedPeerServer) SubmitProposal(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitProposal not implemented")
}
func (UnimplementedPeerServer) SubmitApproval(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitApproval not implemented")
}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&Peer_ServiceDesc, srv)
}

// PeerClient is the client API for the Peer service.
type PeerClient interface {
	SubmitProposal(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	SubmitApproval(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type peerClient struct{ cc grpc.ClientConnInterface }

func NewPeerClient(cc grpc.ClientConnInterface) PeerClient { return &peerClient{cc: cc} }

func (c *peerClient) SubmitProposal(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodSubmitProposal, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) SubmitApproval(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodSubmitApproval, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Peer_SubmitProposal_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).SubmitProposal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitProposal}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).SubmitProposal(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_SubmitApproval_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).SubmitApproval(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitApproval}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).SubmitApproval(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Peer_ServiceDesc is the grpc.ServiceDesc for the Peer service.
var Peer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitProposal", Handler: _Peer_SubmitProposal_Handler},
		{MethodName: "SubmitApproval", Handler: _Peer_SubmitApproval_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peer.proto",
}
