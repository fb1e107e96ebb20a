package grpcpeer

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"bverify.dev/custody/transport"
)

const fromKey = "x-bverify-from"

// Server exposes a transport.Inbound over the Peer gRPC service.
type Server struct {
	UnimplementedPeerServer

	mu  sync.RWMutex
	in  transport.Inbound
	log *zap.Logger
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log}
}

// SetInbound routes subsequent calls to in.
func (s *Server) SetInbound(in transport.Inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = in
}

func (s *Server) inbound() (transport.Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.in == nil {
		return nil, status.Error(codes.Unavailable, "peer not ready")
	}
	return s.in, nil
}

func (s *Server) SubmitProposal(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	handler, err := s.inbound()
	if err != nil {
		return nil, err
	}
	m, err := transport.Decode(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if m.Kind != transport.KindProposal {
		return nil, status.Error(codes.InvalidArgument, "expected a proposal envelope")
	}
	if err := transport.Deliver(ctx, handler, m.From, m); err != nil {
		s.log.Debug("proposal rejected", zap.String("proposal_id", m.ProposalID), zap.String("from", m.From), zap.Error(err))
		return nil, mapErr(err)
	}
	return wrapperspb.String(m.ProposalID), nil
}

func (s *Server) SubmitApproval(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	handler, err := s.inbound()
	if err != nil {
		return nil, err
	}
	from := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(fromKey); len(v) > 0 {
			from = v[0]
		}
	}
	if from == "" || in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "approval needs a sender and a proposal id")
	}
	handler.SubmitApproval(ctx, from, in.GetValue())
	return wrapperspb.Bool(true), nil
}
