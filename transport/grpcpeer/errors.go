package grpcpeer

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bverify.dev/custody/model"
	"bverify.dev/custody/transport"
)

// mapErr turns a delivery error into a gRPC status. A rejection travels as
// FailedPrecondition with "<reason>: <detail>" as the message.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if te, ok := transport.AsError(err); ok && te.Code == transport.CodeRejected {
		msg := string(te.Reason)
		if te.Detail != "" {
			msg += ": " + te.Detail
		}
		return status.Error(codes.FailedPrecondition, msg)
	}
	switch {
	case errors.Is(err, transport.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// mapRPC turns a client-side RPC error into a transport.Error.
func mapRPC(peer string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Timeout(peer, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return transport.Unreachable(peer, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		reason, detail, _ := strings.Cut(st.Message(), ": ")
		return transport.Rejected(peer, model.RejectReason(reason), detail)
	case codes.InvalidArgument:
		return transport.Rejected(peer, model.RejectMalformed, st.Message())
	case codes.DeadlineExceeded:
		return transport.Timeout(peer, err)
	default:
		return transport.Unreachable(peer, err)
	}
}
