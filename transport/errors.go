package transport

import (
	"context"
	"errors"
	"fmt"

	"bverify.dev/custody/model"
)

type Code string

const (
	CodeUnreachable Code = "Unreachable"
	CodeTimeout     Code = "Timeout"
	CodeRejected    Code = "Rejected"
)

// Error is a TransportError. Reason and Detail are set for CodeRejected.
type Error struct {
	Code   Code
	Peer   string
	Reason model.RejectReason
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Code == CodeRejected && e.Detail != "":
		return fmt.Sprintf("transport: %s rejected: %s: %s", e.Peer, e.Reason, e.Detail)
	case e.Code == CodeRejected:
		return fmt.Sprintf("transport: %s rejected: %s", e.Peer, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("transport: %s %s: %v", e.Peer, e.Code, e.Cause)
	default:
		return fmt.Sprintf("transport: %s %s", e.Peer, e.Code)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func Unreachable(peer string, cause error) *Error {
	return &Error{Code: CodeUnreachable, Peer: peer, Cause: cause}
}

func Timeout(peer string, cause error) *Error {
	return &Error{Code: CodeTimeout, Peer: peer, Cause: cause}
}

func Rejected(peer string, reason model.RejectReason, detail string) *Error {
	return &Error{Code: CodeRejected, Peer: peer, Reason: reason, Detail: detail}
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether resending could succeed. Rejections are final
// except CommitFailed.
func Retryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Code != CodeRejected || e.Reason == model.RejectCommitFailed
	}
	return errors.Is(err, context.DeadlineExceeded)
}
